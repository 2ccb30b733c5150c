/*
Package sign wraps the signature schemes used by the consensus engine:
plain ED25519 signatures for the gossip plane and (t, n) threshold BLS
signatures (over the bn256 pairing) for DA proofs, block signatures and
the common coin.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs the data with an ED25519 private key.
func SignEd25519(privKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privKey, data)
}

// VerifySignEd25519 verifies an ED25519 signature over the data.
func VerifySignEd25519(pubKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, errors.New("ed25519 public key has a wrong length")
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// GenTSKeys generates n private key shares and the public polynomial of a
// (t, n) threshold BLS scheme.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	shares := priPoly.Shares(n)
	return shares, pubPoly
}

// SignTSPartial creates a partial threshold signature over the data.
func SignTSPartial(priKey *share.PriShare, data []byte) []byte {
	partialSig, err := tbls.Sign(suite, priKey, data)
	if err != nil {
		panic(err)
	}
	return partialSig
}

// VerifyTSPartial checks one partial signature against the public polynomial.
func VerifyTSPartial(pubPoly *share.PubPoly, data []byte, partialSig []byte) error {
	return tbls.Verify(suite, pubPoly, data, partialSig)
}

// AssembleIntactTSPartial recovers the intact threshold signature from at
// least t partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) []byte {
	intactSig, err := tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
	if err != nil {
		panic(err)
	}
	return intactSig
}

// RecoverTS is like AssembleIntactTSPartial but returns the error instead of
// panicking. Used on paths where partial signatures may come from faulty nodes.
func RecoverTS(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
}

// VerifyTS verifies an intact threshold signature under the group public key.
func VerifyTS(pubPoly *share.PubPoly, data []byte, sig []byte) error {
	return bls.Verify(suite, pubPoly.Commit(), data, sig)
}

// SigShareIndex extracts the signer index encoded in a partial signature.
func SigShareIndex(partialSig []byte) (int, error) {
	s := tbls.SigShare(partialSig)
	return s.Index()
}

// EncodeTSPublicKey serializes the public polynomial commits.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	_, commits := pubPoly.Info()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(commits)))
	for _, commit := range commits {
		commitAsBytes, err := commit.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = append(buf, commitAsBytes...)
	}
	return buf, nil
}

// DecodeTSPublicKey restores a public polynomial from its serialized commits.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	if len(data) < 8 {
		return nil, errors.New("serialized TS public key is too short")
	}
	count := binary.LittleEndian.Uint64(data[:8])
	pointLen := suite.G2().PointLen()
	if uint64(len(data)-8) != count*uint64(pointLen) {
		return nil, errors.New("serialized TS public key has a wrong length")
	}
	commits := make([]kyber.Point, count)
	for i := uint64(0); i < count; i++ {
		point := suite.G2().Point()
		begin := 8 + i*uint64(pointLen)
		if err := point.UnmarshalBinary(data[begin : begin+uint64(pointLen)]); err != nil {
			return nil, err
		}
		commits[i] = point
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

// EncodeTSPartialKey serializes a private key share.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	scalarAsBytes, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(priShare.I))
	return append(buf, scalarAsBytes...), nil
}

// DecodeTSPartialKey restores a private key share.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) < 8 {
		return nil, errors.New("serialized TS partial key is too short")
	}
	index := binary.LittleEndian.Uint64(data[:8])
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(data[8:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(index), V: scalar}, nil
}
