/*
Package crypto binds the node's key material to the signing duties of the
consensus engine: DA proof shares and their aggregation, block signatures,
common-coin shares, and the ed25519 signatures of the gossip plane.
*/
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/sign"
)

// CryptoManager performs every signing and verification operation of one
// node. It is safe for concurrent use; all state is immutable after creation.
type CryptoManager struct {
	conf *config.Config
}

func NewCryptoManager(conf *config.Config) *CryptoManager {
	return &CryptoManager{conf: conf}
}

func (c *CryptoManager) quorum() int {
	return int(c.conf.Quorum())
}

func (c *CryptoManager) nodeCount() int {
	return int(c.conf.NodeCount())
}

// SignDAShare produces this node's DA share for a proposal hash.
func (c *CryptoManager) SignDAShare(blockID, proposerIndex uint64, hash []byte) *datastructures.DAProofShare {
	msg := datastructures.DAProofMessageBytes(c.conf.SchainID, blockID, proposerIndex, hash)
	return &datastructures.DAProofShare{
		SchainID:      c.conf.SchainID,
		BlockID:       blockID,
		ProposerIndex: proposerIndex,
		Hash:          hash,
		SignerIndex:   c.conf.SchainIndex,
		SigShare:      sign.SignTSPartial(c.conf.TsPrivateKey, msg),
	}
}

// VerifyDAShare checks a peer's DA share against the group public key.
func (c *CryptoManager) VerifyDAShare(s *datastructures.DAProofShare) error {
	if err := s.Validate(c.conf.NodeCount()); err != nil {
		return err
	}
	if s.SchainID != c.conf.SchainID {
		return fmt.Errorf("DA share for chain %d", s.SchainID)
	}
	msg := datastructures.DAProofMessageBytes(s.SchainID, s.BlockID, s.ProposerIndex, s.Hash)
	if err := sign.VerifyTSPartial(c.conf.TsPublicKey, msg, s.SigShare); err != nil {
		return fmt.Errorf("DA share does not verify: %w", err)
	}
	idx, err := sign.SigShareIndex(s.SigShare)
	if err != nil {
		return err
	}
	// tbls indices are 0-based, schain indices 1-based
	if uint64(idx)+1 != s.SignerIndex {
		return fmt.Errorf("DA share index %d does not match signer %d", idx, s.SignerIndex)
	}
	return nil
}

// AggregateDAProof recovers the threshold signature from a quorum of shares.
func (c *CryptoManager) AggregateDAProof(shares []*datastructures.DAProofShare) (*datastructures.DAProof, error) {
	if len(shares) < c.quorum() {
		return nil, fmt.Errorf("have %d DA shares, need %d", len(shares), c.quorum())
	}
	first := shares[0]
	msg := datastructures.DAProofMessageBytes(first.SchainID, first.BlockID, first.ProposerIndex, first.Hash)
	raw := make([][]byte, len(shares))
	for i, s := range shares {
		raw[i] = s.SigShare
	}
	thresholdSig, err := sign.RecoverTS(raw, c.conf.TsPublicKey, msg, c.quorum(), c.nodeCount())
	if err != nil {
		return nil, fmt.Errorf("could not aggregate DA proof: %w", err)
	}
	return &datastructures.DAProof{
		SchainID:      first.SchainID,
		BlockID:       first.BlockID,
		ProposerIndex: first.ProposerIndex,
		Hash:          first.Hash,
		ThresholdSig:  thresholdSig,
	}, nil
}

// VerifyDAProof checks an aggregated proof.
func (c *CryptoManager) VerifyDAProof(p *datastructures.DAProof) error {
	if err := p.Validate(c.conf.NodeCount()); err != nil {
		return err
	}
	if p.SchainID != c.conf.SchainID {
		return fmt.Errorf("DA proof for chain %d", p.SchainID)
	}
	msg := datastructures.DAProofMessageBytes(p.SchainID, p.BlockID, p.ProposerIndex, p.Hash)
	if err := sign.VerifyTS(c.conf.TsPublicKey, msg, p.ThresholdSig); err != nil {
		return fmt.Errorf("DA proof does not verify: %w", err)
	}
	return nil
}

// BlockSigMessageBytes is the byte string the block threshold signature
// covers.
func (c *CryptoManager) BlockSigMessageBytes(blockID, proposerIndex uint64) []byte {
	out := make([]byte, 24)
	binary.LittleEndian.PutUint64(out[0:8], c.conf.SchainID)
	binary.LittleEndian.PutUint64(out[8:16], blockID)
	binary.LittleEndian.PutUint64(out[16:24], proposerIndex)
	return out
}

// SignBlockSigShare produces this node's share of the block signature.
func (c *CryptoManager) SignBlockSigShare(blockID, proposerIndex uint64) []byte {
	return sign.SignTSPartial(c.conf.TsPrivateKey, c.BlockSigMessageBytes(blockID, proposerIndex))
}

// VerifyBlockSigShare checks a peer's block signature share.
func (c *CryptoManager) VerifyBlockSigShare(blockID, proposerIndex uint64, sigShare []byte) error {
	return sign.VerifyTSPartial(c.conf.TsPublicKey, c.BlockSigMessageBytes(blockID, proposerIndex), sigShare)
}

// RecoverBlockSig aggregates a quorum of block signature shares.
func (c *CryptoManager) RecoverBlockSig(blockID, proposerIndex uint64, shares [][]byte) ([]byte, error) {
	msg := c.BlockSigMessageBytes(blockID, proposerIndex)
	out, err := sign.RecoverTS(shares, c.conf.TsPublicKey, msg, c.quorum(), c.nodeCount())
	if err != nil {
		return nil, fmt.Errorf("could not recover block signature: %w", err)
	}
	return out, nil
}

// VerifyBlockSig checks a recovered block threshold signature.
func (c *CryptoManager) VerifyBlockSig(blockID, proposerIndex uint64, thresholdSig []byte) error {
	return sign.VerifyTS(c.conf.TsPublicKey, c.BlockSigMessageBytes(blockID, proposerIndex), thresholdSig)
}

// CoinMessageBytes is the byte string one common-coin toss covers. Every
// honest node signs the same bytes, so the recovered group signature, and
// with it the coin, is the same everywhere.
func (c *CryptoManager) CoinMessageBytes(blockID, proposerIndex, round uint64) []byte {
	out := make([]byte, 32)
	binary.LittleEndian.PutUint64(out[0:8], c.conf.SchainID)
	binary.LittleEndian.PutUint64(out[8:16], blockID)
	binary.LittleEndian.PutUint64(out[16:24], proposerIndex)
	binary.LittleEndian.PutUint64(out[24:32], round)
	return out
}

// SignCoinShare produces this node's coin share for the round.
func (c *CryptoManager) SignCoinShare(blockID, proposerIndex, round uint64) []byte {
	return sign.SignTSPartial(c.conf.TsPrivateKey, c.CoinMessageBytes(blockID, proposerIndex, round))
}

// VerifyCoinShare checks a peer's coin share.
func (c *CryptoManager) VerifyCoinShare(blockID, proposerIndex, round uint64, sigShare []byte) error {
	return sign.VerifyTSPartial(c.conf.TsPublicKey, c.CoinMessageBytes(blockID, proposerIndex, round), sigShare)
}

// RecoverCoin aggregates a quorum of coin shares into the round's coin bit.
// The bit is the low bit of the SHA-256 of the recovered group signature.
func (c *CryptoManager) RecoverCoin(blockID, proposerIndex, round uint64, shares [][]byte) (uint8, error) {
	msg := c.CoinMessageBytes(blockID, proposerIndex, round)
	groupSig, err := sign.RecoverTS(shares, c.conf.TsPublicKey, msg, c.quorum(), c.nodeCount())
	if err != nil {
		return 0, fmt.Errorf("could not recover coin for round %d: %w", round, err)
	}
	digest := sha256.Sum256(groupSig)
	return digest[31] & 1, nil
}

// SignGossip signs a gossip-plane payload with the node's ed25519 key.
func (c *CryptoManager) SignGossip(data []byte) []byte {
	return sign.SignEd25519(c.conf.PrivateKey, data)
}

// VerifyGossip checks a gossip signature against the sender's public key.
func (c *CryptoManager) VerifyGossip(senderIndex uint64, data, sig []byte) error {
	peer := c.conf.NodeByIndex(senderIndex)
	if peer == nil {
		return fmt.Errorf("unknown sender index %d", senderIndex)
	}
	ok, err := sign.VerifySignEd25519(peer.PublicKey, data, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("gossip signature does not verify")
	}
	return nil
}

// SignProposal signs a proposal hash with the proposer key.
func (c *CryptoManager) SignProposal(p *datastructures.BlockProposal) {
	p.Signature = sign.SignEd25519(c.conf.PrivateKey, p.Hash())
}

// VerifyProposalSig checks the proposer's signature on a gossiped proposal.
func (c *CryptoManager) VerifyProposalSig(p *datastructures.BlockProposal) error {
	return c.VerifyGossip(p.ProposerIndex, p.Hash(), p.Signature)
}
