package db

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/subchain/datastructures"
)

func openTestStorage(t *testing.T) *Storage {
	storage, err := OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func makeCommittedBlock(t *testing.T, blockID uint64) *datastructures.CommittedBlock {
	tx, err := datastructures.NewTransaction([]byte{1, 2, 3})
	require.NoError(t, err)
	list, err := datastructures.NewTransactionList([]*datastructures.Transaction{tx})
	require.NoError(t, err)
	p, err := datastructures.NewBlockProposal(1, blockID, 1, 10, 1577836800, 0, list)
	require.NoError(t, err)
	b, err := datastructures.NewCommittedBlock(p, []byte{0xAB, 0xCD})
	require.NoError(t, err)
	return b
}

func TestBlockDBSaveGet(t *testing.T) {
	storage := openTestStorage(t)
	blocks := NewBlockDB(storage)

	last, err := blocks.ReadLastCommittedBlockID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)

	b := makeCommittedBlock(t, 5)
	require.NoError(t, blocks.SaveBlock(b))

	have, err := blocks.HaveBlock(5)
	require.NoError(t, err)
	require.True(t, have)

	restored, err := blocks.GetBlock(5)
	require.NoError(t, err)
	require.Equal(t, b.Hash(), restored.Hash())

	missing, err := blocks.GetBlock(6)
	require.NoError(t, err)
	require.Nil(t, missing)

	last, err = blocks.ReadLastCommittedBlockID()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	// saving an older block does not move the last committed id back
	require.NoError(t, blocks.SaveBlock(makeCommittedBlock(t, 3)))
	last, err = blocks.ReadLastCommittedBlockID()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestProposalHashDBCheckAndSave(t *testing.T) {
	storage := openTestStorage(t)
	hashes := NewProposalHashDB(storage)

	hashA := sha256.Sum256([]byte("a"))
	hashB := sha256.Sum256([]byte("b"))

	ok, err := hashes.CheckAndSaveHash(7, 2, hashA[:])
	require.NoError(t, err)
	require.True(t, ok)

	// the same hash is accepted again
	ok, err = hashes.CheckAndSaveHash(7, 2, hashA[:])
	require.NoError(t, err)
	require.True(t, ok)

	// a different hash for the same slot is not
	ok, err = hashes.CheckAndSaveHash(7, 2, hashB[:])
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := hashes.GetHash(7, 2)
	require.NoError(t, err)
	require.Equal(t, hashA[:], stored)
}

func TestDASigShareQuorum(t *testing.T) {
	storage := openTestStorage(t)
	shares := NewDASigShareDB(storage, 3)

	hash := sha256.Sum256([]byte("proposal"))
	makeShare := func(signer uint64) *datastructures.DAProofShare {
		return &datastructures.DAProofShare{
			SchainID: 1, BlockID: 4, ProposerIndex: 2,
			Hash: hash[:], SignerIndex: signer, SigShare: []byte{byte(signer)},
		}
	}

	set, ready, err := shares.AddShare(makeShare(1))
	require.NoError(t, err)
	require.False(t, ready)
	require.Nil(t, set)

	// duplicate signer is ignored
	_, ready, err = shares.AddShare(makeShare(1))
	require.NoError(t, err)
	require.False(t, ready)

	_, ready, err = shares.AddShare(makeShare(2))
	require.NoError(t, err)
	require.False(t, ready)

	set, ready, err = shares.AddShare(makeShare(3))
	require.NoError(t, err)
	require.True(t, ready)
	require.Len(t, set, 3)

	// the quorum fires exactly once
	_, ready, err = shares.AddShare(makeShare(4))
	require.NoError(t, err)
	require.False(t, ready)
}

func TestDAProofVectorQuorum(t *testing.T) {
	storage := openTestStorage(t)
	proofs := NewDAProofDB(storage, 3)
	vectors := NewProposalVectorDB(storage)

	hash := sha256.Sum256([]byte("proposal"))
	makeProof := func(proposer uint64) *datastructures.DAProof {
		return &datastructures.DAProof{
			SchainID: 1, BlockID: 9, ProposerIndex: proposer,
			Hash: hash[:], ThresholdSig: []byte{byte(proposer)},
		}
	}

	_, reached, err := proofs.AddDAProof(makeProof(1), vectors, 4)
	require.NoError(t, err)
	require.False(t, reached)

	// duplicate proof is a no-op
	_, reached, err = proofs.AddDAProof(makeProof(1), vectors, 4)
	require.NoError(t, err)
	require.False(t, reached)

	_, reached, err = proofs.AddDAProof(makeProof(3), vectors, 4)
	require.NoError(t, err)
	require.False(t, reached)

	vector, reached, err := proofs.AddDAProof(makeProof(4), vectors, 4)
	require.NoError(t, err)
	require.True(t, reached)
	require.Equal(t, "1011", vector.String())

	// a late proof keeps updating the vector but quorum never refires
	_, reached, err = proofs.AddDAProof(makeProof(2), vectors, 4)
	require.NoError(t, err)
	require.False(t, reached)

	persisted, err := vectors.GetVector(9)
	require.NoError(t, err)
	require.Equal(t, "1111", persisted.String())

	have, err := proofs.HaveDAProof(9, 3)
	require.NoError(t, err)
	require.True(t, have)

	enough, err := proofs.IsEnoughProofs(9)
	require.NoError(t, err)
	require.True(t, enough)

	restored, err := proofs.GetDAProof(9, 3)
	require.NoError(t, err)
	require.Equal(t, hash[:], restored.Hash)
}

func TestOutgoingMsgDB(t *testing.T) {
	storage := openTestStorage(t)
	outgoing := NewOutgoingMsgDB(storage)

	require.NoError(t, outgoing.SaveMsg(1, 1, []byte("b1m1")))
	require.NoError(t, outgoing.SaveMsg(2, 1, []byte("b2m1")))
	require.NoError(t, outgoing.SaveMsg(2, 2, []byte("b2m2")))
	require.NoError(t, outgoing.SaveMsg(3, 1, []byte("b3m1")))

	frames, err := outgoing.LoadFromBlock(2)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("b2m1"), []byte("b2m2"), []byte("b3m1")}, frames)

	require.NoError(t, outgoing.PruneBelow(3))
	frames, err = outgoing.LoadFromBlock(0)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("b3m1")}, frames)
}

func TestProposalDBRoundTrip(t *testing.T) {
	storage := openTestStorage(t)
	proposals := NewBlockProposalDB(storage)

	b := makeCommittedBlock(t, 8)
	p := b.BlockProposal
	p.Signature = []byte{1, 2, 3}
	require.NoError(t, proposals.SaveProposal(&p))

	have, err := proposals.HaveProposal(8, 1)
	require.NoError(t, err)
	require.True(t, have)

	restored, err := proposals.GetProposal(8, 1)
	require.NoError(t, err)
	require.Equal(t, p.Hash(), restored.Hash())

	missing, err := proposals.GetProposal(8, 2)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestPriceDB(t *testing.T) {
	storage := openTestStorage(t)
	prices := NewPriceDB(storage)

	_, found, err := prices.GetPrice(1)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, prices.SavePrice(1, 1000))
	price, found, err := prices.GetPrice(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1000), price)
}
