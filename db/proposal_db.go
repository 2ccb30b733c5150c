package db

import (
	"bytes"
	"fmt"

	"github.com/gitzhang10/subchain/datastructures"
)

const (
	proposalPrefix = "prop:"
	propHashPrefix = "ph:"
	vectorPrefix   = "vec:"
)

// BlockProposalDB stores full block proposals received from gossip or built
// locally, keyed by (blockID, proposerIndex).
type BlockProposalDB struct {
	storage *Storage
}

func NewBlockProposalDB(storage *Storage) *BlockProposalDB {
	return &BlockProposalDB{storage: storage}
}

func (d *BlockProposalDB) SaveProposal(p *datastructures.BlockProposal) error {
	return d.storage.put(u64Key(proposalPrefix, p.BlockID, p.ProposerIndex), p.Serialize())
}

func (d *BlockProposalDB) GetProposal(blockID, proposerIndex uint64) (*datastructures.BlockProposal, error) {
	raw, found, err := d.storage.get(u64Key(proposalPrefix, blockID, proposerIndex))
	if err != nil || !found {
		return nil, err
	}
	p, err := datastructures.DeserializeBlockProposal(raw)
	if err != nil {
		return nil, fmt.Errorf("stored proposal %d:%d is corrupt: %w", blockID, proposerIndex, err)
	}
	return p, nil
}

func (d *BlockProposalDB) HaveProposal(blockID, proposerIndex uint64) (bool, error) {
	return d.storage.has(u64Key(proposalPrefix, blockID, proposerIndex))
}

// ProposalHashDB records the hash a node committed to for (blockID,
// proposerIndex). The first hash saved wins; a proposer can never swap its
// proposal after the fact.
type ProposalHashDB struct {
	storage *Storage
}

func NewProposalHashDB(storage *Storage) *ProposalHashDB {
	return &ProposalHashDB{storage: storage}
}

// CheckAndSaveHash saves the hash if none is recorded yet. It returns true
// when the stored hash, existing or new, equals the given one.
func (d *ProposalHashDB) CheckAndSaveHash(blockID, proposerIndex uint64, hash []byte) (bool, error) {
	key := u64Key(propHashPrefix, blockID, proposerIndex)
	existing, found, err := d.storage.get(key)
	if err != nil {
		return false, err
	}
	if found {
		return bytes.Equal(existing, hash), nil
	}
	if err := d.storage.put(key, hash); err != nil {
		return false, err
	}
	return true, nil
}

// GetHash returns the recorded hash, or nil when none exists.
func (d *ProposalHashDB) GetHash(blockID, proposerIndex uint64) ([]byte, error) {
	raw, _, err := d.storage.get(u64Key(propHashPrefix, blockID, proposerIndex))
	return raw, err
}

// ProposalVectorDB persists the per-block proposal vector in its string form
// so that a restart resumes with the same local view.
type ProposalVectorDB struct {
	storage *Storage
}

func NewProposalVectorDB(storage *Storage) *ProposalVectorDB {
	return &ProposalVectorDB{storage: storage}
}

func (d *ProposalVectorDB) SaveVector(blockID uint64, v *datastructures.BooleanProposalVector) error {
	return d.storage.put(u64Key(vectorPrefix, blockID), []byte(v.String()))
}

// GetVector returns the persisted vector, or nil when none exists.
func (d *ProposalVectorDB) GetVector(blockID uint64) (*datastructures.BooleanProposalVector, error) {
	raw, found, err := d.storage.get(u64Key(vectorPrefix, blockID))
	if err != nil || !found {
		return nil, err
	}
	return datastructures.NewProposalVectorFromString(string(raw))
}
