package db

import (
	"fmt"

	"github.com/gitzhang10/subchain/datastructures"
)

const (
	daSharePrefix  = "das:"
	daShareDoneKey = "dasq:"
	daProofPrefix  = "dap:"
	daQuorumPrefix = "dapq:"
)

// DASigShareDB accumulates DA signature shares on the proposer, keyed by
// (blockID, proposerIndex, signerIndex).
type DASigShareDB struct {
	storage *Storage
	quorum  uint64
}

func NewDASigShareDB(storage *Storage, quorum uint64) *DASigShareDB {
	return &DASigShareDB{storage: storage, quorum: quorum}
}

// AddShare records a share. When the quorum-th distinct share arrives it
// returns the full share set and ready=true, exactly once; duplicates and
// post-quorum shares return ready=false.
func (d *DASigShareDB) AddShare(s *datastructures.DAProofShare) ([]*datastructures.DAProofShare, bool, error) {
	key := u64Key(daSharePrefix, s.BlockID, s.ProposerIndex, s.SignerIndex)
	exists, err := d.storage.has(key)
	if err != nil || exists {
		return nil, false, err
	}
	if err := d.storage.put(key, s.Serialize()); err != nil {
		return nil, false, err
	}

	doneKey := u64Key(daShareDoneKey, s.BlockID, s.ProposerIndex)
	done, err := d.storage.has(doneKey)
	if err != nil || done {
		return nil, false, err
	}

	shares, err := d.shares(s.BlockID, s.ProposerIndex)
	if err != nil {
		return nil, false, err
	}
	if uint64(len(shares)) < d.quorum {
		return nil, false, nil
	}
	if err := d.storage.put(doneKey, []byte{1}); err != nil {
		return nil, false, err
	}
	return shares, true, nil
}

func (d *DASigShareDB) shares(blockID, proposerIndex uint64) ([]*datastructures.DAProofShare, error) {
	var shares []*datastructures.DAProofShare
	var decodeErr error
	err := d.storage.iterPrefix(u64Key(daSharePrefix, blockID, proposerIndex), func(_, value []byte) bool {
		s, err := datastructures.DeserializeDAProofShare(value)
		if err != nil {
			decodeErr = err
			return false
		}
		shares = append(shares, s)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("stored DA share %d:%d is corrupt: %w", blockID, proposerIndex, decodeErr)
	}
	return shares, nil
}

// DAProofDB stores DA proofs and the per-block proposal vector derived from
// them.
type DAProofDB struct {
	storage *Storage
	quorum  uint64
}

func NewDAProofDB(storage *Storage, quorum uint64) *DAProofDB {
	return &DAProofDB{storage: storage, quorum: quorum}
}

// AddDAProof records a proof and flips the proposer's bit in the block's
// vector. When the flip brings the vector to quorum it returns the vector and
// reachedQuorum=true, exactly once.
func (d *DAProofDB) AddDAProof(p *datastructures.DAProof, vectors *ProposalVectorDB, nodeCount uint64) (*datastructures.BooleanProposalVector, bool, error) {
	key := u64Key(daProofPrefix, p.BlockID, p.ProposerIndex)
	exists, err := d.storage.has(key)
	if err != nil || exists {
		return nil, false, err
	}
	if err := d.storage.put(key, p.Serialize()); err != nil {
		return nil, false, err
	}

	vector, err := vectors.GetVector(p.BlockID)
	if err != nil {
		return nil, false, err
	}
	if vector == nil {
		vector = datastructures.NewBooleanProposalVector(nodeCount)
	}
	if _, err := vector.Set(p.ProposerIndex); err != nil {
		return nil, false, err
	}
	if err := vectors.SaveVector(p.BlockID, vector); err != nil {
		return nil, false, err
	}

	if uint64(vector.TrueCount()) < d.quorum {
		return nil, false, nil
	}
	quorumKey := u64Key(daQuorumPrefix, p.BlockID)
	done, err := d.storage.has(quorumKey)
	if err != nil || done {
		return nil, false, err
	}
	if err := d.storage.put(quorumKey, []byte{1}); err != nil {
		return nil, false, err
	}
	return vector, true, nil
}

// GetDAProof returns the stored proof, or nil when none exists.
func (d *DAProofDB) GetDAProof(blockID, proposerIndex uint64) (*datastructures.DAProof, error) {
	raw, found, err := d.storage.get(u64Key(daProofPrefix, blockID, proposerIndex))
	if err != nil || !found {
		return nil, err
	}
	return datastructures.DeserializeDAProof(raw)
}

// HaveDAProof reports whether a proof for the proposer is recorded.
func (d *DAProofDB) HaveDAProof(blockID, proposerIndex uint64) (bool, error) {
	return d.storage.has(u64Key(daProofPrefix, blockID, proposerIndex))
}

// IsEnoughProofs reports whether the block already reached vector quorum.
func (d *DAProofDB) IsEnoughProofs(blockID uint64) (bool, error) {
	return d.storage.has(u64Key(daQuorumPrefix, blockID))
}
