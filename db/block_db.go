package db

import (
	"encoding/binary"
	"fmt"

	"github.com/gitzhang10/subchain/datastructures"
)

const (
	blockPrefix      = "blk:"
	lastCommittedKey = "last_committed"
)

// BlockDB stores committed blocks in their canonical serialized form and
// tracks the last committed block id.
type BlockDB struct {
	storage *Storage
}

func NewBlockDB(storage *Storage) *BlockDB {
	return &BlockDB{storage: storage}
}

// SaveBlock persists a committed block and advances the last committed id
// when the block extends the chain.
func (d *BlockDB) SaveBlock(b *datastructures.CommittedBlock) error {
	if err := d.storage.put(u64Key(blockPrefix, b.BlockID), b.Serialize()); err != nil {
		return err
	}
	last, err := d.ReadLastCommittedBlockID()
	if err != nil {
		return err
	}
	if b.BlockID > last {
		return d.storage.put([]byte(lastCommittedKey), u64Value(b.BlockID))
	}
	return nil
}

// GetBlock loads and re-validates a committed block.
func (d *BlockDB) GetBlock(blockID uint64) (*datastructures.CommittedBlock, error) {
	raw, found, err := d.storage.get(u64Key(blockPrefix, blockID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	b, err := datastructures.DeserializeCommittedBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("stored block %d is corrupt: %w", blockID, err)
	}
	return b, nil
}

// HaveBlock reports whether the block is persisted.
func (d *BlockDB) HaveBlock(blockID uint64) (bool, error) {
	return d.storage.has(u64Key(blockPrefix, blockID))
}

// ReadLastCommittedBlockID returns the highest committed block id, or 0 for
// an empty chain.
func (d *BlockDB) ReadLastCommittedBlockID() (uint64, error) {
	raw, found, err := d.storage.get([]byte(lastCommittedKey))
	if err != nil || !found {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("last committed id record is %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}
