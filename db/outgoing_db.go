package db

import "encoding/binary"

const outgoingPrefix = "out:"

// OutgoingMsgDB keeps every consensus frame the node broadcasts for blocks
// that are not yet committed. On bootstrap the surviving frames are
// rebroadcast so peers that missed them can still make progress.
type OutgoingMsgDB struct {
	storage *Storage
}

func NewOutgoingMsgDB(storage *Storage) *OutgoingMsgDB {
	return &OutgoingMsgDB{storage: storage}
}

// SaveMsg persists a frame under (blockID, msgID) before it is sent.
func (d *OutgoingMsgDB) SaveMsg(blockID, msgID uint64, frame []byte) error {
	return d.storage.put(u64Key(outgoingPrefix, blockID, msgID), frame)
}

// LoadFromBlock returns the frames for all blocks at or above blockID, in
// (blockID, msgID) order.
func (d *OutgoingMsgDB) LoadFromBlock(blockID uint64) ([][]byte, error) {
	var frames [][]byte
	err := d.storage.iterPrefix([]byte(outgoingPrefix), func(key, value []byte) bool {
		if binary.BigEndian.Uint64(key[len(outgoingPrefix):]) < blockID {
			return true
		}
		frame := make([]byte, len(value))
		copy(frame, value)
		frames = append(frames, frame)
		return true
	})
	return frames, err
}

// PruneBelow deletes frames for blocks below blockID; those blocks are
// committed and their messages are dead weight.
func (d *OutgoingMsgDB) PruneBelow(blockID uint64) error {
	var stale [][]byte
	err := d.storage.iterPrefix([]byte(outgoingPrefix), func(key, _ []byte) bool {
		if binary.BigEndian.Uint64(key[len(outgoingPrefix):]) >= blockID {
			return false
		}
		k := make([]byte, len(key))
		copy(k, key)
		stale = append(stale, k)
		return true
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := d.storage.delete(key); err != nil {
			return err
		}
	}
	return nil
}
