/*
Package db persists consensus state in pebble: committed blocks, block
proposals and their hashes, DA signature shares and proofs, proposal vectors,
undelivered outgoing messages and the dynamic gas price.

Every store shares one pebble instance and owns a key prefix. Numeric key
components are big-endian so prefix iteration walks them in order.
*/
package db

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Storage is the shared pebble handle.
type Storage struct {
	db *pebble.DB
}

// OpenStorage opens or creates the on-disk database.
func OpenStorage(path string) (*Storage, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("could not open storage at %s: %w", path, err)
	}
	return &Storage{db: db}, nil
}

// OpenMemStorage opens an in-memory database for tests.
func OpenMemStorage() (*Storage, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) put(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

// get returns a copy of the value, or found=false when the key is absent.
func (s *Storage) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (s *Storage) has(key []byte) (bool, error) {
	_, found, err := s.get(key)
	return found, err
}

func (s *Storage) delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

// iterPrefix calls fn for every key under the prefix, in key order. Returning
// false from fn stops the walk.
func (s *Storage) iterPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func keyUpperBound(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out[:i+1]
		}
	}
	return nil
}

func u64Key(prefix string, parts ...uint64) []byte {
	out := make([]byte, len(prefix)+8*len(parts))
	copy(out, prefix)
	for i, p := range parts {
		binary.BigEndian.PutUint64(out[len(prefix)+8*i:], p)
	}
	return out
}

func u64Value(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}
