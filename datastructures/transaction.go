/*
Package datastructures implements the data model of the consensus engine:
transactions and transaction lists, block proposals, committed blocks,
proposal vectors and DA proofs, together with their canonical,
network-portable serializations.
*/
package datastructures

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PartialHashLen is the number of leading SHA-256 bytes used to identify
	// duplicate transactions in the pending pool.
	PartialHashLen = 8

	// MaxTransactionLen bounds a single transaction payload.
	MaxTransactionLen = 1024 * 1024
)

// Transaction is an opaque application payload.
type Transaction struct {
	data        []byte
	partialHash []byte
}

// NewTransaction wraps a payload. Empty payloads are allowed, the engine
// orders them like any other transaction.
func NewTransaction(data []byte) (*Transaction, error) {
	if len(data) > MaxTransactionLen {
		return nil, fmt.Errorf("transaction of %d bytes exceeds the limit", len(data))
	}
	d := make([]byte, len(data))
	copy(d, data)
	return &Transaction{data: d}, nil
}

// Data returns the raw payload.
func (t *Transaction) Data() []byte {
	return t.data
}

// Size returns the payload length in bytes.
func (t *Transaction) Size() int {
	return len(t.data)
}

// PartialHash returns the first PartialHashLen bytes of the SHA-256 over the
// payload.
func (t *Transaction) PartialHash() []byte {
	if t.partialHash == nil {
		h := sha256.Sum256(t.data)
		t.partialHash = h[:PartialHashLen]
	}
	return t.partialHash
}

// SerializedSize returns the size of the standalone serialization.
func (t *Transaction) SerializedSize(withPartialHash bool) uint64 {
	size := uint64(8 + len(t.data))
	if withPartialHash {
		size += PartialHashLen
	}
	return size
}

// SerializeInto appends the standalone serialization: an 8-byte little-endian
// payload length, the payload, and optionally the partial hash.
func (t *Transaction) SerializeInto(out *bytes.Buffer, withPartialHash bool) {
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(t.data)))
	out.Write(sizeBytes[:])
	out.Write(t.data)
	if withPartialHash {
		out.Write(t.PartialHash())
	}
}

// Serialize returns the standalone serialization.
func (t *Transaction) Serialize(withPartialHash bool) []byte {
	var buf bytes.Buffer
	t.SerializeInto(&buf, withPartialHash)
	return buf.Bytes()
}

// DeserializeTransaction parses a standalone transaction serialization,
// verifying the declared size and, when present, the partial hash.
func DeserializeTransaction(data []byte, withPartialHash bool) (*Transaction, error) {
	if len(data) < 8 {
		return nil, errors.New("serialized transaction is too short")
	}
	payloadSize := binary.LittleEndian.Uint64(data[:8])
	if payloadSize > MaxTransactionLen {
		return nil, fmt.Errorf("declared transaction size %d is impossible", payloadSize)
	}
	expected := 8 + payloadSize
	if withPartialHash {
		expected += PartialHashLen
	}
	if uint64(len(data)) != expected {
		return nil, fmt.Errorf("serialized transaction has %d bytes, declared %d", len(data), expected)
	}
	t, err := NewTransaction(data[8 : 8+payloadSize])
	if err != nil {
		return nil, err
	}
	if withPartialHash {
		if !bytes.Equal(t.PartialHash(), data[8+payloadSize:]) {
			return nil, errors.New("transaction partial hash mismatch")
		}
	}
	return t, nil
}

// TransactionList is an ordered sequence of transactions.
type TransactionList struct {
	items []*Transaction
}

// NewTransactionList builds a list. The list may be empty (an empty block).
func NewTransactionList(items []*Transaction) (*TransactionList, error) {
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("transaction %d is nil", i)
		}
	}
	return &TransactionList{items: items}, nil
}

// Items returns the transactions in order.
func (l *TransactionList) Items() []*Transaction {
	return l.items
}

// Size returns the number of transactions.
func (l *TransactionList) Size() int {
	return len(l.items)
}

// PayloadSizes returns the raw payload length of each transaction, in order.
// These are the sizes declared in a block header.
func (l *TransactionList) PayloadSizes() []uint64 {
	sizes := make([]uint64, len(l.items))
	for i, item := range l.items {
		sizes[i] = uint64(item.Size())
	}
	return sizes
}

// SerializedSizesVector returns the standalone serialized size of each item.
func (l *TransactionList) SerializedSizesVector(withPartialHashes bool) []uint64 {
	sizes := make([]uint64, len(l.items))
	for i, item := range l.items {
		sizes[i] = item.SerializedSize(withPartialHashes)
	}
	return sizes
}

// Serialize concatenates the standalone serializations of all items.
func (l *TransactionList) Serialize(withPartialHashes bool) []byte {
	var buf bytes.Buffer
	for _, item := range l.items {
		item.SerializeInto(&buf, withPartialHashes)
	}
	return buf.Bytes()
}

// DeserializeTransactionList parses a concatenation of standalone
// serializations, using the declared per-item sizes.
func DeserializeTransactionList(sizes []uint64, data []byte, offset uint64, withPartialHashes bool) (*TransactionList, error) {
	items := make([]*Transaction, 0, len(sizes))
	pos := offset
	for i, size := range sizes {
		if pos+size > uint64(len(data)) {
			return nil, fmt.Errorf("transaction %d overruns the buffer", i)
		}
		t, err := DeserializeTransaction(data[pos:pos+size], withPartialHashes)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		items = append(items, t)
		pos += size
	}
	if pos != uint64(len(data)) {
		return nil, fmt.Errorf("%d trailing bytes after transaction list", uint64(len(data))-pos)
	}
	return NewTransactionList(items)
}

// SerializeRaw concatenates the raw payloads, the in-block representation.
// The payload boundaries are declared by the block header sizes.
func (l *TransactionList) SerializeRaw() []byte {
	var buf bytes.Buffer
	for _, item := range l.items {
		buf.Write(item.data)
	}
	return buf.Bytes()
}

// DeserializeRawTransactionList rebuilds a list from concatenated raw
// payloads and the header-declared sizes.
func DeserializeRawTransactionList(sizes []uint64, data []byte, offset uint64) (*TransactionList, error) {
	items := make([]*Transaction, 0, len(sizes))
	pos := offset
	for i, size := range sizes {
		if size > MaxTransactionLen {
			return nil, fmt.Errorf("transaction %d declares impossible size %d", i, size)
		}
		if pos+size > uint64(len(data)) {
			return nil, fmt.Errorf("transaction %d overruns the buffer", i)
		}
		t, err := NewTransaction(data[pos : pos+size])
		if err != nil {
			return nil, err
		}
		items = append(items, t)
		pos += size
	}
	return NewTransactionList(items)
}

// RawSize returns the total payload byte count.
func (l *TransactionList) RawSize() uint64 {
	var total uint64
	for _, item := range l.items {
		total += uint64(item.Size())
	}
	return total
}
