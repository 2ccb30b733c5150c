package datastructures

import (
	"errors"
	"fmt"
)

// BooleanProposalVector is the per-block proposal vector: bit i is set when a
// DA proof for proposer i has been observed locally. Indices are 1-based
// schain indices.
type BooleanProposalVector struct {
	nodeCount uint64
	bits      []bool
	trueCount int
}

// NewBooleanProposalVector creates an all-zero vector for nodeCount proposers.
func NewBooleanProposalVector(nodeCount uint64) *BooleanProposalVector {
	return &BooleanProposalVector{
		nodeCount: nodeCount,
		bits:      make([]bool, nodeCount),
	}
}

// NewProposalVectorFromString parses the persisted "0"/"1" string form.
func NewProposalVectorFromString(s string) (*BooleanProposalVector, error) {
	if len(s) == 0 {
		return nil, errors.New("empty proposal vector")
	}
	v := NewBooleanProposalVector(uint64(len(s)))
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			v.bits[i] = true
			v.trueCount++
		default:
			return nil, fmt.Errorf("bad proposal vector character %q", c)
		}
	}
	return v, nil
}

// NodeCount returns the vector length.
func (v *BooleanProposalVector) NodeCount() uint64 {
	return v.nodeCount
}

// Set marks the proposer as DA-proved. Reports whether the bit was newly set.
func (v *BooleanProposalVector) Set(schainIndex uint64) (bool, error) {
	if schainIndex == 0 || schainIndex > v.nodeCount {
		return false, fmt.Errorf("schain index %d out of range 1..%d", schainIndex, v.nodeCount)
	}
	if v.bits[schainIndex-1] {
		return false, nil
	}
	v.bits[schainIndex-1] = true
	v.trueCount++
	return true, nil
}

// Get reports the bit for the proposer.
func (v *BooleanProposalVector) Get(schainIndex uint64) bool {
	if schainIndex == 0 || schainIndex > v.nodeCount {
		return false
	}
	return v.bits[schainIndex-1]
}

// TrueCount returns the number of set bits.
func (v *BooleanProposalVector) TrueCount() int {
	return v.trueCount
}

// String renders the vector as a "0"/"1" string, proposer 1 first. This form
// is both the log representation and the persisted one.
func (v *BooleanProposalVector) String() string {
	out := make([]byte, v.nodeCount)
	for i, bit := range v.bits {
		if bit {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}
