/*
Package blockfinalize erasure-codes block proposals so a node that missed
the winning proposal can rebuild it from any 2f+1 peers, each serving one
fragment instead of the full block.
*/
package blockfinalize

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/gitzhang10/subchain/datastructures"
)

// EncodeProposal splits the serialized proposal into dataShards+parityShards
// Reed-Solomon fragments. Any dataShards of them reconstruct the proposal.
func EncodeProposal(p *datastructures.BlockProposal, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}

	serialized := p.Serialize()
	// the original length travels in front so reconstruction can trim the
	// shard padding
	buf := make([]byte, 8+len(serialized))
	binary.LittleEndian.PutUint64(buf, uint64(len(serialized)))
	copy(buf[8:], serialized)

	shards, err := enc.Split(buf)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Fragment returns the 1-based fragment a node serves for the proposal;
// node i holds fragment i.
func Fragment(p *datastructures.BlockProposal, index uint64, dataShards, parityShards int) ([]byte, error) {
	if index == 0 || index > uint64(dataShards+parityShards) {
		return nil, fmt.Errorf("fragment index %d out of range", index)
	}
	shards, err := EncodeProposal(p, dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return shards[index-1], nil
}

// ReconstructProposal rebuilds a proposal from partial fragments; missing
// ones are nil. At least dataShards fragments must be present.
func ReconstructProposal(fragments [][]byte, dataShards, parityShards int) (*datastructures.BlockProposal, error) {
	if len(fragments) != dataShards+parityShards {
		return nil, fmt.Errorf("want %d fragment slots, got %d", dataShards+parityShards, len(fragments))
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	if err := enc.Reconstruct(fragments); err != nil {
		return nil, fmt.Errorf("could not reconstruct proposal: %w", err)
	}

	var joined []byte
	for _, shard := range fragments[:dataShards] {
		joined = append(joined, shard...)
	}
	if len(joined) < 8 {
		return nil, errors.New("reconstructed data too short")
	}
	size := binary.LittleEndian.Uint64(joined)
	if size > uint64(len(joined)-8) {
		return nil, errors.New("reconstructed length prefix is inconsistent")
	}
	return datastructures.DeserializeBlockProposal(joined[8 : 8+size])
}
