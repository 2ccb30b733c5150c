package datastructures

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// DAProofShare is one validator's BLS share over (schainID, blockID,
// proposerIndex, proposal hash), attesting that the validator holds the
// proposal.
type DAProofShare struct {
	SchainID      uint64
	BlockID       uint64
	ProposerIndex uint64
	Hash          []byte
	SignerIndex   uint64
	SigShare      []byte
}

// DAProof is the aggregated threshold signature over the same tuple. Holding
// one proves that at least 2f+1 nodes possess the proposal.
type DAProof struct {
	SchainID      uint64
	BlockID       uint64
	ProposerIndex uint64
	Hash          []byte
	ThresholdSig  []byte
}

// DAProofMessageBytes is the canonical byte string a DA share or proof signs:
// little-endian (schainID, blockID, proposerIndex) followed by the hash.
func DAProofMessageBytes(schainID, blockID, proposerIndex uint64, hash []byte) []byte {
	out := make([]byte, 24, 24+len(hash))
	binary.LittleEndian.PutUint64(out[0:8], schainID)
	binary.LittleEndian.PutUint64(out[8:16], blockID)
	binary.LittleEndian.PutUint64(out[16:24], proposerIndex)
	return append(out, hash...)
}

// Validate performs the structural checks shared by shares and proofs.
func (s *DAProofShare) Validate(nodeCount uint64) error {
	if s.BlockID == 0 {
		return errors.New("DA share for block 0")
	}
	if s.ProposerIndex == 0 || s.ProposerIndex > nodeCount {
		return errors.New("DA share proposer index out of range")
	}
	if s.SignerIndex == 0 || s.SignerIndex > nodeCount {
		return errors.New("DA share signer index out of range")
	}
	if len(s.Hash) != 32 {
		return errors.New("DA share hash is not 32 bytes")
	}
	if len(s.SigShare) == 0 {
		return errors.New("DA share carries no signature")
	}
	return nil
}

// Serialize writes the share as little-endian fixed fields followed by
// length-prefixed hash and signature.
func (s *DAProofShare) Serialize() []byte {
	var out bytes.Buffer
	writeU64(&out, s.SchainID)
	writeU64(&out, s.BlockID)
	writeU64(&out, s.ProposerIndex)
	writeU64(&out, s.SignerIndex)
	writeBytes(&out, s.Hash)
	writeBytes(&out, s.SigShare)
	return out.Bytes()
}

// DeserializeDAProofShare parses a serialized share.
func DeserializeDAProofShare(data []byte) (*DAProofShare, error) {
	r := byteReader{data: data}
	s := &DAProofShare{
		SchainID:      r.u64(),
		BlockID:       r.u64(),
		ProposerIndex: r.u64(),
		SignerIndex:   r.u64(),
		Hash:          r.bytes(),
		SigShare:      r.bytes(),
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("bad DA share encoding: %w", err)
	}
	return s, nil
}

// Serialize writes the proof in the same layout as a share, without the
// signer index.
func (p *DAProof) Serialize() []byte {
	var out bytes.Buffer
	writeU64(&out, p.SchainID)
	writeU64(&out, p.BlockID)
	writeU64(&out, p.ProposerIndex)
	writeBytes(&out, p.Hash)
	writeBytes(&out, p.ThresholdSig)
	return out.Bytes()
}

// DeserializeDAProof parses a serialized proof.
func DeserializeDAProof(data []byte) (*DAProof, error) {
	r := byteReader{data: data}
	p := &DAProof{
		SchainID:      r.u64(),
		BlockID:       r.u64(),
		ProposerIndex: r.u64(),
		Hash:          r.bytes(),
		ThresholdSig:  r.bytes(),
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("bad DA proof encoding: %w", err)
	}
	return p, nil
}

// Validate checks the structural invariants of a proof.
func (p *DAProof) Validate(nodeCount uint64) error {
	if p.BlockID == 0 {
		return errors.New("DA proof for block 0")
	}
	if p.ProposerIndex == 0 || p.ProposerIndex > nodeCount {
		return errors.New("DA proof proposer index out of range")
	}
	if len(p.Hash) != 32 {
		return errors.New("DA proof hash is not 32 bytes")
	}
	if len(p.ThresholdSig) == 0 {
		return errors.New("DA proof carries no signature")
	}
	return nil
}
