package datastructures

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxBufferSize bounds a serialized block header.
const MaxBufferSize = 8 * 1024 * 1024

// CommittedBlock is a block proposal that won consensus, together with the
// threshold signature over the decision.
type CommittedBlock struct {
	BlockProposal
	ThresholdSig []byte
}

// NewCommittedBlock seals a winning proposal with its threshold signature.
func NewCommittedBlock(p *BlockProposal, thresholdSig []byte) (*CommittedBlock, error) {
	if p == nil {
		return nil, errors.New("committed block needs a proposal")
	}
	if len(thresholdSig) == 0 {
		return nil, errors.New("committed block needs a threshold signature")
	}
	return &CommittedBlock{BlockProposal: *p, ThresholdSig: thresholdSig}, nil
}

// blockHeader is the JSON header of the canonical block serialization.
// Field order is the declaration order.
type blockHeader struct {
	ProposerIndex  uint64   `json:"proposerIndex"`
	ProposerNodeID uint64   `json:"proposerNodeID"`
	BlockID        uint64   `json:"blockID"`
	SchainID       uint64   `json:"schainID"`
	TimeStamp      uint64   `json:"timeStamp"`
	TimeStampMs    uint32   `json:"timeStampMs"`
	Hash           string   `json:"hash"`
	Sizes          []uint64 `json:"sizes"`
	ThresholdSig   string   `json:"thresholdSig,omitempty"`
	ProposerSig    string   `json:"proposerSig,omitempty"`
	// SigChecksum covers the signature hex fields, which the proposal hash
	// cannot: the hash is fixed before any signature exists.
	SigChecksum string `json:"sigChecksum,omitempty"`
}

func sigChecksum(thresholdSigHex, proposerSigHex string) string {
	if thresholdSigHex == "" && proposerSigHex == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(thresholdSigHex + "|" + proposerSigHex))
	return hex.EncodeToString(sum[:8])
}

// serializeBlock writes the canonical layout: an 8-byte little-endian header
// size, the JSON header, then the concatenated transaction payloads in the
// order declared by the header sizes.
func serializeBlock(p *BlockProposal, thresholdSigHex, proposerSigHex string) []byte {
	header := blockHeader{
		ProposerIndex:  p.ProposerIndex,
		ProposerNodeID: p.ProposerNodeID,
		BlockID:        p.BlockID,
		SchainID:       p.SchainID,
		TimeStamp:      p.TimeStamp,
		TimeStampMs:    p.TimeStampMs,
		Hash:           p.HashHex(),
		Sizes:          p.transactionList.PayloadSizes(),
		ThresholdSig:   thresholdSigHex,
		ProposerSig:    proposerSigHex,
		SigChecksum:    sigChecksum(thresholdSigHex, proposerSigHex),
	}
	headerBytes, err := json.Marshal(&header)
	if err != nil {
		panic(err)
	}

	var out bytes.Buffer
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(headerBytes)))
	out.Write(sizeBytes[:])
	out.Write(headerBytes)
	out.Write(p.transactionList.SerializeRaw())
	return out.Bytes()
}

// Serialize produces the canonical committed-block layout.
func (b *CommittedBlock) Serialize() []byte {
	return serializeBlock(&b.BlockProposal, hex.EncodeToString(b.ThresholdSig), "")
}

// parseSerializedBlock validates and parses the canonical layout, recomputing
// the hash so that any corruption is rejected.
func parseSerializedBlock(data []byte) (*BlockProposal, []byte, []byte, error) {
	if len(data) < 8+2 {
		return nil, nil, nil, fmt.Errorf("serialized block too small: %d bytes", len(data))
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize < 2 || headerSize+8 > uint64(len(data)) {
		return nil, nil, nil, fmt.Errorf("invalid header size %d", headerSize)
	}
	if headerSize > MaxBufferSize {
		return nil, nil, nil, errors.New("header size too large")
	}
	headerBytes := data[8 : 8+headerSize]
	if headerBytes[0] != '{' {
		return nil, nil, nil, errors.New("block header does not start with {")
	}
	if headerBytes[len(headerBytes)-1] != '}' {
		return nil, nil, nil, errors.New("block header does not end with }")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &fields); err != nil {
		return nil, nil, nil, fmt.Errorf("could not parse block header: %w", err)
	}
	for _, required := range []string{
		"proposerIndex", "proposerNodeID", "blockID", "schainID",
		"timeStamp", "timeStampMs", "hash", "sizes",
	} {
		if _, ok := fields[required]; !ok {
			return nil, nil, nil, fmt.Errorf("block header is missing %q", required)
		}
	}
	var header blockHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, nil, fmt.Errorf("could not parse block header: %w", err)
	}

	var payloadSize uint64
	for _, size := range header.Sizes {
		if size > MaxTransactionLen {
			return nil, nil, nil, fmt.Errorf("header declares impossible transaction size %d", size)
		}
		payloadSize += size
	}
	if 8+headerSize+payloadSize != uint64(len(data)) {
		return nil, nil, nil, fmt.Errorf("block declares %d payload bytes, has %d",
			payloadSize, uint64(len(data))-8-headerSize)
	}

	txList, err := DeserializeRawTransactionList(header.Sizes, data, 8+headerSize)
	if err != nil {
		return nil, nil, nil, err
	}

	p, err := NewBlockProposal(header.SchainID, header.BlockID, header.ProposerIndex,
		header.ProposerNodeID, header.TimeStamp, header.TimeStampMs, txList)
	if err != nil {
		return nil, nil, nil, err
	}

	declaredHash, err := hex.DecodeString(header.Hash)
	if err != nil || len(declaredHash) != 32 {
		return nil, nil, nil, errors.New("block header carries a malformed hash")
	}
	if !bytes.Equal(declaredHash, p.Hash()) {
		return nil, nil, nil, errors.New("block hash mismatch")
	}

	if header.SigChecksum != sigChecksum(header.ThresholdSig, header.ProposerSig) {
		return nil, nil, nil, errors.New("block signature checksum mismatch")
	}

	var thresholdSig, proposerSig []byte
	if header.ThresholdSig != "" {
		if thresholdSig, err = hex.DecodeString(header.ThresholdSig); err != nil {
			return nil, nil, nil, errors.New("malformed threshold signature")
		}
	}
	if header.ProposerSig != "" {
		if proposerSig, err = hex.DecodeString(header.ProposerSig); err != nil {
			return nil, nil, nil, errors.New("malformed proposer signature")
		}
	}
	return p, thresholdSig, proposerSig, nil
}

// DeserializeCommittedBlock parses and validates a canonical committed block.
func DeserializeCommittedBlock(data []byte) (*CommittedBlock, error) {
	p, thresholdSig, _, err := parseSerializedBlock(data)
	if err != nil {
		return nil, err
	}
	if len(thresholdSig) == 0 {
		return nil, errors.New("committed block is missing the threshold signature")
	}
	return &CommittedBlock{BlockProposal: *p, ThresholdSig: thresholdSig}, nil
}

// CommittedBlockList is a contiguous run of committed blocks, the unit of
// catch-up transfer.
type CommittedBlockList struct {
	blocks []*CommittedBlock
}

// NewCommittedBlockList validates that the run is contiguous.
func NewCommittedBlockList(blocks []*CommittedBlock) (*CommittedBlockList, error) {
	for i := 1; i < len(blocks); i++ {
		if blocks[i].BlockID != blocks[i-1].BlockID+1 {
			return nil, fmt.Errorf("block list is not contiguous at position %d", i)
		}
	}
	return &CommittedBlockList{blocks: blocks}, nil
}

// Blocks returns the blocks in ascending block-id order.
func (l *CommittedBlockList) Blocks() []*CommittedBlock {
	return l.blocks
}

// Serialize writes an 8-byte count followed by size-prefixed blocks.
func (l *CommittedBlockList) Serialize() []byte {
	var out bytes.Buffer
	var u [8]byte
	binary.LittleEndian.PutUint64(u[:], uint64(len(l.blocks)))
	out.Write(u[:])
	for _, b := range l.blocks {
		serialized := b.Serialize()
		binary.LittleEndian.PutUint64(u[:], uint64(len(serialized)))
		out.Write(u[:])
		out.Write(serialized)
	}
	return out.Bytes()
}

// DeserializeCommittedBlockList parses a serialized block list.
func DeserializeCommittedBlockList(data []byte) (*CommittedBlockList, error) {
	if len(data) < 8 {
		return nil, errors.New("serialized block list is too short")
	}
	count := binary.LittleEndian.Uint64(data[:8])
	pos := uint64(8)
	blocks := make([]*CommittedBlock, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos+8 > uint64(len(data)) {
			return nil, fmt.Errorf("block %d overruns the buffer", i)
		}
		size := binary.LittleEndian.Uint64(data[pos : pos+8])
		pos += 8
		if pos+size > uint64(len(data)) {
			return nil, fmt.Errorf("block %d overruns the buffer", i)
		}
		b, err := DeserializeCommittedBlock(data[pos : pos+size])
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		blocks = append(blocks, b)
		pos += size
	}
	if pos != uint64(len(data)) {
		return nil, errors.New("trailing bytes after block list")
	}
	return NewCommittedBlockList(blocks)
}
