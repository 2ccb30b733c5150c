package datastructures

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// BlockProposal is a block candidate by one proposer for one block id.
// The proposer signs the hash with its BLS key share; a proposal becomes
// trusted only once a DA proof over the same hash exists.
type BlockProposal struct {
	SchainID       uint64
	BlockID        uint64
	ProposerIndex  uint64
	ProposerNodeID uint64
	TimeStamp      uint64
	TimeStampMs    uint32

	transactionList *TransactionList
	hash            []byte

	// Signature is the proposer's BLS share over the hash.
	Signature []byte
}

// NewBlockProposal builds a proposal and computes its hash. The signature is
// attached separately by the crypto manager.
func NewBlockProposal(schainID, blockID, proposerIndex, proposerNodeID uint64,
	timeStamp uint64, timeStampMs uint32, txList *TransactionList) (*BlockProposal, error) {
	if txList == nil {
		return nil, errors.New("proposal needs a transaction list")
	}
	if blockID == 0 {
		return nil, errors.New("block ids start at 1")
	}
	if proposerIndex == 0 {
		return nil, errors.New("schain indices start at 1")
	}
	p := &BlockProposal{
		SchainID:       schainID,
		BlockID:        blockID,
		ProposerIndex:  proposerIndex,
		ProposerNodeID: proposerNodeID,
		TimeStamp:      timeStamp,
		TimeStampMs:    timeStampMs,

		transactionList: txList,
	}
	p.hash = p.calculateHash()
	return p, nil
}

// TransactionList returns the proposal's transactions.
func (p *BlockProposal) TransactionList() *TransactionList {
	return p.transactionList
}

// TransactionCount returns the number of transactions.
func (p *BlockProposal) TransactionCount() int {
	return p.transactionList.Size()
}

// Hash returns the SHA-256 over the canonical header fields and payloads.
func (p *BlockProposal) Hash() []byte {
	return p.hash
}

// HashHex returns the hash in hex, the form stored in the proposal hash DB.
func (p *BlockProposal) HashHex() string {
	return hex.EncodeToString(p.hash)
}

// calculateHash covers every header field and all transaction payloads, so a
// flip anywhere in a serialized block changes or contradicts the hash.
func (p *BlockProposal) calculateHash() []byte {
	h := sha256.New()
	var u [8]byte
	for _, field := range []uint64{
		p.SchainID, p.BlockID, p.ProposerIndex, p.ProposerNodeID,
		p.TimeStamp, uint64(p.TimeStampMs), uint64(p.transactionList.Size()),
	} {
		binary.LittleEndian.PutUint64(u[:], field)
		h.Write(u[:])
	}
	for _, size := range p.transactionList.PayloadSizes() {
		binary.LittleEndian.PutUint64(u[:], size)
		h.Write(u[:])
	}
	for _, item := range p.transactionList.Items() {
		h.Write(item.Data())
	}
	return h.Sum(nil)
}

// Serialize produces the canonical block layout carrying the proposer
// signature in the header. Used to gossip proposals between nodes.
func (p *BlockProposal) Serialize() []byte {
	return serializeBlock(p, "", hex.EncodeToString(p.Signature))
}

// DeserializeBlockProposal parses a gossiped proposal and verifies its hash.
func DeserializeBlockProposal(data []byte) (*BlockProposal, error) {
	p, _, proposerSig, err := parseSerializedBlock(data)
	if err != nil {
		return nil, err
	}
	if len(proposerSig) == 0 {
		return nil, errors.New("proposal is missing the proposer signature")
	}
	p.Signature = proposerSig
	return p, nil
}

// NextTimeStamp applies the timestamp rule for the block after (sec, ms):
// at least one millisecond later, with carry into seconds.
func NextTimeStamp(sec uint64, ms uint32) (uint64, uint32) {
	if ms >= 999 {
		return sec + 1, 0
	}
	return sec, ms + 1
}
