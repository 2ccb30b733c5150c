package messages

import (
	"encoding/binary"
	"reflect"
)

// Gossip message type tags. The consensus frames never travel on this
// plane; proposals, DA material and catchup do.
const (
	ProposalPushTag uint8 = iota + 1
	DAShareTag
	DAProofTag
	CatchupRequestTag
	CatchupResponseTag
	FragmentRequestTag
	FragmentResponseTag
)

// ProposalPushMsg carries a serialized block proposal from its proposer to
// every peer.
type ProposalPushMsg struct {
	SenderIndex uint64
	Proposal    []byte
}

// DAShareMsg carries one serialized DA signature share back to the
// proposer.
type DAShareMsg struct {
	SenderIndex uint64
	Share       []byte
}

// DAProofMsg carries one serialized aggregated DA proof to every peer.
type DAProofMsg struct {
	SenderIndex uint64
	Proof       []byte
}

// CatchupRequestMsg asks a peer for committed blocks starting at
// StartBlockID.
type CatchupRequestMsg struct {
	SenderIndex  uint64
	StartBlockID uint64
}

// CatchupResponseMsg answers with a serialized committed-block list.
type CatchupResponseMsg struct {
	SenderIndex uint64
	Blocks      []byte
}

// FragmentRequestMsg asks a peer for its erasure-coded fragment of a
// winning proposal.
type FragmentRequestMsg struct {
	SenderIndex   uint64
	BlockID       uint64
	ProposerIndex uint64
	FragmentIndex uint64
}

// FragmentResponseMsg answers a fragment request. Found is false when the
// peer does not hold the proposal.
type FragmentResponseMsg struct {
	SenderIndex   uint64
	BlockID       uint64
	ProposerIndex uint64
	FragmentIndex uint64
	Found         bool
	Fragment      []byte
}

// GossipReflectedTypes maps the type tags to the decoded struct types for
// the gossip transport.
func GossipReflectedTypes() map[uint8]reflect.Type {
	return map[uint8]reflect.Type{
		ProposalPushTag:     reflect.TypeOf(ProposalPushMsg{}),
		DAShareTag:          reflect.TypeOf(DAShareMsg{}),
		DAProofTag:          reflect.TypeOf(DAProofMsg{}),
		CatchupRequestTag:   reflect.TypeOf(CatchupRequestMsg{}),
		CatchupResponseTag:  reflect.TypeOf(CatchupResponseMsg{}),
		FragmentRequestTag:  reflect.TypeOf(FragmentRequestMsg{}),
		FragmentResponseTag: reflect.TypeOf(FragmentResponseMsg{}),
	}
}

func appendU64s(tag uint8, vals ...uint64) []byte {
	buf := make([]byte, 1, 1+8*len(vals))
	buf[0] = tag
	for _, v := range vals {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// SignedBytes methods produce the byte string the sender's ED25519 gossip
// signature covers. The tag goes in front so signatures cannot be replayed
// across message kinds.

func (m *ProposalPushMsg) SignedBytes() []byte {
	return append(appendU64s(ProposalPushTag, m.SenderIndex), m.Proposal...)
}

func (m *DAShareMsg) SignedBytes() []byte {
	return append(appendU64s(DAShareTag, m.SenderIndex), m.Share...)
}

func (m *DAProofMsg) SignedBytes() []byte {
	return append(appendU64s(DAProofTag, m.SenderIndex), m.Proof...)
}

func (m *CatchupRequestMsg) SignedBytes() []byte {
	return appendU64s(CatchupRequestTag, m.SenderIndex, m.StartBlockID)
}

func (m *CatchupResponseMsg) SignedBytes() []byte {
	return append(appendU64s(CatchupResponseTag, m.SenderIndex), m.Blocks...)
}

func (m *FragmentRequestMsg) SignedBytes() []byte {
	return appendU64s(FragmentRequestTag, m.SenderIndex, m.BlockID, m.ProposerIndex, m.FragmentIndex)
}

func (m *FragmentResponseMsg) SignedBytes() []byte {
	buf := appendU64s(FragmentResponseTag, m.SenderIndex, m.BlockID, m.ProposerIndex, m.FragmentIndex)
	if m.Found {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, m.Fragment...)
}
