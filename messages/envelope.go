package messages

// Origin says where an envelope entered the node.
type Origin uint8

const (
	// OriginNetwork is a frame received from a peer.
	OriginNetwork Origin = iota
	// OriginSelf is a frame the node broadcasts and also delivers to itself.
	OriginSelf
	// OriginInternal is a message between local protocol instances.
	OriginInternal
)

// ConsensusProposalMessage starts block consensus for one block once the
// local proposal vector reaches quorum.
type ConsensusProposalMessage struct {
	BlockID uint64
	// Vector is the "0"/"1" proposal vector string, proposer 1 first.
	Vector string
}

// ChildBVDecidedMessage reports a binary-consensus decision to the
// block-consensus orchestrator.
type ChildBVDecidedMessage struct {
	Key   ProtocolKey
	Round uint64
	Value uint8
}

// Envelope is the sum of everything the block-consensus orchestrator routes.
// Exactly one of Network, Proposal and ChildDecided is non-nil.
type Envelope struct {
	Origin       Origin
	Network      *NetworkMessage
	Proposal     *ConsensusProposalMessage
	ChildDecided *ChildBVDecidedMessage
}

// NewNetworkEnvelope wraps a received or self-delivered frame.
func NewNetworkEnvelope(m *NetworkMessage, origin Origin) *Envelope {
	return &Envelope{Origin: origin, Network: m}
}

// NewProposalEnvelope wraps a consensus-start request.
func NewProposalEnvelope(blockID uint64, vector string) *Envelope {
	return &Envelope{
		Origin:   OriginInternal,
		Proposal: &ConsensusProposalMessage{BlockID: blockID, Vector: vector},
	}
}

// NewChildDecidedEnvelope wraps a binary-consensus decision report.
func NewChildDecidedEnvelope(key ProtocolKey, round uint64, value uint8) *Envelope {
	return &Envelope{
		Origin:       OriginInternal,
		ChildDecided: &ChildBVDecidedMessage{Key: key, Round: round, Value: value},
	}
}

// BlockID returns the block the envelope concerns.
func (e *Envelope) BlockID() uint64 {
	switch {
	case e.Network != nil:
		return e.Network.BlockID
	case e.Proposal != nil:
		return e.Proposal.BlockID
	case e.ChildDecided != nil:
		return e.ChildDecided.Key.BlockID
	}
	return 0
}
