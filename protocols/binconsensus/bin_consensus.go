/*
Package binconsensus implements randomized binary Byzantine agreement for one
(block, proposer) slot. Each round runs binary-value broadcast, an AUX
exchange over the accepted values, and a common coin; agreement holds with up
to f Byzantine nodes out of N = 3f+1.
*/
package binconsensus

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/crypto"
	"github.com/gitzhang10/subchain/messages"
)

// OutboundSink broadcasts a consensus frame to all peers, the local node
// included.
type OutboundSink interface {
	BroadcastMessage(msg *messages.NetworkMessage) error
}

// DecisionCallback reports a decision upward, once per instance.
type DecisionCallback func(key messages.ProtocolKey, round uint64, value uint8)

// roundState holds everything one round accumulates.
type roundState struct {
	// bvbSeen counts binary-value broadcasts per value, by sender.
	bvbSeen map[uint8]map[uint64]bool
	// bvbEchoed marks values this node already broadcast for the round.
	bvbEchoed map[uint8]bool
	// binValues is the round's accepted value set.
	binValues map[uint8]bool
	// auxValue records each sender's AUX value.
	auxValue map[uint64]uint8
	// coinShares holds the verified coin shares piggybacked on AUX.
	coinShares map[uint64][]byte
	auxSent    bool
}

func newRoundState() *roundState {
	return &roundState{
		bvbSeen:    make(map[uint8]map[uint64]bool),
		bvbEchoed:  make(map[uint8]bool),
		binValues:  make(map[uint8]bool),
		auxValue:   make(map[uint64]uint8),
		coinShares: make(map[uint64][]byte),
	}
}

// BinConsensusInstance is one binary-agreement slot. Message processing is
// serialized by the instance mutex; the orchestrator feeds it from a single
// goroutine, the mutex also covers the read-side queries of the deferral
// ladder.
type BinConsensusInstance struct {
	mu sync.Mutex

	key      messages.ProtocolKey
	conf     *config.Config
	crypto   *crypto.CryptoManager
	out      OutboundSink
	onDecide DecisionCallback
	logger   hclog.Logger

	currentRound uint64
	started      bool
	rounds       map[uint64]*roundState

	decided      bool
	decidedValue uint8
	decidedRound uint64
}

func NewBinConsensusInstance(key messages.ProtocolKey, conf *config.Config,
	cryptoMgr *crypto.CryptoManager, out OutboundSink, onDecide DecisionCallback,
	logger hclog.Logger) *BinConsensusInstance {
	return &BinConsensusInstance{
		key:      key,
		conf:     conf,
		crypto:   cryptoMgr,
		out:      out,
		onDecide: onDecide,
		logger:   logger.Named("bin-consensus"),
		rounds:   map[uint64]*roundState{0: newRoundState()},
	}
}

// CurrentRound returns the round the instance is working on.
func (b *BinConsensusInstance) CurrentRound() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentRound
}

// IsDecided reports whether the instance has decided.
func (b *BinConsensusInstance) IsDecided() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decided
}

// Decision returns the decided value and round.
func (b *BinConsensusInstance) Decision() (value uint8, round uint64, decided bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decidedValue, b.decidedRound, b.decided
}

// Start launches the instance with the local estimate: 1 when this node
// holds a DA proof for the slot's proposal, 0 otherwise.
func (b *BinConsensusInstance) Start(est uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.logger.Debug("starting binary consensus", "key", b.key.String(), "est", est)
	b.broadcastBVB(0, est)
}

// ProcessMessage feeds one frame into the instance. After the decision,
// frames for rounds at or before the decision round are stale and dropped;
// later rounds are still processed so slower nodes keep seeing full quorums
// of BVB and AUX traffic.
func (b *BinConsensusInstance) ProcessMessage(msg *messages.NetworkMessage, origin messages.Origin) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.decided && msg.Round <= b.decidedRound {
		return
	}

	switch msg.Type {
	case messages.MsgTypeBVBBroadcast:
		b.handleBVB(msg)
	case messages.MsgTypeAUXBroadcast:
		b.handleAUX(msg, origin)
	default:
		b.logger.Warn("unexpected message type", "key", b.key.String(), "type", msg.Type.String())
	}
}

func (b *BinConsensusInstance) round(r uint64) *roundState {
	state, ok := b.rounds[r]
	if !ok {
		state = newRoundState()
		b.rounds[r] = state
	}
	return state
}

func (b *BinConsensusInstance) handleBVB(msg *messages.NetworkMessage) {
	state := b.round(msg.Round)
	senders, ok := state.bvbSeen[msg.Value]
	if !ok {
		senders = make(map[uint64]bool)
		state.bvbSeen[msg.Value] = senders
	}
	if senders[msg.SrcSchainIndex] {
		return
	}
	senders[msg.SrcSchainIndex] = true

	count := uint64(len(senders))

	// f+1 distinct senders vouch for the value, echo it so every honest
	// node reaches 2f+1
	if count >= b.conf.FPlusOne() && !state.bvbEchoed[msg.Value] {
		b.broadcastBVB(msg.Round, msg.Value)
	}

	// 2f+1 senders make the value accepted
	if count >= b.conf.Quorum() && !state.binValues[msg.Value] {
		state.binValues[msg.Value] = true
		b.logger.Debug("value accepted", "key", b.key.String(), "round", msg.Round, "value", msg.Value)
		if !state.auxSent && msg.Round == b.currentRound {
			b.broadcastAUX(msg.Round, msg.Value)
		}
		b.tryDecideRound(b.currentRound)
	}
}

func (b *BinConsensusInstance) handleAUX(msg *messages.NetworkMessage, origin messages.Origin) {
	state := b.round(msg.Round)
	if _, seen := state.auxValue[msg.SrcSchainIndex]; seen {
		return
	}

	if msg.Round >= 2 && len(msg.SigShare) > 0 {
		if origin != messages.OriginSelf {
			if err := b.crypto.VerifyCoinShare(b.key.BlockID, b.key.ProposerIndex, msg.Round, msg.SigShare); err != nil {
				b.logger.Warn("rejecting AUX with bad coin share",
					"key", b.key.String(), "round", msg.Round, "sender", msg.SrcSchainIndex, "error", err)
				return
			}
		}
		state.coinShares[msg.SrcSchainIndex] = msg.SigShare
	}

	state.auxValue[msg.SrcSchainIndex] = msg.Value
	b.tryDecideRound(b.currentRound)
}

// tryDecideRound checks the round's termination condition: a quorum of AUX
// values inside the accepted set, plus the round's coin.
func (b *BinConsensusInstance) tryDecideRound(r uint64) {
	if r != b.currentRound {
		return
	}
	state := b.round(r)
	if len(state.binValues) == 0 {
		return
	}

	// count only AUX values already accepted by binary-value broadcast
	vals := make(map[uint8]bool)
	var counted uint64
	for _, v := range state.auxValue {
		if state.binValues[v] {
			vals[v] = true
			counted++
		}
	}
	if counted < b.conf.Quorum() {
		return
	}

	coin, ok := b.roundCoin(r, state)
	if !ok {
		return
	}

	if len(vals) == 1 {
		var v uint8
		for val := range vals {
			v = val
		}
		if !b.decided && v == coin {
			b.decide(r, v)
			return
		}
		b.advanceRound(r, b.nextEstimate(v))
		return
	}
	b.advanceRound(r, b.nextEstimate(coin))
}

// nextEstimate keeps a decided instance's estimate pinned to its decision.
func (b *BinConsensusInstance) nextEstimate(est uint8) uint8 {
	if b.decided {
		return b.decidedValue
	}
	return est
}

// roundCoin produces the round's coin: fixed 0 and 1 for the first two
// rounds, then the threshold coin from the collected shares.
func (b *BinConsensusInstance) roundCoin(r uint64, state *roundState) (uint8, bool) {
	switch r {
	case 0:
		return 0, true
	case 1:
		return 1, true
	}
	if uint64(len(state.coinShares)) < b.conf.Quorum() {
		return 0, false
	}
	shares := make([][]byte, 0, len(state.coinShares))
	for _, share := range state.coinShares {
		shares = append(shares, share)
	}
	coin, err := b.crypto.RecoverCoin(b.key.BlockID, b.key.ProposerIndex, r, shares)
	if err != nil {
		b.logger.Error("coin recovery failed", "key", b.key.String(), "round", r, "error", err)
		return 0, false
	}
	return coin, true
}

func (b *BinConsensusInstance) decide(r uint64, v uint8) {
	b.decided = true
	b.decidedValue = v
	b.decidedRound = r
	b.logger.Info("binary consensus decided",
		"key", b.key.String(), "round", r, "value", v)
	b.onDecide(b.key, r, v)

	// keep running the rounds after the decision: nodes that decide later
	// need this node's BVB and AUX to reach their quorums
	b.advanceRound(r, v)
}

func (b *BinConsensusInstance) advanceRound(finished uint64, est uint8) {
	b.currentRound = finished + 1
	b.logger.Debug("advancing round", "key", b.key.String(), "round", b.currentRound, "est", est)
	b.broadcastBVB(b.currentRound, est)

	// late messages for the new round may already be buffered
	state := b.round(b.currentRound)
	for v := range state.binValues {
		if !state.auxSent {
			b.broadcastAUX(b.currentRound, v)
		}
	}
	b.tryDecideRound(b.currentRound)
}

func (b *BinConsensusInstance) broadcastBVB(round uint64, value uint8) {
	state := b.round(round)
	state.bvbEchoed[value] = true
	msg := &messages.NetworkMessage{
		BlockID:       b.key.BlockID,
		ProposerIndex: b.key.ProposerIndex,
		Type:          messages.MsgTypeBVBBroadcast,
		Round:         round,
		Value:         value,
	}
	if err := b.out.BroadcastMessage(msg); err != nil {
		b.logger.Error("could not broadcast", "key", b.key.String(), "error", err)
	}
}

func (b *BinConsensusInstance) broadcastAUX(round uint64, value uint8) {
	state := b.round(round)
	state.auxSent = true
	msg := &messages.NetworkMessage{
		BlockID:       b.key.BlockID,
		ProposerIndex: b.key.ProposerIndex,
		Type:          messages.MsgTypeAUXBroadcast,
		Round:         round,
		Value:         value,
	}
	if round >= 2 {
		msg.SigShare = b.crypto.SignCoinShare(b.key.BlockID, b.key.ProposerIndex, round)
	}
	if err := b.out.BroadcastMessage(msg); err != nil {
		b.logger.Error("could not broadcast", "key", b.key.String(), "error", err)
	}
}
