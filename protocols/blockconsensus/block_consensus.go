/*
Package blockconsensus orchestrates block consensus for one chain: it runs N
parallel binary-agreement instances per block, one per proposer, picks the
winning proposer, and assembles the threshold block signature over the
decision.
*/
package blockconsensus

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/crypto"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/messages"
	"github.com/gitzhang10/subchain/protocols/binconsensus"
)

// Finalizer receives the fully decided and threshold-signed block choice.
type Finalizer interface {
	FinalizeDecidedAndSignedBlock(blockID, proposerIndex uint64, thresholdSig []byte)
}

// blockState tracks the per-block progress across the N child instances.
type blockState struct {
	decisions map[uint64]uint8 // proposer index to decided value
	winner    uint64           // 0 until chosen
	sigShares map[uint64][]byte
	signed    bool
}

// BlockConsensusAgent multiplexes binary-consensus children and aggregates
// the block signature. All envelope processing happens on the chain driver's
// goroutine; the mutex covers the concurrent read-side queries of the
// network deferral ladder.
type BlockConsensusAgent struct {
	mu sync.Mutex

	conf      *config.Config
	crypto    *crypto.CryptoManager
	out       binconsensus.OutboundSink
	sink      func(env *messages.Envelope)
	finalizer Finalizer
	logger    hclog.Logger

	children map[messages.ProtocolKey]*binconsensus.BinConsensusInstance
	blocks   map[uint64]*blockState
}

func NewBlockConsensusAgent(conf *config.Config, cryptoMgr *crypto.CryptoManager,
	out binconsensus.OutboundSink, sink func(env *messages.Envelope),
	finalizer Finalizer, logger hclog.Logger) *BlockConsensusAgent {
	return &BlockConsensusAgent{
		conf:      conf,
		crypto:    cryptoMgr,
		out:       out,
		sink:      sink,
		finalizer: finalizer,
		logger:    logger.Named("block-consensus"),
		children:  make(map[messages.ProtocolKey]*binconsensus.BinConsensusInstance),
		blocks:    make(map[uint64]*blockState),
	}
}

// CurrentRound implements the deferral-ladder query for one child slot.
func (a *BlockConsensusAgent) CurrentRound(key messages.ProtocolKey) uint64 {
	a.mu.Lock()
	child := a.children[key]
	a.mu.Unlock()
	if child == nil {
		return 0
	}
	return child.CurrentRound()
}

// IsDecided implements the deferral-ladder query for one child slot.
func (a *BlockConsensusAgent) IsDecided(key messages.ProtocolKey) bool {
	a.mu.Lock()
	child := a.children[key]
	a.mu.Unlock()
	if child == nil {
		return false
	}
	return child.IsDecided()
}

// RouteAndProcessMessage dispatches one envelope. Called only from the chain
// driver loop.
func (a *BlockConsensusAgent) RouteAndProcessMessage(env *messages.Envelope) {
	switch {
	case env.Proposal != nil:
		a.startConsensus(env.Proposal)
	case env.ChildDecided != nil:
		a.recordDecision(env.ChildDecided)
	case env.Network != nil:
		a.routeNetworkMessage(env.Network, env.Origin)
	}
}

// startConsensus launches the N children for a block from the local
// proposal vector.
func (a *BlockConsensusAgent) startConsensus(p *messages.ConsensusProposalMessage) {
	vector, err := datastructures.NewProposalVectorFromString(p.Vector)
	if err != nil || vector.NodeCount() != a.conf.NodeCount() {
		a.logger.Error("bad proposal vector", "block", p.BlockID, "vector", p.Vector)
		return
	}
	a.logger.Info("starting block consensus", "block", p.BlockID, "vector", p.Vector)

	for idx := uint64(1); idx <= a.conf.NodeCount(); idx++ {
		key := messages.ProtocolKey{BlockID: p.BlockID, ProposerIndex: idx}
		child := a.child(key)
		est := uint8(0)
		if vector.Get(idx) {
			est = 1
		}
		child.Start(est)
	}
}

func (a *BlockConsensusAgent) routeNetworkMessage(msg *messages.NetworkMessage, origin messages.Origin) {
	if msg.Type == messages.MsgTypeBlockSigBroadcast {
		a.handleBlockSigShare(msg, origin)
		return
	}
	a.child(msg.Key()).ProcessMessage(msg, origin)
}

func (a *BlockConsensusAgent) child(key messages.ProtocolKey) *binconsensus.BinConsensusInstance {
	a.mu.Lock()
	defer a.mu.Unlock()
	child, ok := a.children[key]
	if !ok {
		child = binconsensus.NewBinConsensusInstance(key, a.conf, a.crypto, a.out, a.onChildDecide, a.logger)
		a.children[key] = child
	}
	return child
}

// onChildDecide runs inside the child's processing; it loops the decision
// back through the mailbox so the agent state changes on the driver
// goroutine without reentrancy.
func (a *BlockConsensusAgent) onChildDecide(key messages.ProtocolKey, round uint64, value uint8) {
	a.sink(messages.NewChildDecidedEnvelope(key, round, value))
}

func (a *BlockConsensusAgent) block(blockID uint64) *blockState {
	state, ok := a.blocks[blockID]
	if !ok {
		state = &blockState{
			decisions: make(map[uint64]uint8),
			sigShares: make(map[uint64][]byte),
		}
		a.blocks[blockID] = state
	}
	return state
}

// recordDecision stores one child decision; once all N children of a block
// have decided, the winner is the lowest proposer index that decided one.
func (a *BlockConsensusAgent) recordDecision(d *messages.ChildBVDecidedMessage) {
	a.mu.Lock()
	state := a.block(d.Key.BlockID)
	state.decisions[d.Key.ProposerIndex] = d.Value
	if uint64(len(state.decisions)) < a.conf.NodeCount() || state.winner != 0 {
		a.mu.Unlock()
		return
	}

	winner := uint64(0)
	for idx := uint64(1); idx <= a.conf.NodeCount(); idx++ {
		if state.decisions[idx] == 1 {
			winner = idx
			break
		}
	}
	if winner == 0 {
		// cannot happen with an honest quorum: consensus started from a
		// vector with 2f+1 ones
		a.mu.Unlock()
		a.logger.Error("no proposer won consensus", "block", d.Key.BlockID)
		return
	}
	state.winner = winner
	a.mu.Unlock()
	a.logger.Info("block consensus complete", "block", d.Key.BlockID, "winner", winner)

	// contribute our share of the threshold signature over the decision
	share := a.crypto.SignBlockSigShare(d.Key.BlockID, winner)
	msg := &messages.NetworkMessage{
		BlockID:       d.Key.BlockID,
		ProposerIndex: winner,
		Type:          messages.MsgTypeBlockSigBroadcast,
		SigShare:      share,
	}
	if err := a.out.BroadcastMessage(msg); err != nil {
		a.logger.Error("could not broadcast block signature share", "block", d.Key.BlockID, "error", err)
	}
}

// handleBlockSigShare collects block-signature shares; at quorum it recovers
// the threshold signature and hands the block to the finalizer.
func (a *BlockConsensusAgent) handleBlockSigShare(msg *messages.NetworkMessage, origin messages.Origin) {
	if origin != messages.OriginSelf {
		if err := a.crypto.VerifyBlockSigShare(msg.BlockID, msg.ProposerIndex, msg.SigShare); err != nil {
			a.logger.Warn("rejecting bad block signature share",
				"block", msg.BlockID, "sender", msg.SrcSchainIndex, "error", err)
			return
		}
	}

	a.mu.Lock()
	state := a.block(msg.BlockID)
	if state.signed {
		a.mu.Unlock()
		return
	}
	if state.winner != 0 && state.winner != msg.ProposerIndex {
		a.mu.Unlock()
		a.logger.Warn("block signature share for a losing proposer",
			"block", msg.BlockID, "proposer", msg.ProposerIndex, "winner", state.winner)
		return
	}
	state.sigShares[msg.SrcSchainIndex] = msg.SigShare
	ready := uint64(len(state.sigShares)) >= a.conf.Quorum()
	if ready {
		state.signed = true
	}
	shares := make([][]byte, 0, len(state.sigShares))
	for _, s := range state.sigShares {
		shares = append(shares, s)
	}
	a.mu.Unlock()

	if !ready {
		return
	}

	thresholdSig, err := a.crypto.RecoverBlockSig(msg.BlockID, msg.ProposerIndex, shares)
	if err != nil {
		a.logger.Error("could not recover block signature", "block", msg.BlockID, "error", err)
		a.mu.Lock()
		state.signed = false
		a.mu.Unlock()
		return
	}
	a.logger.Info("block signature assembled", "block", msg.BlockID, "proposer", msg.ProposerIndex)
	a.finalizer.FinalizeDecidedAndSignedBlock(msg.BlockID, msg.ProposerIndex, thresholdSig)
}

// PruneCommitted drops all consensus state for blocks at or below blockID.
func (a *BlockConsensusAgent) PruneCommitted(blockID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.children {
		if key.BlockID <= blockID {
			delete(a.children, key)
		}
	}
	for id := range a.blocks {
		if id <= blockID {
			delete(a.blocks, id)
		}
	}
}
