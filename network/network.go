package network

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/db"
	"github.com/gitzhang10/subchain/messages"
)

// ConsensusState exposes the local progress of binary-consensus instances so
// the deferral ladder can judge whether a frame is ahead of us.
type ConsensusState interface {
	CurrentRound(key messages.ProtocolKey) uint64
	IsDecided(key messages.ProtocolKey) bool
}

// MessageSink receives the envelopes that pass the deferral ladder.
type MessageSink interface {
	PostMessage(env *messages.Envelope)
}

// CommittedBlockIDSource reports the last committed block id.
type CommittedBlockIDSource interface {
	LastCommittedBlockID() uint64
}

// Network runs the consensus-frame plane of one node: broadcasting with
// persistence and per-peer retry queues, and receiving with the deferral
// ladder in front of the protocol instances.
type Network struct {
	conf      *config.Config
	logger    hclog.Logger
	transport Transport
	outgoing  *db.OutgoingMsgDB
	sink      MessageSink
	state     ConsensusState
	committed CommittedBlockIDSource

	exitRequested *atomic.Bool
	catchingUp    atomic.Bool
	msgID         atomic.Uint64

	// selfIP is this node's transport address in frame form; every outbound
	// frame carries it, receivers check it against the peer address.
	selfIP uint32

	// delayedSends holds frames whose peer was unreachable, per schain
	// index, oldest first.
	delayedMu    sync.Mutex
	delayedSends map[uint64][][]byte

	// deferred holds frames that are ahead of local progress.
	deferredMu sync.Mutex
	deferred   []*messages.NetworkMessage

	wg sync.WaitGroup
}

func NewNetwork(conf *config.Config, transport Transport, outgoing *db.OutgoingMsgDB,
	sink MessageSink, state ConsensusState, committed CommittedBlockIDSource,
	exitRequested *atomic.Bool, logger hclog.Logger) *Network {
	n := &Network{
		conf:          conf,
		logger:        logger.Named("network"),
		transport:     transport,
		outgoing:      outgoing,
		sink:          sink,
		state:         state,
		committed:     committed,
		exitRequested: exitRequested,
		delayedSends:  make(map[uint64][][]byte),
	}
	if self := conf.Self(); self != nil {
		selfIP, err := messages.ParseIPv4(self.IP)
		if err != nil {
			n.logger.Warn("own ip is not a dotted quad, frames go out unstamped",
				"ip", self.IP, "error", err)
		}
		n.selfIP = selfIP
	}
	return n
}

// Start launches the read and retry loops.
func (n *Network) Start() {
	n.wg.Add(2)
	go n.readLoop()
	go n.retryLoop()
}

// Wait blocks until the loops exit.
func (n *Network) Wait() {
	n.wg.Wait()
}

// SetCatchingUp marks the node as syncing; broadcasts are suppressed while
// set, because consensus for those blocks already finished elsewhere.
func (n *Network) SetCatchingUp(v bool) {
	n.catchingUp.Store(v)
}

// NextMsgID returns a fresh per-node message id.
func (n *Network) NextMsgID() uint64 {
	return n.msgID.Add(1)
}

// BroadcastMessage persists the frame, delivers it to the local protocol
// instance, and sends it to every peer. Unreachable peers get the frame
// queued for retry.
func (n *Network) BroadcastMessage(msg *messages.NetworkMessage) error {
	if n.catchingUp.Load() {
		return nil
	}

	msg.ChainID = n.conf.SchainID
	msg.SrcNodeID = n.conf.NodeID
	msg.SrcSchainIndex = n.conf.SchainIndex
	msg.SrcIP = n.selfIP
	if msg.MsgID == 0 {
		msg.MsgID = n.NextMsgID()
	}

	frame, err := msg.Serialize()
	if err != nil {
		return err
	}
	if err := n.outgoing.SaveMsg(msg.BlockID, msg.MsgID, frame); err != nil {
		return err
	}

	// the node is a member of its own quorum
	n.postOrDefer(msg, messages.OriginSelf)

	n.sendToPeers(frame)
	return nil
}

// SendToNode sends one frame to a single peer, with the same persistence
// and retry handling as a broadcast.
func (n *Network) SendToNode(peerIndex uint64, msg *messages.NetworkMessage) error {
	if n.catchingUp.Load() {
		return nil
	}
	peer := n.conf.NodeByIndex(peerIndex)
	if peer == nil || peerIndex == n.conf.SchainIndex {
		return fmt.Errorf("cannot send to schain index %d", peerIndex)
	}

	msg.ChainID = n.conf.SchainID
	msg.SrcNodeID = n.conf.NodeID
	msg.SrcSchainIndex = n.conf.SchainIndex
	msg.SrcIP = n.selfIP
	msg.DstNodeID = peer.NodeID
	if msg.MsgID == 0 {
		msg.MsgID = n.NextMsgID()
	}

	frame, err := msg.Serialize()
	if err != nil {
		return err
	}
	if err := n.outgoing.SaveMsg(msg.BlockID, msg.MsgID, frame); err != nil {
		return err
	}
	if err := n.transport.Send(peer, frame); err != nil {
		n.queueDelayedSend(peerIndex, frame)
	}
	return nil
}

// PruneOutgoing drops the persisted frames of blocks at or below the
// committed one; they will never need rebroadcasting.
func (n *Network) PruneOutgoing(belowBlockID uint64) error {
	return n.outgoing.PruneBelow(belowBlockID + 1)
}

// RebroadcastSavedMessages resends every persisted frame for uncommitted
// blocks; called once on bootstrap so messages lost in a crash still reach
// peers.
func (n *Network) RebroadcastSavedMessages(fromBlock uint64) error {
	frames, err := n.outgoing.LoadFromBlock(fromBlock)
	if err != nil {
		return err
	}
	if len(frames) > 0 {
		n.logger.Info("rebroadcasting saved messages", "count", len(frames), "from-block", fromBlock)
	}
	for _, frame := range frames {
		n.sendToPeers(frame)
	}
	return nil
}

func (n *Network) sendToPeers(frame []byte) {
	for idx := uint64(1); idx <= n.conf.NodeCount(); idx++ {
		if idx == n.conf.SchainIndex {
			continue
		}
		peer := n.conf.NodeByIndex(idx)
		if err := n.transport.Send(peer, frame); err != nil {
			n.queueDelayedSend(idx, frame)
		}
	}
}

// queueDelayedSend appends the frame to the peer's retry deque, dropping the
// oldest entry when the deque is full.
func (n *Network) queueDelayedSend(peerIndex uint64, frame []byte) {
	n.delayedMu.Lock()
	defer n.delayedMu.Unlock()
	deque := n.delayedSends[peerIndex]
	if len(deque) >= n.conf.DelayedSendsQueueCap {
		deque = deque[1:]
	}
	n.delayedSends[peerIndex] = append(deque, frame)
}

// retryLoop periodically drains the delayed-send deques and re-runs the
// deferral ladder over deferred frames.
func (n *Network) retryLoop() {
	defer n.wg.Done()
	interval := time.Duration(n.conf.DelayedSendsRetryMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if n.exitRequested.Load() {
			return
		}
		n.retryDelayedSends()
		n.retryDeferred()
	}
}

func (n *Network) retryDelayedSends() {
	n.delayedMu.Lock()
	pending := n.delayedSends
	n.delayedSends = make(map[uint64][][]byte)
	n.delayedMu.Unlock()

	for peerIndex, deque := range pending {
		peer := n.conf.NodeByIndex(peerIndex)
		for i, frame := range deque {
			if err := n.transport.Send(peer, frame); err != nil {
				// still unreachable, requeue the rest in order
				n.delayedMu.Lock()
				n.delayedSends[peerIndex] = append(deque[i:], n.delayedSends[peerIndex]...)
				n.delayedMu.Unlock()
				break
			}
		}
	}
}

func (n *Network) retryDeferred() {
	n.deferredMu.Lock()
	pending := n.deferred
	n.deferred = nil
	n.deferredMu.Unlock()

	for _, msg := range pending {
		n.postOrDefer(msg, messages.OriginNetwork)
	}
}

// readLoop receives frames, validates them and runs the deferral ladder.
func (n *Network) readLoop() {
	defer n.wg.Done()
	for inbound := range n.transport.Receive() {
		if n.exitRequested.Load() {
			return
		}

		msg, err := messages.DeserializeNetworkMessage(inbound.Frame, n.conf.SchainID)
		if err != nil {
			// foreign traffic is dropped without noise
			if err != messages.ErrBadMagic {
				n.logger.Warn("dropping bad consensus frame", "from", inbound.FromIP, "error", err)
			}
			continue
		}

		srcIndex := n.conf.IndexByIP(inbound.FromIP)
		if srcIndex == 0 {
			n.logger.Warn("dropping frame from unknown peer", "from", inbound.FromIP)
			continue
		}
		if msg.SrcIP != 0 && messages.Uint32ToIPString(msg.SrcIP) != inbound.FromIP {
			n.logger.Warn("dropping frame with forged source ip",
				"from", inbound.FromIP, "claimed", messages.Uint32ToIPString(msg.SrcIP),
				"error", messages.ErrInvalidSourceIP)
			continue
		}
		msg.SrcSchainIndex = srcIndex

		n.postOrDefer(msg, messages.OriginNetwork)
	}
}

// postOrDefer is the deferral ladder. A frame for a future block, or for a
// round ahead of the instance's progress, waits in the deferred queue; the
// rest go to the sink.
func (n *Network) postOrDefer(msg *messages.NetworkMessage, origin messages.Origin) {
	lastCommitted := n.committed.LastCommittedBlockID()
	if n.conf.CatchupBlocks > 0 && msg.BlockID+uint64(n.conf.CatchupBlocks) <= lastCommitted {
		// the sender is so far behind that catch-up, not replay, will fix it
		return
	}
	if msg.BlockID <= lastCommitted && msg.Type != messages.MsgTypeBlockSigBroadcast {
		// consensus for this block already finished locally
		return
	}
	if msg.BlockID > lastCommitted+1 {
		n.deferMessage(msg)
		return
	}

	if msg.Type != messages.MsgTypeBlockSigBroadcast {
		key := msg.Key()
		currentRound := n.state.CurrentRound(key)
		decided := n.state.IsDecided(key)
		if msg.Round > currentRound+1 {
			n.deferMessage(msg)
			return
		}
		if msg.Round == currentRound+1 && !decided {
			n.deferMessage(msg)
			return
		}
	}

	n.sink.PostMessage(messages.NewNetworkEnvelope(msg, origin))
}

func (n *Network) deferMessage(msg *messages.NetworkMessage) {
	n.deferredMu.Lock()
	defer n.deferredMu.Unlock()
	if len(n.deferred) >= n.conf.DelayedSendsQueueCap*int(n.conf.NodeCount()) {
		n.deferred = n.deferred[1:]
	}
	n.deferred = append(n.deferred, msg)
}

// DeferredCount reports the deferred-queue depth, for monitoring.
func (n *Network) DeferredCount() int {
	n.deferredMu.Lock()
	defer n.deferredMu.Unlock()
	return len(n.deferred)
}
