package network

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/db"
	"github.com/gitzhang10/subchain/messages"
)

type fakeSink struct {
	mu   sync.Mutex
	envs []*messages.Envelope
	ch   chan *messages.Envelope
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan *messages.Envelope, 256)}
}

func (s *fakeSink) PostMessage(env *messages.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	s.ch <- env
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

type fakeState struct {
	mu      sync.Mutex
	round   uint64
	decided bool
}

func (s *fakeState) CurrentRound(messages.ProtocolKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

func (s *fakeState) IsDecided(messages.ProtocolKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decided
}

func (s *fakeState) set(round uint64, decided bool) {
	s.mu.Lock()
	s.round = round
	s.decided = decided
	s.mu.Unlock()
}

type fakeCommitted struct {
	last atomic.Uint64
}

func (c *fakeCommitted) LastCommittedBlockID() uint64 {
	return c.last.Load()
}

func testConfig(index uint64) *config.Config {
	nodes := make(map[uint64]*config.NodeInfo, 4)
	for i := uint64(1); i <= 4; i++ {
		nodes[i] = &config.NodeInfo{
			Name:        "node",
			SchainIndex: i,
			NodeID:      100 + i,
			IP:          "10.0.0." + string(rune('0'+i)),
		}
	}
	return &config.Config{
		SchainID:             1,
		SchainIndex:          index,
		NodeID:               100 + index,
		Nodes:                nodes,
		DelayedSendsQueueCap: 16,
		DelayedSendsRetryMs:  20,
	}
}

type testNode struct {
	net       *Network
	sink      *fakeSink
	state     *fakeState
	committed *fakeCommitted
	exit      *atomic.Bool
}

func startTestNode(t *testing.T, hub *SimHub, index uint64) *testNode {
	return startTestNodeWithConfig(t, hub, testConfig(index))
}

func startTestNodeWithConfig(t *testing.T, hub *SimHub, conf *config.Config) *testNode {
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	node := &testNode{
		sink:      newFakeSink(),
		state:     &fakeState{},
		committed: &fakeCommitted{},
		exit:      &atomic.Bool{},
	}
	transport := hub.Join(conf.Self().IP)
	t.Cleanup(func() { _ = transport.Close() })

	node.net = NewNetwork(conf, transport, db.NewOutgoingMsgDB(storage),
		node.sink, node.state, node.committed, node.exit, hclog.NewNullLogger())
	node.net.Start()
	t.Cleanup(func() { node.exit.Store(true) })
	return node
}

func waitEnvelope(t *testing.T, sink *fakeSink) *messages.Envelope {
	t.Helper()
	select {
	case env := <-sink.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope arrived")
		return nil
	}
}

// A broadcast reaches the local sink and every peer's sink.
func TestBroadcastReachesAllNodes(t *testing.T) {
	hub := NewSimHub()
	nodes := make([]*testNode, 0, 4)
	for i := uint64(1); i <= 4; i++ {
		nodes = append(nodes, startTestNode(t, hub, i))
	}

	msg := &messages.NetworkMessage{
		BlockID:       1,
		ProposerIndex: 2,
		Type:          messages.MsgTypeBVBBroadcast,
		Round:         0,
		Value:         1,
	}
	require.NoError(t, nodes[0].net.BroadcastMessage(msg))

	env := waitEnvelope(t, nodes[0].sink)
	require.Equal(t, messages.OriginSelf, env.Origin)
	require.Equal(t, uint64(1), env.Network.BlockID)

	for _, node := range nodes[1:] {
		env := waitEnvelope(t, node.sink)
		require.Equal(t, messages.OriginNetwork, env.Origin)
		require.Equal(t, uint64(101), env.Network.SrcNodeID)
		require.Equal(t, uint64(1), env.Network.SrcSchainIndex)
		require.Equal(t, messages.MsgTypeBVBBroadcast, env.Network.Type)
	}
}

// A frame for a future block waits in the deferred queue until the chain
// catches up, then is delivered by the retry loop.
func TestFutureBlockDeferred(t *testing.T) {
	hub := NewSimHub()
	sender := startTestNode(t, hub, 1)
	receiver := startTestNode(t, hub, 2)

	msg := &messages.NetworkMessage{
		BlockID:       5,
		ProposerIndex: 1,
		Type:          messages.MsgTypeBVBBroadcast,
		Round:         0,
	}
	require.NoError(t, sender.net.BroadcastMessage(msg))

	// receiver is still on block 1, the frame must not be delivered
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, receiver.sink.count())
	require.Equal(t, 1, receiver.net.DeferredCount())

	receiver.committed.last.Store(4)
	env := waitEnvelope(t, receiver.sink)
	require.Equal(t, uint64(5), env.Network.BlockID)
}

// A frame one round ahead of an undecided instance is deferred until the
// instance reaches the round.
func TestFutureRoundDeferred(t *testing.T) {
	hub := NewSimHub()
	sender := startTestNode(t, hub, 1)
	receiver := startTestNode(t, hub, 2)

	msg := &messages.NetworkMessage{
		BlockID:       1,
		ProposerIndex: 3,
		Type:          messages.MsgTypeAUXBroadcast,
		Round:         1,
	}
	require.NoError(t, sender.net.BroadcastMessage(msg))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, receiver.sink.count())

	receiver.state.set(1, false)
	env := waitEnvelope(t, receiver.sink)
	require.Equal(t, uint64(1), env.Network.Round)
}

// Frames for committed blocks are discarded, except block signature
// broadcasts which late nodes still need.
func TestCommittedBlockFramesDropped(t *testing.T) {
	hub := NewSimHub()
	sender := startTestNode(t, hub, 1)
	receiver := startTestNode(t, hub, 2)
	receiver.committed.last.Store(3)

	bvb := &messages.NetworkMessage{
		BlockID: 2, ProposerIndex: 1, Type: messages.MsgTypeBVBBroadcast,
	}
	require.NoError(t, sender.net.BroadcastMessage(bvb))

	blockSig := &messages.NetworkMessage{
		BlockID: 2, ProposerIndex: 1, Type: messages.MsgTypeBlockSigBroadcast,
	}
	require.NoError(t, sender.net.BroadcastMessage(blockSig))

	env := waitEnvelope(t, receiver.sink)
	require.Equal(t, messages.MsgTypeBlockSigBroadcast, env.Network.Type)
	require.Equal(t, 1, receiver.sink.count())
}

// Frames to an unreachable peer are queued and resent when it returns.
func TestDelayedSendRetries(t *testing.T) {
	hub := NewSimHub()
	sender := startTestNode(t, hub, 1)

	msg := &messages.NetworkMessage{
		BlockID: 1, ProposerIndex: 1, Type: messages.MsgTypeBVBBroadcast,
	}
	// no peers joined yet; all sends are queued
	require.NoError(t, sender.net.BroadcastMessage(msg))

	receiver := startTestNode(t, hub, 2)
	env := waitEnvelope(t, receiver.sink)
	require.Equal(t, uint64(1), env.Network.BlockID)
}

// A directed send reaches only its target.
func TestSendToNodeReachesOnlyTarget(t *testing.T) {
	hub := NewSimHub()
	nodes := make([]*testNode, 0, 4)
	for i := uint64(1); i <= 4; i++ {
		nodes = append(nodes, startTestNode(t, hub, i))
	}

	msg := &messages.NetworkMessage{
		BlockID: 1, ProposerIndex: 1, Type: messages.MsgTypeBVBBroadcast,
	}
	require.NoError(t, nodes[0].net.SendToNode(3, msg))

	env := waitEnvelope(t, nodes[2].sink)
	require.Equal(t, uint64(103), env.Network.DstNodeID)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, nodes[1].sink.count())
	require.Equal(t, 0, nodes[3].sink.count())

	// sending to ourselves is refused
	require.Error(t, nodes[0].net.SendToNode(1, msg))
}

// A frame whose claimed source ip differs from the transport peer address
// is dropped; the same frame with the honest ip goes through.
func TestForgedSourceIPDropped(t *testing.T) {
	hub := NewSimHub()
	receiver := startTestNode(t, hub, 2)

	// a raw transport at node 3's address, bypassing the stamping
	raw := hub.Join("10.0.0.3")
	t.Cleanup(func() { _ = raw.Close() })
	target := &config.NodeInfo{IP: "10.0.0.2"}

	forgedIP, err := messages.ParseIPv4("10.0.0.4")
	require.NoError(t, err)
	forged := &messages.NetworkMessage{
		ChainID: 1, BlockID: 1, ProposerIndex: 1,
		Type: messages.MsgTypeBVBBroadcast, MsgID: 1, SrcIP: forgedIP,
	}
	frame, err := forged.Serialize()
	require.NoError(t, err)
	require.NoError(t, raw.Send(target, frame))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, receiver.sink.count())

	honestIP, err := messages.ParseIPv4("10.0.0.3")
	require.NoError(t, err)
	honest := &messages.NetworkMessage{
		ChainID: 1, BlockID: 1, ProposerIndex: 1,
		Type: messages.MsgTypeBVBBroadcast, MsgID: 2, SrcIP: honestIP,
	}
	frame, err = honest.Serialize()
	require.NoError(t, err)
	require.NoError(t, raw.Send(target, frame))

	env := waitEnvelope(t, receiver.sink)
	require.Equal(t, uint64(3), env.Network.SrcSchainIndex)
}

// Frames further behind the committed head than the skip window are
// discarded outright, block signatures included; catch-up covers them.
func TestCatchupWindowDiscardsStaleFrames(t *testing.T) {
	hub := NewSimHub()
	sender := startTestNode(t, hub, 1)
	conf := testConfig(2)
	conf.CatchupBlocks = 8
	receiver := startTestNodeWithConfig(t, hub, conf)
	receiver.committed.last.Store(20)

	stale := &messages.NetworkMessage{
		BlockID: 2, ProposerIndex: 1, Type: messages.MsgTypeBlockSigBroadcast,
	}
	require.NoError(t, sender.net.BroadcastMessage(stale))

	recent := &messages.NetworkMessage{
		BlockID: 15, ProposerIndex: 1, Type: messages.MsgTypeBlockSigBroadcast,
	}
	require.NoError(t, sender.net.BroadcastMessage(recent))

	env := waitEnvelope(t, receiver.sink)
	require.Equal(t, uint64(15), env.Network.BlockID)
	require.Equal(t, 1, receiver.sink.count())
}

// Simulated packet loss silences the wire without erroring the sender.
func TestPacketLossDropsFrames(t *testing.T) {
	hub := NewSimHub()
	sender := startTestNode(t, hub, 1)
	receiver := startTestNode(t, hub, 2)

	hub.SetPacketLoss(100)
	lost := &messages.NetworkMessage{
		BlockID: 1, ProposerIndex: 1, Type: messages.MsgTypeBVBBroadcast, Round: 0, Value: 0,
	}
	require.NoError(t, sender.net.BroadcastMessage(lost))

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, receiver.sink.count())

	hub.SetPacketLoss(0)
	delivered := &messages.NetworkMessage{
		BlockID: 1, ProposerIndex: 1, Type: messages.MsgTypeBVBBroadcast, Round: 0, Value: 1,
	}
	require.NoError(t, sender.net.BroadcastMessage(delivered))

	env := waitEnvelope(t, receiver.sink)
	require.Equal(t, uint8(1), env.Network.Value)
}

// During catch-up the node stays silent.
func TestNoBroadcastDuringCatchup(t *testing.T) {
	hub := NewSimHub()
	sender := startTestNode(t, hub, 1)
	receiver := startTestNode(t, hub, 2)

	sender.net.SetCatchingUp(true)
	msg := &messages.NetworkMessage{
		BlockID: 1, ProposerIndex: 1, Type: messages.MsgTypeBVBBroadcast,
	}
	require.NoError(t, sender.net.BroadcastMessage(msg))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, receiver.sink.count())
	require.Equal(t, 0, sender.sink.count())
}
