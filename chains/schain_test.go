package chains

import (
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/crypto"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/db"
	"github.com/gitzhang10/subchain/messages"
	"github.com/gitzhang10/subchain/network"
	"github.com/gitzhang10/subchain/pendingqueue"
	"github.com/gitzhang10/subchain/pricing"
	"github.com/gitzhang10/subchain/protocols/blockconsensus"
	"github.com/gitzhang10/subchain/sign"
)

// clusterConfigs builds the configs of a 4-node schain sharing one
// threshold key.
func clusterConfigs(t *testing.T) []*config.Config {
	t.Helper()
	const n = 4
	shares, pubPoly := sign.GenTSKeys(3, n)

	pubKeys := make([]ed25519.PublicKey, n+1)
	privKeys := make([]ed25519.PrivateKey, n+1)
	for i := 1; i <= n; i++ {
		priv, pub := sign.GenED25519Keys()
		privKeys[i], pubKeys[i] = priv, pub
	}

	configs := make([]*config.Config, 0, n)
	for i := 1; i <= n; i++ {
		nodes := make(map[uint64]*config.NodeInfo, n)
		for j := 1; j <= n; j++ {
			nodes[uint64(j)] = &config.NodeInfo{
				Name:        "node",
				SchainIndex: uint64(j),
				NodeID:      uint64(100 + j),
				IP:          "10.0.0." + string(rune('0'+j)),
				PublicKey:   pubKeys[j],
			}
		}
		configs = append(configs, &config.Config{
			SchainID:             7,
			SchainIndex:          uint64(i),
			NodeID:               uint64(100 + i),
			Nodes:                nodes,
			PrivateKey:           privKeys[i],
			TsPublicKey:          pubPoly,
			TsPrivateKey:         shares[i-1],
			BatchSize:            100,
			EmptyBlockIntervalMs: 60000,
			DelayedSendsQueueCap: 64,
			DelayedSendsRetryMs:  20,
			BasePrice:            1000,
		})
	}
	return configs
}

type clusterNode struct {
	conf    *config.Config
	chain   *Schain
	pending *pendingqueue.PendingTransactionsAgent
	exit    *atomic.Bool
}

type testCluster struct {
	t     *testing.T
	nodes map[uint64]*clusterNode
}

// clusterGossip hands gossip messages straight to the other nodes' chains,
// re-serialized the way the wire would.
type clusterGossip struct {
	from    uint64
	cluster *testCluster
}

func (g *clusterGossip) BroadcastProposal(p *datastructures.BlockProposal) {
	data := p.Serialize()
	for idx, n := range g.cluster.nodes {
		if idx == g.from {
			continue
		}
		clone, err := datastructures.DeserializeBlockProposal(data)
		if err != nil {
			continue
		}
		go n.chain.ProposedBlockArrived(clone)
	}
}

func (g *clusterGossip) SendDAShare(share *datastructures.DAProofShare, proposerIndex uint64) {
	target, ok := g.cluster.nodes[proposerIndex]
	if !ok {
		return
	}
	clone, err := datastructures.DeserializeDAProofShare(share.Serialize())
	if err != nil {
		return
	}
	go target.chain.DaProofSigShareArrived(clone)
}

func (g *clusterGossip) BroadcastDAProof(proof *datastructures.DAProof) {
	data := proof.Serialize()
	for idx, n := range g.cluster.nodes {
		if idx == g.from {
			continue
		}
		clone, err := datastructures.DeserializeDAProof(data)
		if err != nil {
			continue
		}
		go n.chain.DaProofArrived(clone)
	}
}

// outAdapter defers the consensus agent's broadcaster until the network
// exists.
type outAdapter struct {
	net *network.Network
}

func (o *outAdapter) BroadcastMessage(msg *messages.NetworkMessage) error {
	return o.net.BroadcastMessage(msg)
}

// startCluster boots the given subset of a 4-node schain over a simulated
// consensus plane and direct gossip delivery.
func startCluster(t *testing.T, live []uint64) *testCluster {
	t.Helper()
	configs := clusterConfigs(t)
	hub := network.NewSimHub()
	cluster := &testCluster{t: t, nodes: make(map[uint64]*clusterNode)}

	for _, idx := range live {
		conf := configs[idx-1]
		storage, err := db.OpenMemStorage()
		require.NoError(t, err)

		cryptoMgr := crypto.NewCryptoManager(conf)
		pending := pendingqueue.NewPendingTransactionsAgent(conf.BatchSize, hclog.NewNullLogger())
		pricer := pricing.NewPricingAgent(conf.BasePrice, conf.BatchSize,
			db.NewPriceDB(storage), hclog.NewNullLogger())
		exit := &atomic.Bool{}

		chain := NewSchain(conf, cryptoMgr, storage, pending, pricer, exit, hclog.NewNullLogger())
		out := &outAdapter{}
		consensus := blockconsensus.NewBlockConsensusAgent(conf, cryptoMgr, out,
			chain.PostMessage, chain, hclog.NewNullLogger())

		transport := hub.Join(conf.Self().IP)
		net := network.NewNetwork(conf, transport, db.NewOutgoingMsgDB(storage),
			chain, consensus, chain, exit, hclog.NewNullLogger())
		out.net = net
		chain.Wire(consensus, net, &clusterGossip{from: idx, cluster: cluster}, nil, nil)

		cluster.nodes[idx] = &clusterNode{conf: conf, chain: chain, pending: pending, exit: exit}

		t.Cleanup(func() {
			exit.Store(true)
			chain.RequestExit()
			_ = transport.Close()
			time.Sleep(150 * time.Millisecond)
			_ = storage.Close()
		})
		net.Start()
	}

	for _, n := range cluster.nodes {
		require.NoError(t, n.chain.Bootstrap())
	}
	return cluster
}

func (c *testCluster) pushTransactions(payloads [][]byte) {
	for _, n := range c.nodes {
		for _, data := range payloads {
			tx, err := datastructures.NewTransaction(data)
			require.NoError(c.t, err)
			n.pending.PushTransaction(tx)
		}
	}
}

func (c *testCluster) waitForBlock(blockID uint64) {
	require.Eventually(c.t, func() bool {
		for _, n := range c.nodes {
			if n.chain.LastCommittedBlockID() < blockID {
				return false
			}
		}
		return true
	}, 60*time.Second, 100*time.Millisecond)
}

func (c *testCluster) committedBlock(idx, blockID uint64) *datastructures.CommittedBlock {
	list, err := c.nodes[idx].chain.GetCommittedBlocksFrom(blockID, 1)
	require.NoError(c.t, err)
	require.Len(c.t, list.Blocks(), 1)
	return list.Blocks()[0]
}

// Four nodes commit the same first block carrying the submitted
// transactions in submission order.
func TestClusterCommitsTransactions(t *testing.T) {
	cluster := startCluster(t, []uint64{1, 2, 3, 4})

	payloads := [][]byte{[]byte("transfer a"), []byte("transfer b"), []byte("transfer c")}
	cluster.pushTransactions(payloads)
	cluster.waitForBlock(1)

	reference := cluster.committedBlock(1, 1)
	txs := reference.TransactionList().Items()
	require.Len(t, txs, len(payloads))
	for i, tx := range txs {
		require.Equal(t, payloads[i], tx.Data())
	}

	for idx := uint64(2); idx <= 4; idx++ {
		b := cluster.committedBlock(idx, 1)
		require.Equal(t, reference.ProposerIndex, b.ProposerIndex)
		require.Equal(t, reference.ThresholdSig, b.ThresholdSig)
		require.Equal(t, len(payloads), b.TransactionCount())
	}
}

// Three of four nodes are enough to make progress with one node silent.
func TestClusterToleratesSilentNode(t *testing.T) {
	cluster := startCluster(t, []uint64{1, 2, 3})

	cluster.pushTransactions([][]byte{[]byte("only quorum online")})
	cluster.waitForBlock(1)

	reference := cluster.committedBlock(1, 1)
	for idx := uint64(2); idx <= 3; idx++ {
		b := cluster.committedBlock(idx, 1)
		require.Equal(t, reference.ProposerIndex, b.ProposerIndex)
	}
}

// Stubs for the single-chain tests below.

type stubBroadcaster struct {
	mu              sync.Mutex
	rebroadcastFrom []uint64
	prunedBelow     []uint64
}

func (b *stubBroadcaster) BroadcastMessage(*messages.NetworkMessage) error { return nil }

func (b *stubBroadcaster) RebroadcastSavedMessages(fromBlock uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebroadcastFrom = append(b.rebroadcastFrom, fromBlock)
	return nil
}

func (b *stubBroadcaster) PruneOutgoing(belowBlockID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prunedBelow = append(b.prunedBelow, belowBlockID)
	return nil
}

func (b *stubBroadcaster) pruned() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.prunedBelow...)
}

func (b *stubBroadcaster) SetCatchingUp(bool) {}

type captureGossip struct {
	mu        sync.Mutex
	proposals []*datastructures.BlockProposal
}

func (g *captureGossip) BroadcastProposal(p *datastructures.BlockProposal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.proposals = append(g.proposals, p)
}

func (g *captureGossip) SendDAShare(*datastructures.DAProofShare, uint64) {}
func (g *captureGossip) BroadcastDAProof(*datastructures.DAProof)         {}

func newBenchChain(t *testing.T, conf *config.Config, storage *db.Storage,
	gossip GossipSender, net Broadcaster, host HostExecutor) (*Schain, *pendingqueue.PendingTransactionsAgent, *atomic.Bool) {
	t.Helper()
	cryptoMgr := crypto.NewCryptoManager(conf)
	pending := pendingqueue.NewPendingTransactionsAgent(conf.BatchSize, hclog.NewNullLogger())
	pricer := pricing.NewPricingAgent(conf.BasePrice, conf.BatchSize,
		db.NewPriceDB(storage), hclog.NewNullLogger())
	exit := &atomic.Bool{}
	chain := NewSchain(conf, cryptoMgr, storage, pending, pricer, exit, hclog.NewNullLogger())
	consensus := blockconsensus.NewBlockConsensusAgent(conf, cryptoMgr, &stubBroadcaster{},
		chain.PostMessage, chain, hclog.NewNullLogger())
	chain.Wire(consensus, net, gossip, nil, host)
	return chain, pending, exit
}

// commitTestBlock builds a block from the pending queue and commits it.
func commitTestBlock(t *testing.T, chain *Schain, pending *pendingqueue.PendingTransactionsAgent,
	conf *config.Config, blockID uint64, payload []byte) *datastructures.CommittedBlock {
	t.Helper()
	tx, err := datastructures.NewTransaction(payload)
	require.NoError(t, err)
	pending.PushTransaction(tx)
	proposal, err := pending.BuildBlockProposal(conf.SchainID, blockID, conf.SchainIndex, conf.NodeID, 0, 0)
	require.NoError(t, err)
	b, err := datastructures.NewCommittedBlock(proposal, []byte{1, 2, 3})
	require.NoError(t, err)
	chain.ProcessCommittedBlock(b)
	require.Equal(t, blockID, chain.LastCommittedBlockID())
	return b
}

// Re-proposing the same block after a restart reuses the stored proposal,
// so the hash this node committed to never changes.
func TestReproposeReusesStoredProposal(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	gossip := &captureGossip{}
	chain, pending, _ := newBenchChain(t, conf, storage, gossip, &stubBroadcaster{}, nil)

	tx, err := datastructures.NewTransaction([]byte("first life"))
	require.NoError(t, err)
	pending.PushTransaction(tx)
	require.NoError(t, chain.ProposeNextBlock(1))
	require.Len(t, gossip.proposals, 1)
	originalHash := gossip.proposals[0].Hash()

	// restart: fresh chain on the same storage, different pending content
	gossip2 := &captureGossip{}
	chain2, pending2, _ := newBenchChain(t, conf, storage, gossip2, &stubBroadcaster{}, nil)
	tx2, err := datastructures.NewTransaction([]byte("second life"))
	require.NoError(t, err)
	pending2.PushTransaction(tx2)

	require.NoError(t, chain2.ProposeNextBlock(1))
	require.Len(t, gossip2.proposals, 1)
	require.Equal(t, originalHash, gossip2.proposals[0].Hash())
	require.Equal(t, 1, gossip2.proposals[0].TransactionCount())
}

// Bootstrap restores the committed position and rebroadcasts the saved
// consensus frames for the block in flight.
func TestBootstrapRestoresPosition(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, nil)
	commitTestBlock(t, chain, pending, conf, 1, []byte("persisted"))

	net := &stubBroadcaster{}
	restarted, _, restartedExit := newBenchChain(t, conf, storage, &captureGossip{}, net, nil)
	require.NoError(t, restarted.Bootstrap())
	t.Cleanup(func() {
		restartedExit.Store(true)
		restarted.RequestExit()
		restarted.Wait()
	})

	require.Equal(t, uint64(1), restarted.LastCommittedBlockID())
	require.Equal(t, []uint64{2}, net.rebroadcastFrom)
}

type appliedBlock struct {
	blockID uint64
	price   uint64
}

// recordingHost plays the embedding application behind the engine.
type recordingHost struct {
	mu      sync.Mutex
	head    uint64
	applied []appliedBlock
}

func (h *recordingHost) LastBlockID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head
}

func (h *recordingHost) ApplyCommittedBlock(b *datastructures.CommittedBlock, price uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = b.BlockID
	h.applied = append(h.applied, appliedBlock{blockID: b.BlockID, price: price})
}

// Every committed block is handed to the host, with the price in force.
func TestCommittedBlocksReachHost(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	host := &recordingHost{}
	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, host)
	commitTestBlock(t, chain, pending, conf, 1, []byte("to the host"))

	require.Len(t, host.applied, 1)
	require.Equal(t, uint64(1), host.applied[0].blockID)
	require.Equal(t, chain.GasPrice(), host.applied[0].price)
	require.Equal(t, uint64(1), host.LastBlockID())
}

// A host one block behind the database gets the missing block pushed once
// during bootstrap.
func TestBootstrapPushesBlockHostMissed(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, nil)
	commitTestBlock(t, chain, pending, conf, 1, []byte("lost on the host"))

	host := &recordingHost{}
	restarted, _, exit := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, host)
	require.NoError(t, restarted.Bootstrap())
	t.Cleanup(func() {
		exit.Store(true)
		restarted.RequestExit()
		restarted.Wait()
	})

	require.Len(t, host.applied, 1)
	require.Equal(t, uint64(1), host.applied[0].blockID)
	require.Equal(t, uint64(1), host.LastBlockID())
}

// Any divergence other than the database leading by one refuses to boot.
func TestBootstrapRejectsDivergentHostHead(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, nil)
	commitTestBlock(t, chain, pending, conf, 1, []byte("ahead"))

	host := &recordingHost{head: 5}
	restarted, _, _ := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, host)
	require.Error(t, restarted.Bootstrap())
	require.Empty(t, host.applied)
}

// A proposal vector for a block past the next one waits until the
// predecessor commits before consensus starts.
func TestConsensusWaitsForPredecessor(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, nil)

	vec := datastructures.NewBooleanProposalVector(conf.NodeCount())
	for idx := uint64(1); idx <= 3; idx++ {
		_, err := vec.Set(idx)
		require.NoError(t, err)
	}

	chain.StartConsensus(2, vec)
	require.Equal(t, 0, chain.MailboxDepth())

	commitTestBlock(t, chain, pending, conf, 1, []byte("predecessor"))
	require.Equal(t, 1, chain.MailboxDepth())
}

// Bootstrap restores the persisted gas price of the committed head.
func TestBootstrapRestoresPrice(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, nil)
	commitTestBlock(t, chain, pending, conf, 1, []byte("priced"))
	require.NoError(t, db.NewPriceDB(storage).SavePrice(1, 2222))

	restarted, _, exit := newBenchChain(t, conf, storage, &captureGossip{}, &stubBroadcaster{}, nil)
	require.NoError(t, restarted.Bootstrap())
	t.Cleanup(func() {
		exit.Store(true)
		restarted.RequestExit()
		restarted.Wait()
	})

	require.Equal(t, uint64(2222), restarted.GasPrice())
}

// Committing a block prunes the persisted outgoing frames for it.
func TestCommitPrunesOutgoingFrames(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	net := &stubBroadcaster{}
	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, net, nil)
	commitTestBlock(t, chain, pending, conf, 1, []byte("pruned after"))

	require.Equal(t, []uint64{1}, net.pruned())
}

// slowFetcher blocks every download until released.
type slowFetcher struct {
	release  chan struct{}
	proposal *datastructures.BlockProposal
}

func (f *slowFetcher) FetchProposal(blockID, proposerIndex uint64, hash []byte) (*datastructures.BlockProposal, error) {
	<-f.release
	return f.proposal, nil
}

// A decision whose winning proposal is missing returns promptly; the
// download runs on its own goroutine and the commit lands once it finishes.
func TestFinalizeFetchesMissingProposalOffDriver(t *testing.T) {
	conf := clusterConfigs(t)[0]
	storage, err := db.OpenMemStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	net := &stubBroadcaster{}
	chain, pending, _ := newBenchChain(t, conf, storage, &captureGossip{}, net, nil)

	tx, err := datastructures.NewTransaction([]byte("decided elsewhere"))
	require.NoError(t, err)
	pending.PushTransaction(tx)
	proposal, err := pending.BuildBlockProposal(conf.SchainID, 1, 2, 102, 0, 0)
	require.NoError(t, err)
	ok, err := chain.hashDB.CheckAndSaveHash(1, 2, proposal.Hash())
	require.NoError(t, err)
	require.True(t, ok)

	fetcher := &slowFetcher{release: make(chan struct{}), proposal: proposal}
	chain.Wire(chain.ConsensusAgent(), net, &captureGossip{}, fetcher, nil)

	start := time.Now()
	chain.FinalizeDecidedAndSignedBlock(1, 2, []byte{9, 9})
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, uint64(0), chain.LastCommittedBlockID())

	close(fetcher.release)
	require.Eventually(t, func() bool {
		return chain.LastCommittedBlockID() == 1
	}, 5*time.Second, 10*time.Millisecond)
}
