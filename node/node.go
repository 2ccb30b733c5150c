/*
Package node assembles one schain node: storage, crypto, the pending
queue, the consensus engine and both network planes, wired together and
run as one process.
*/
package node

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/blockfinalize"
	"github.com/gitzhang10/subchain/catchup"
	"github.com/gitzhang10/subchain/chains"
	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/conn"
	"github.com/gitzhang10/subchain/crypto"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/db"
	"github.com/gitzhang10/subchain/messages"
	"github.com/gitzhang10/subchain/monitoring"
	"github.com/gitzhang10/subchain/network"
	"github.com/gitzhang10/subchain/pendingqueue"
	"github.com/gitzhang10/subchain/pricing"
	"github.com/gitzhang10/subchain/protocols/blockconsensus"
)

const gossipDialTimeout = 2 * time.Second

// Node is one running member of a schain.
type Node struct {
	conf   *config.Config
	logger hclog.Logger

	storage   *db.Storage
	crypto    *crypto.CryptoManager
	pending   *pendingqueue.PendingTransactionsAgent
	chain     *chains.Schain
	consensus *blockconsensus.BlockConsensusAgent
	net       *network.Network
	finalize  *blockfinalize.BlockFinalizeAgent
	catchup   *catchup.CatchupAgent
	monitor   *monitoring.MonitoringAgent

	gossipTrans    *conn.NetworkTransport
	frameTransport *network.TCPTransport

	exitRequested *atomic.Bool
	quit          chan struct{}

	// OnStuck runs when the health check declares the chain stuck.
	OnStuck func()
}

// NewNode builds and wires a node from its configuration. The host is the
// embedding application receiving committed blocks; nil runs the engine
// standalone. Nothing runs until Start.
func NewNode(conf *config.Config, host chains.HostExecutor) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "subchain",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	var storage *db.Storage
	var err error
	if conf.DataDir != "" {
		storage, err = db.OpenStorage(filepath.Join(conf.DataDir, "storage"))
	} else {
		storage, err = db.OpenMemStorage()
	}
	if err != nil {
		return nil, err
	}

	n := &Node{
		conf:          conf,
		logger:        logger,
		storage:       storage,
		exitRequested: &atomic.Bool{},
		quit:          make(chan struct{}),
	}

	n.crypto = crypto.NewCryptoManager(conf)
	n.pending = pendingqueue.NewPendingTransactionsAgent(conf.BatchSize, logger)
	pricer := pricing.NewPricingAgent(conf.BasePrice, conf.BatchSize, db.NewPriceDB(storage), logger)
	n.chain = chains.NewSchain(conf, n.crypto, storage, n.pending, pricer, n.exitRequested, logger)

	// the node itself fronts the consensus-frame broadcaster so the agent
	// can be built before the network
	n.consensus = blockconsensus.NewBlockConsensusAgent(conf, n.crypto, n,
		n.chain.PostMessage, n.chain, logger)

	consensusTransport, err := network.NewTCPTransport(
		fmt.Sprintf("0.0.0.0:%d", conf.Self().ConsensusPort), gossipDialTimeout, conf.MaxPool, logger)
	if err != nil {
		storage.Close()
		return nil, err
	}
	n.frameTransport = consensusTransport
	n.net = network.NewNetwork(conf, consensusTransport, db.NewOutgoingMsgDB(storage),
		n.chain, n.consensus, n.chain, n.exitRequested, logger)

	n.gossipTrans, err = conn.NewTCPTransport(
		fmt.Sprintf("0.0.0.0:%d", conf.Self().GossipPort), gossipDialTimeout,
		nil, conf.MaxPool, messages.GossipReflectedTypes())
	if err != nil {
		consensusTransport.Close()
		storage.Close()
		return nil, err
	}

	n.finalize = blockfinalize.NewBlockFinalizeAgent(conf, db.NewBlockProposalDB(storage), n, logger)
	n.catchup = catchup.NewCatchupAgent(conf, n.chain, n, n.exitRequested, logger)
	n.monitor = monitoring.NewMonitoringAgent(conf, n.chain, n.exitRequested, logger)

	n.chain.Wire(n.consensus, n.net, n, n.finalize, host)
	return n, nil
}

// BroadcastMessage forwards a consensus frame to the network plane.
func (n *Node) BroadcastMessage(msg *messages.NetworkMessage) error {
	return n.net.BroadcastMessage(msg)
}

// Start brings up both network planes and every agent, and recovers the
// chain state from storage.
func (n *Node) Start() error {
	n.logger.Info("node starting", "name", n.conf.Name,
		"schain", n.conf.SchainID, "index", n.conf.SchainIndex,
		"nodes", n.conf.NodeCount())

	n.net.Start()
	go n.gossipLoop()

	if err := n.chain.Bootstrap(); err != nil {
		return err
	}
	n.catchup.Start()
	n.monitor.Start()
	n.chain.StartHealthCheck(n.conf.HealthCheckFile, func() {
		if n.OnStuck != nil {
			n.OnStuck()
		}
	})
	return nil
}

// Wait blocks until the node has shut down after RequestExit.
func (n *Node) Wait() {
	n.chain.Wait()
	n.catchup.Wait()
	n.monitor.Wait()
}

// RequestExit asks every loop to stop and closes both transports.
func (n *Node) RequestExit() {
	if !n.exitRequested.CompareAndSwap(false, true) {
		return
	}
	n.logger.Info("node exit requested")
	close(n.quit)
	n.chain.RequestExit()
	n.gossipTrans.Close()
	n.frameTransport.Close()
	n.storage.Close()
}

// PushTransaction hands a transaction from the host to the pending queue.
func (n *Node) PushTransaction(data []byte) error {
	tx, err := datastructures.NewTransaction(data)
	if err != nil {
		return err
	}
	n.pending.PushTransaction(tx)
	return nil
}

// ExitRequested reports whether shutdown has begun.
func (n *Node) ExitRequested() bool {
	return n.exitRequested.Load()
}

// Chain exposes the schain, mostly for tests and tooling.
func (n *Node) Chain() *chains.Schain {
	return n.chain
}
