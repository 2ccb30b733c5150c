/*
Package catchup downloads committed blocks a node missed while it was down
or partitioned, and serves the same to lagging peers.
*/
package catchup

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/messages"
)

// MaxBlocksPerResponse bounds one catchup answer so a far-behind node
// downloads the chain in chunks.
const MaxBlocksPerResponse = 128

// Chain is the slice of the schain the catchup agent needs.
type Chain interface {
	LastCommittedBlockID() uint64
	BlockCommitsArrivedThroughCatchup(list *datastructures.CommittedBlockList)
	GetCommittedBlocksFrom(startID uint64, maxBlocks int) (*datastructures.CommittedBlockList, error)
}

// RequestSender sends a catchup request to one peer over the gossip plane.
type RequestSender interface {
	SendCatchupRequest(peerIndex, startBlockID uint64) error
}

// CatchupAgent polls a random peer for blocks past the local head. Every
// node runs it all the time; an up-to-date node just gets empty answers.
type CatchupAgent struct {
	conf          *config.Config
	chain         Chain
	sender        RequestSender
	exitRequested *atomic.Bool
	logger        hclog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand

	wg sync.WaitGroup
}

func NewCatchupAgent(conf *config.Config, chain Chain, sender RequestSender,
	exitRequested *atomic.Bool, logger hclog.Logger) *CatchupAgent {
	return &CatchupAgent{
		conf:          conf,
		chain:         chain,
		sender:        sender,
		exitRequested: exitRequested,
		logger:        logger.Named("catchup"),
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *CatchupAgent) Start() {
	a.wg.Add(1)
	go a.loop()
}

func (a *CatchupAgent) Wait() {
	a.wg.Wait()
}

func (a *CatchupAgent) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Duration(a.conf.CatchupIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if a.exitRequested.Load() {
			return
		}
		peer := a.RandomPeer()
		start := a.chain.LastCommittedBlockID() + 1
		if err := a.sender.SendCatchupRequest(peer, start); err != nil {
			a.logger.Debug("catchup request failed", "peer", peer, "error", err)
		}
	}
}

// RandomPeer picks a peer index other than our own.
func (a *CatchupAgent) RandomPeer() uint64 {
	a.rndMu.Lock()
	defer a.rndMu.Unlock()
	for {
		peer := uint64(a.rnd.Intn(int(a.conf.NodeCount()))) + 1
		if peer != a.conf.SchainIndex {
			return peer
		}
	}
}

// HandleRequest answers a peer's catchup request from local storage. A nil
// response means there is nothing to send.
func (a *CatchupAgent) HandleRequest(req *messages.CatchupRequestMsg) *messages.CatchupResponseMsg {
	list, err := a.chain.GetCommittedBlocksFrom(req.StartBlockID, MaxBlocksPerResponse)
	if err != nil {
		a.logger.Error("could not read blocks for catchup",
			"peer", req.SenderIndex, "start", req.StartBlockID, "error", err)
		return nil
	}
	if list == nil || len(list.Blocks()) == 0 {
		return nil
	}
	return &messages.CatchupResponseMsg{
		SenderIndex: a.conf.SchainIndex,
		Blocks:      list.Serialize(),
	}
}

// HandleResponse ingests downloaded blocks. Signature verification happens
// in the chain per block.
func (a *CatchupAgent) HandleResponse(resp *messages.CatchupResponseMsg) {
	list, err := datastructures.DeserializeCommittedBlockList(resp.Blocks)
	if err != nil {
		a.logger.Warn("dropping malformed catchup response",
			"peer", resp.SenderIndex, "error", err)
		return
	}
	blocks := list.Blocks()
	if len(blocks) == 0 {
		return
	}
	a.logger.Info("catchup blocks arrived", "peer", resp.SenderIndex,
		"first", blocks[0].BlockID, "count", len(blocks))
	a.chain.BlockCommitsArrivedThroughCatchup(list)
}
