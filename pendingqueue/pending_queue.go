/*
Package pendingqueue holds the transactions waiting for inclusion in a block
proposal.
*/
package pendingqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/datastructures"
)

// knownTxCap bounds the duplicate-suppression cache. Entries are evicted
// oldest first once the cap is hit, so a very old duplicate can re-enter the
// queue; consensus-level dedup is not this agent's job.
const knownTxCap = 1 << 20

// PendingTransactionsAgent is the mempool of one schain node. Transactions
// are queued in arrival order and deduplicated by partial hash.
type PendingTransactionsAgent struct {
	mu        sync.Mutex
	queue     *list.List // of *datastructures.Transaction
	known     map[string]*list.Element
	knownAge  *list.List // of string, eviction order
	batchSize int
	logger    hclog.Logger
}

func NewPendingTransactionsAgent(batchSize int, logger hclog.Logger) *PendingTransactionsAgent {
	return &PendingTransactionsAgent{
		queue:     list.New(),
		known:     make(map[string]*list.Element),
		knownAge:  list.New(),
		batchSize: batchSize,
		logger:    logger.Named("pending-queue"),
	}
}

// PushTransaction queues a transaction unless its partial hash was seen
// recently. Reports whether the transaction was accepted.
func (a *PendingTransactionsAgent) PushTransaction(tx *datastructures.Transaction) bool {
	key := string(tx.PartialHash())

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, seen := a.known[key]; seen {
		return false
	}
	elem := a.queue.PushBack(tx)
	a.known[key] = elem
	a.knownAge.PushBack(key)

	for len(a.known) > knownTxCap {
		oldest := a.knownAge.Front()
		a.knownAge.Remove(oldest)
		oldKey := oldest.Value.(string)
		if elem, ok := a.known[oldKey]; ok {
			delete(a.known, oldKey)
			if elem != nil {
				a.queue.Remove(elem)
			}
		}
	}
	return true
}

// Size returns the number of queued transactions.
func (a *PendingTransactionsAgent) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Len()
}

// BuildBlockProposal drains up to the batch size of pending transactions
// into a proposal for the given block. The proposal timestamp is the current
// time, but never at or before the previous block's timestamp; an idle chain
// with a fast clock gets the previous timestamp advanced by one millisecond.
func (a *PendingTransactionsAgent) BuildBlockProposal(schainID, blockID, proposerIndex, proposerNodeID uint64,
	prevSec uint64, prevMs uint32) (*datastructures.BlockProposal, error) {

	a.mu.Lock()
	var items []*datastructures.Transaction
	for a.queue.Len() > 0 && len(items) < a.batchSize {
		front := a.queue.Front()
		tx := front.Value.(*datastructures.Transaction)
		a.queue.Remove(front)
		a.known[string(tx.PartialHash())] = nil
		items = append(items, tx)
	}
	a.mu.Unlock()

	now := time.Now()
	sec := uint64(now.Unix())
	ms := uint32(now.Nanosecond() / 1e6)
	if sec < prevSec || (sec == prevSec && ms <= prevMs) {
		sec, ms = datastructures.NextTimeStamp(prevSec, prevMs)
	}

	list, err := datastructures.NewTransactionList(items)
	if err != nil {
		return nil, err
	}
	return datastructures.NewBlockProposal(schainID, blockID, proposerIndex, proposerNodeID, sec, ms, list)
}

// RegisterCommittedBlock drops the block's transactions from the queue. The
// winning proposal usually came from another node, so its transactions may
// still sit here.
func (a *PendingTransactionsAgent) RegisterCommittedBlock(b *datastructures.CommittedBlock) {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for _, tx := range b.TransactionList().Items() {
		key := string(tx.PartialHash())
		if elem, ok := a.known[key]; ok && elem != nil {
			a.queue.Remove(elem)
			a.known[key] = nil
			removed++
		}
	}
	if removed > 0 {
		a.logger.Debug("removed committed transactions from the queue",
			"block", b.BlockID, "count", removed)
	}
}
