/*
Package monitoring logs chain progress and warns when block production
stalls.
*/
package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/chains"
	"github.com/gitzhang10/subchain/config"
)

// StatsSource is the chain snapshot the agent watches.
type StatsSource interface {
	Stats() chains.Stats
}

// MonitoringAgent periodically snapshots the chain and complains when no
// block has committed for longer than the stall threshold.
type MonitoringAgent struct {
	conf          *config.Config
	chain         StatsSource
	exitRequested *atomic.Bool
	logger        hclog.Logger
	wg            sync.WaitGroup
}

func NewMonitoringAgent(conf *config.Config, chain StatsSource,
	exitRequested *atomic.Bool, logger hclog.Logger) *MonitoringAgent {
	return &MonitoringAgent{
		conf:          conf,
		chain:         chain,
		exitRequested: exitRequested,
		logger:        logger.Named("monitoring"),
	}
}

// StallThreshold is twice the empty-block interval, floored at 3 seconds:
// an idle healthy chain still commits an empty block every interval.
func (a *MonitoringAgent) StallThreshold() time.Duration {
	threshold := 2 * time.Duration(a.conf.EmptyBlockIntervalMs) * time.Millisecond
	if threshold < 3*time.Second {
		threshold = 3 * time.Second
	}
	return threshold
}

func (a *MonitoringAgent) Start() {
	a.wg.Add(1)
	go a.loop()
}

func (a *MonitoringAgent) Wait() {
	a.wg.Wait()
}

func (a *MonitoringAgent) loop() {
	defer a.wg.Done()
	interval := time.Duration(a.conf.MonitoringIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	threshold := a.StallThreshold()
	for range ticker.C {
		if a.exitRequested.Load() {
			return
		}
		stats := a.chain.Stats()
		a.logger.Debug("chain status",
			"block", stats.LastCommittedBlockID,
			"total-txs", stats.TotalTxCommitted,
			"queue", stats.PendingQueueSize,
			"mailbox", stats.MailboxDepth)

		if stats.SecondsSinceCommit > threshold.Seconds() {
			a.logger.Warn("block production is stalled",
				"block", stats.LastCommittedBlockID,
				"seconds-since-commit", stats.SecondsSinceCommit)
		}
	}
}
