package chains

import (
	"fmt"
	"os"
	"time"

	"github.com/gitzhang10/subchain/datastructures"
)

// ExitCodeStuck is the process exit code when the health check gives up.
const ExitCodeStuck = 110

// Health-check file states.
const (
	HealthStateStarting = "1"
	HealthStateHealthy  = "2"
	HealthStateStuck    = "0"
)

// FinalizeDecidedAndSignedBlock receives the consensus outcome: the winning
// proposer and the threshold signature over the decision. A missing winning
// proposal is downloaded off the caller's goroutine so the driver keeps
// processing.
func (s *Schain) FinalizeDecidedAndSignedBlock(blockID, proposerIndex uint64, thresholdSig []byte) {
	last := s.lastCommittedID.Load()
	if blockID <= last {
		return
	}
	if blockID > last+1 {
		// decisions are applied in order; hold this one until the gap fills
		s.stateMu.Lock()
		s.pendingCommits[blockID] = pendingCommit{proposerIndex: proposerIndex, thresholdSig: thresholdSig}
		s.stateMu.Unlock()
		return
	}

	proposal, err := s.proposalDB.GetProposal(blockID, proposerIndex)
	if err != nil {
		s.logger.Error("could not load winning proposal", "block", blockID, "error", err)
		return
	}

	if proposal == nil {
		// the proposal never reached this node; remember the decision and
		// let the download, the proposal gossip or catch-up resolve it
		s.logger.Info("decision arrived before the winning proposal",
			"block", blockID, "proposer", proposerIndex)
		s.stateMu.Lock()
		s.pendingCommits[blockID] = pendingCommit{proposerIndex: proposerIndex, thresholdSig: thresholdSig}
		s.stateMu.Unlock()
		s.startProposalFetch(blockID, proposerIndex)
		return
	}

	b, err := datastructures.NewCommittedBlock(proposal, thresholdSig)
	if err != nil {
		s.logger.Error("could not seal committed block", "block", blockID, "error", err)
		return
	}
	s.ProcessCommittedBlock(b)
}

// startProposalFetch downloads the decided winning proposal from peers on
// its own goroutine; the commit resumes through the pending-commit path
// once the proposal is stored.
func (s *Schain) startProposalFetch(blockID, proposerIndex uint64) {
	if s.fetcher == nil {
		return
	}
	hash, err := s.hashDB.GetHash(blockID, proposerIndex)
	if err != nil || hash == nil {
		return
	}

	s.stateMu.Lock()
	if s.fetching[blockID] {
		s.stateMu.Unlock()
		return
	}
	s.fetching[blockID] = true
	s.stateMu.Unlock()

	go func() {
		proposal, err := s.fetcher.FetchProposal(blockID, proposerIndex, hash)

		s.stateMu.Lock()
		delete(s.fetching, blockID)
		s.stateMu.Unlock()

		if err != nil {
			s.logger.Warn("could not fetch winning proposal from peers",
				"block", blockID, "proposer", proposerIndex, "error", err)
			return
		}
		if err := s.proposalDB.SaveProposal(proposal); err != nil {
			s.logger.Error("could not store downloaded proposal", "block", blockID, "error", err)
			return
		}
		s.maybeResolvePendingCommit(blockID, proposerIndex)
	}()
}

// maybeResolvePendingCommit retries a stashed decision once its winning
// proposal shows up.
func (s *Schain) maybeResolvePendingCommit(blockID, proposerIndex uint64) {
	s.stateMu.Lock()
	pending, ok := s.pendingCommits[blockID]
	if !ok || pending.proposerIndex != proposerIndex {
		s.stateMu.Unlock()
		return
	}
	delete(s.pendingCommits, blockID)
	s.stateMu.Unlock()

	s.FinalizeDecidedAndSignedBlock(blockID, pending.proposerIndex, pending.thresholdSig)
}

// ProcessCommittedBlock persists the block and advances the chain: prune the
// consensus state and the outgoing-message store, drop the block's
// transactions from the queue, and update the gas price.
func (s *Schain) ProcessCommittedBlock(b *datastructures.CommittedBlock) {
	s.commitMu.Lock()
	applied := s.applyCommittedBlock(b)
	s.commitMu.Unlock()
	if !applied {
		return
	}

	// the next block's proposal vector may have filled while this one was
	// still in flight
	s.stateMu.Lock()
	vec, vecReady := s.pendingVectors[b.BlockID+1]
	if vecReady {
		delete(s.pendingVectors, b.BlockID+1)
	}
	s.stateMu.Unlock()
	if vecReady {
		s.StartConsensus(b.BlockID+1, vec)
	}

	// a decision for the next block may already be waiting
	s.stateMu.Lock()
	next, ok := s.pendingCommits[b.BlockID+1]
	if ok {
		delete(s.pendingCommits, b.BlockID+1)
	}
	s.stateMu.Unlock()
	if ok {
		s.FinalizeDecidedAndSignedBlock(b.BlockID+1, next.proposerIndex, next.thresholdSig)
	}
}

func (s *Schain) applyCommittedBlock(b *datastructures.CommittedBlock) bool {
	if b.BlockID != s.lastCommittedID.Load()+1 {
		return false
	}
	if err := s.blockDB.SaveBlock(b); err != nil {
		s.logger.Error("could not persist committed block", "block", b.BlockID, "error", err)
		return false
	}

	txCount := b.TransactionCount()
	s.lastCommittedID.Store(b.BlockID)
	s.totalTxCommitted.Add(uint64(txCount))

	s.stateMu.Lock()
	s.lastCommittedSec = b.TimeStamp
	s.lastCommittedMs = b.TimeStampMs
	s.lastCommitWallTime = time.Now()
	delete(s.pendingCommits, b.BlockID)
	delete(s.pendingVectors, b.BlockID)
	delete(s.consensusStarted, b.BlockID)
	s.stateMu.Unlock()

	s.pending.RegisterCommittedBlock(b)
	s.consensus.PruneCommitted(b.BlockID)
	if err := s.net.PruneOutgoing(b.BlockID); err != nil {
		s.logger.Error("could not prune outgoing frames", "block", b.BlockID, "error", err)
	}

	price := uint64(0)
	if s.pricer != nil {
		price = s.pricer.OnBlockCommitted(b)
	}
	if s.host != nil {
		s.host.ApplyCommittedBlock(b, price)
	}

	s.logger.Info("block committed",
		"block", b.BlockID,
		"proposer", b.ProposerIndex,
		"txs", txCount,
		"timestamp", b.TimeStamp,
		"price", price,
		"queue", s.pending.Size())
	return true
}

// BlockCommitsArrivedThroughCatchup ingests a contiguous run of committed
// blocks downloaded from a peer. Every threshold signature is verified
// before a block is accepted.
func (s *Schain) BlockCommitsArrivedThroughCatchup(list *datastructures.CommittedBlockList) {
	blocks := list.Blocks()
	if len(blocks) == 0 {
		return
	}

	s.net.SetCatchingUp(true)
	defer s.net.SetCatchingUp(false)

	for _, b := range blocks {
		if b.BlockID != s.lastCommittedID.Load()+1 {
			continue
		}
		if err := s.crypto.VerifyBlockSig(b.BlockID, b.ProposerIndex, b.ThresholdSig); err != nil {
			s.logger.Warn("rejecting catch-up block with bad signature",
				"block", b.BlockID, "error", err)
			return
		}
		s.ProcessCommittedBlock(b)
	}
}

// GetCommittedBlocksFrom serves the catch-up of a lagging peer.
func (s *Schain) GetCommittedBlocksFrom(startID uint64, maxBlocks int) (*datastructures.CommittedBlockList, error) {
	last := s.lastCommittedID.Load()
	var blocks []*datastructures.CommittedBlock
	for id := startID; id <= last && len(blocks) < maxBlocks; id++ {
		b, err := s.blockDB.GetBlock(id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	return datastructures.NewCommittedBlockList(blocks)
}

// Stats is a point-in-time snapshot of the chain's progress.
type Stats struct {
	LastCommittedBlockID uint64
	TotalTxCommitted     uint64
	PendingQueueSize     int
	MailboxDepth         int
	SecondsSinceCommit   float64
}

func (s *Schain) Stats() Stats {
	s.stateMu.Lock()
	since := time.Since(s.lastCommitWallTime).Seconds()
	s.stateMu.Unlock()
	return Stats{
		LastCommittedBlockID: s.lastCommittedID.Load(),
		TotalTxCommitted:     s.totalTxCommitted.Load(),
		PendingQueueSize:     s.pending.Size(),
		MailboxDepth:         s.MailboxDepth(),
		SecondsSinceCommit:   since,
	}
}

// StartHealthCheck writes the health file through the chain's life: starting
// at boot, healthy once blocks commit, stuck when no block commits within
// the timeout. A stuck chain requests process exit with code 110 so the
// supervisor restarts the node.
func (s *Schain) StartHealthCheck(healthFile string, onStuck func()) {
	if healthFile == "" {
		return
	}
	s.writeHealthFile(healthFile, HealthStateStarting)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timeout := time.Duration(s.conf.HealthCheckTimeoutSec) * time.Second
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for range ticker.C {
			if s.exitRequested.Load() {
				return
			}
			s.stateMu.Lock()
			idle := time.Since(s.lastCommitWallTime)
			s.stateMu.Unlock()

			if idle > timeout {
				s.logger.Error("no block committed within the health timeout",
					"idle-seconds", idle.Seconds(), "timeout-seconds", timeout.Seconds())
				s.writeHealthFile(healthFile, HealthStateStuck)
				onStuck()
				return
			}
			if s.lastCommittedID.Load() > 0 {
				s.writeHealthFile(healthFile, HealthStateHealthy)
			}
		}
	}()
}

func (s *Schain) writeHealthFile(path, state string) {
	if err := os.WriteFile(path, []byte(state), 0o644); err != nil {
		s.logger.Error(fmt.Sprintf("could not write health file %s", path), "error", err)
	}
}
