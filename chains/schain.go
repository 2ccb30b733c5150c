/*
Package chains implements the per-chain driver: the mailbox every consensus
envelope flows through, block proposing, the DA-proof pipeline, commit
processing, catch-up ingestion and the health check.
*/
package chains

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/crypto"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/db"
	"github.com/gitzhang10/subchain/messages"
	"github.com/gitzhang10/subchain/pendingqueue"
	"github.com/gitzhang10/subchain/pricing"
	"github.com/gitzhang10/subchain/protocols/blockconsensus"
)

// GossipSender sends proposal-pipeline messages over the gossip plane.
type GossipSender interface {
	BroadcastProposal(p *datastructures.BlockProposal)
	SendDAShare(share *datastructures.DAProofShare, proposerIndex uint64)
	BroadcastDAProof(proof *datastructures.DAProof)
}

// Broadcaster is the consensus-frame outbound surface the driver needs.
type Broadcaster interface {
	BroadcastMessage(msg *messages.NetworkMessage) error
	RebroadcastSavedMessages(fromBlock uint64) error
	PruneOutgoing(belowBlockID uint64) error
	SetCatchingUp(v bool)
}

// HostExecutor is the embedding application: it reports its applied head at
// bootstrap and consumes every committed block in order, together with the
// gas price in force after the block. The engine never executes
// transactions itself.
type HostExecutor interface {
	LastBlockID() uint64
	ApplyCommittedBlock(b *datastructures.CommittedBlock, price uint64)
}

// ProposalFetcher retrieves a missing winning proposal from peers, used when
// this node never received the proposal the chain decided on.
type ProposalFetcher interface {
	FetchProposal(blockID, proposerIndex uint64, hash []byte) (*datastructures.BlockProposal, error)
}

// pendingCommit is a decision whose winning proposal is not held locally
// yet.
type pendingCommit struct {
	proposerIndex uint64
	thresholdSig  []byte
}

// Schain drives one chain on one node. All consensus processing runs on the
// driver goroutine fed by the mailbox; the gossip handlers and loops touch
// shared state only through the guarded accessors.
type Schain struct {
	conf    *config.Config
	logger  hclog.Logger
	crypto  *crypto.CryptoManager
	gossip  GossipSender
	net     Broadcaster
	fetcher ProposalFetcher
	host    HostExecutor

	blockDB    *db.BlockDB
	proposalDB *db.BlockProposalDB
	hashDB     *db.ProposalHashDB
	vectorDB   *db.ProposalVectorDB
	daShareDB  *db.DASigShareDB
	daProofDB  *db.DAProofDB

	pending   *pendingqueue.PendingTransactionsAgent
	consensus *blockconsensus.BlockConsensusAgent
	pricer    *pricing.PricingAgent

	exitRequested *atomic.Bool

	// mailbox
	mailboxMu   sync.Mutex
	mailboxCond *sync.Cond
	mailbox     []*messages.Envelope

	lastCommittedID atomic.Uint64

	// commitMu serializes block application between the driver, the gossip
	// handlers and catch-up.
	commitMu sync.Mutex

	stateMu            sync.Mutex
	lastCommittedSec   uint64
	lastCommittedMs    uint32
	lastCommitWallTime time.Time
	proposedBlockID    uint64
	pendingCommits     map[uint64]pendingCommit
	pendingVectors     map[uint64]*datastructures.BooleanProposalVector
	fetching           map[uint64]bool
	consensusStarted   map[uint64]bool

	totalTxCommitted atomic.Uint64

	wg sync.WaitGroup
}

func NewSchain(conf *config.Config, cryptoMgr *crypto.CryptoManager, storage *db.Storage,
	pending *pendingqueue.PendingTransactionsAgent, pricer *pricing.PricingAgent,
	exitRequested *atomic.Bool, logger hclog.Logger) *Schain {
	s := &Schain{
		conf:               conf,
		logger:             logger.Named("schain"),
		crypto:             cryptoMgr,
		blockDB:            db.NewBlockDB(storage),
		proposalDB:         db.NewBlockProposalDB(storage),
		hashDB:             db.NewProposalHashDB(storage),
		vectorDB:           db.NewProposalVectorDB(storage),
		daShareDB:          db.NewDASigShareDB(storage, conf.Quorum()),
		daProofDB:          db.NewDAProofDB(storage, conf.Quorum()),
		pending:            pending,
		pricer:             pricer,
		exitRequested:      exitRequested,
		pendingCommits:     make(map[uint64]pendingCommit),
		pendingVectors:     make(map[uint64]*datastructures.BooleanProposalVector),
		fetching:           make(map[uint64]bool),
		consensusStarted:   make(map[uint64]bool),
		lastCommitWallTime: time.Now(),
	}
	s.mailboxCond = sync.NewCond(&s.mailboxMu)
	return s
}

// Wire attaches the collaborators that are constructed after the chain.
func (s *Schain) Wire(consensus *blockconsensus.BlockConsensusAgent, net Broadcaster,
	gossip GossipSender, fetcher ProposalFetcher, host HostExecutor) {
	s.consensus = consensus
	s.net = net
	s.gossip = gossip
	s.fetcher = fetcher
	s.host = host
}

// ConsensusAgent exposes the orchestrator for the deferral ladder.
func (s *Schain) ConsensusAgent() *blockconsensus.BlockConsensusAgent {
	return s.consensus
}

// LastCommittedBlockID implements the committed-block query of the deferral
// ladder.
func (s *Schain) LastCommittedBlockID() uint64 {
	return s.lastCommittedID.Load()
}

// GasPrice reports the gas price currently in force.
func (s *Schain) GasPrice() uint64 {
	if s.pricer == nil {
		return 0
	}
	return s.pricer.Price()
}

// PostMessage queues one envelope for the driver goroutine.
func (s *Schain) PostMessage(env *messages.Envelope) {
	s.mailboxMu.Lock()
	s.mailbox = append(s.mailbox, env)
	s.mailboxMu.Unlock()
	s.mailboxCond.Signal()
}

// Bootstrap restores the chain position from the database, reconciles it
// with the host's head, rebroadcasts the consensus frames persisted for
// uncommitted blocks and starts the driver loops.
func (s *Schain) Bootstrap() error {
	lastID, err := s.blockDB.ReadLastCommittedBlockID()
	if err != nil {
		return err
	}

	// a crash between saving block N+1 and pruning can leave the last id
	// one ahead of a fully processed chain; the saved block is authoritative
	if lastID > 0 {
		b, err := s.blockDB.GetBlock(lastID)
		if err != nil {
			return err
		}
		if b == nil {
			// the id record outran the block write, fall back one
			lastID--
		} else {
			s.stateMu.Lock()
			s.lastCommittedSec = b.TimeStamp
			s.lastCommittedMs = b.TimeStampMs
			s.stateMu.Unlock()
		}
	}
	s.lastCommittedID.Store(lastID)
	s.logger.Info("bootstrapping chain", "last-committed", lastID)

	if s.pricer != nil {
		s.pricer.Restore(lastID)
	}
	if err := s.reconcileHostHead(lastID); err != nil {
		return err
	}

	if err := s.net.RebroadcastSavedMessages(lastID + 1); err != nil {
		return err
	}

	// a proposal vector recorded before the crash restarts consensus for
	// the block in flight
	if vec, err := s.vectorDB.GetVector(lastID + 1); err == nil && vec != nil {
		if enough, err := s.daProofDB.IsEnoughProofs(lastID + 1); err == nil && enough {
			s.StartConsensus(lastID+1, vec)
		}
	}

	s.wg.Add(2)
	go s.driverLoop()
	go s.proposeLoop()
	return nil
}

// reconcileHostHead squares the database head with the head the host
// reports. The database may lead by exactly one block when the process
// crashed after persisting but before the host acknowledged; that block is
// pushed once. Any other divergence is fatal.
func (s *Schain) reconcileHostHead(lastID uint64) error {
	if s.host == nil {
		return nil
	}
	hostHead := s.host.LastBlockID()
	switch {
	case hostHead == lastID:
		return nil
	case hostHead+1 == lastID:
		b, err := s.blockDB.GetBlock(lastID)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("committed block %d is missing from the database", lastID)
		}
		s.logger.Info("pushing the block the host missed", "block", lastID)
		price := uint64(0)
		if s.pricer != nil {
			price = s.pricer.Price()
		}
		s.host.ApplyCommittedBlock(b, price)
		return nil
	default:
		return fmt.Errorf("host head %d diverges from database head %d", hostHead, lastID)
	}
}

// Wait blocks until the driver loops exit.
func (s *Schain) Wait() {
	s.wg.Wait()
}

// driverLoop drains the mailbox into the block-consensus orchestrator.
func (s *Schain) driverLoop() {
	defer s.wg.Done()
	for {
		s.mailboxMu.Lock()
		for len(s.mailbox) == 0 {
			if s.exitRequested.Load() {
				s.mailboxMu.Unlock()
				return
			}
			s.mailboxCond.Wait()
		}
		env := s.mailbox[0]
		s.mailbox = s.mailbox[1:]
		s.mailboxMu.Unlock()

		if s.exitRequested.Load() {
			return
		}
		s.consensus.RouteAndProcessMessage(env)
	}
}

// RequestExit wakes the driver so it can observe the exit flag.
func (s *Schain) RequestExit() {
	s.mailboxCond.Broadcast()
}

// MailboxDepth reports the queued envelope count, for monitoring.
func (s *Schain) MailboxDepth() int {
	s.mailboxMu.Lock()
	defer s.mailboxMu.Unlock()
	return len(s.mailbox)
}
