package chains

import (
	"bytes"
	"time"

	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/messages"
)

// proposeLoop builds and gossips this node's proposal for the next block. A
// proposal goes out as soon as transactions are pending, or after the empty
// block interval on an idle chain.
func (s *Schain) proposeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if s.exitRequested.Load() {
			return
		}

		nextID := s.lastCommittedID.Load() + 1
		s.stateMu.Lock()
		alreadyProposed := s.proposedBlockID >= nextID
		idleSince := s.lastCommitWallTime
		s.stateMu.Unlock()
		if alreadyProposed {
			continue
		}

		emptyInterval := time.Duration(s.conf.EmptyBlockIntervalMs) * time.Millisecond
		if s.pending.Size() == 0 && time.Since(idleSince) < emptyInterval {
			continue
		}

		if err := s.ProposeNextBlock(nextID); err != nil {
			s.logger.Error("could not propose block", "block", nextID, "error", err)
		}
	}
}

// ProposeNextBlock builds, persists and gossips this node's proposal for the
// block. Re-proposing after a restart reuses the stored proposal so the hash
// this node committed to never changes.
func (s *Schain) ProposeNextBlock(blockID uint64) error {
	proposal, err := s.proposalDB.GetProposal(blockID, s.conf.SchainIndex)
	if err != nil {
		return err
	}

	if proposal == nil {
		s.stateMu.Lock()
		prevSec, prevMs := s.lastCommittedSec, s.lastCommittedMs
		s.stateMu.Unlock()

		proposal, err = s.pending.BuildBlockProposal(s.conf.SchainID, blockID,
			s.conf.SchainIndex, s.conf.NodeID, prevSec, prevMs)
		if err != nil {
			return err
		}
		s.crypto.SignProposal(proposal)

		ok, err := s.hashDB.CheckAndSaveHash(blockID, s.conf.SchainIndex, proposal.Hash())
		if err != nil {
			return err
		}
		if !ok {
			// a pre-crash proposal hash is already on record; the stored
			// proposal must exist, refuse to equivocate
			s.logger.Error("own proposal hash conflicts with the recorded one", "block", blockID)
			return nil
		}
		if err := s.proposalDB.SaveProposal(proposal); err != nil {
			return err
		}
	}

	s.stateMu.Lock()
	if s.proposedBlockID < blockID {
		s.proposedBlockID = blockID
	}
	s.stateMu.Unlock()

	s.logger.Info("proposing block", "block", blockID,
		"txs", proposal.TransactionCount(), "hash", proposal.HashHex())
	s.gossip.BroadcastProposal(proposal)

	// the proposer is one of the 2f+1 attesters of its own proposal
	share := s.crypto.SignDAShare(blockID, s.conf.SchainIndex, proposal.Hash())
	s.DaProofSigShareArrived(share)
	return nil
}

// ProposedBlockArrived handles a proposal gossiped by a peer: record the
// hash commitment, store the proposal and send our DA share back to the
// proposer.
func (s *Schain) ProposedBlockArrived(p *datastructures.BlockProposal) {
	if p.SchainID != s.conf.SchainID || p.BlockID == 0 ||
		p.ProposerIndex == 0 || p.ProposerIndex > s.conf.NodeCount() {
		s.logger.Warn("dropping malformed proposal", "block", p.BlockID, "proposer", p.ProposerIndex)
		return
	}
	if p.ProposerIndex == s.conf.SchainIndex {
		return
	}
	if p.BlockID <= s.lastCommittedID.Load() {
		return
	}
	if err := s.crypto.VerifyProposalSig(p); err != nil {
		s.logger.Warn("dropping proposal with bad signature",
			"block", p.BlockID, "proposer", p.ProposerIndex, "error", err)
		return
	}

	ok, err := s.hashDB.CheckAndSaveHash(p.BlockID, p.ProposerIndex, p.Hash())
	if err != nil {
		s.logger.Error("could not record proposal hash", "error", err)
		return
	}
	if !ok {
		// the proposer equivocated; the first hash stands
		s.logger.Warn("proposer sent a conflicting proposal",
			"block", p.BlockID, "proposer", p.ProposerIndex)
		return
	}
	if err := s.proposalDB.SaveProposal(p); err != nil {
		s.logger.Error("could not store proposal", "error", err)
		return
	}

	share := s.crypto.SignDAShare(p.BlockID, p.ProposerIndex, p.Hash())
	s.gossip.SendDAShare(share, p.ProposerIndex)
	s.maybeResolvePendingCommit(p.BlockID, p.ProposerIndex)
}

// DaProofSigShareArrived handles a DA share sent back to this node as the
// proposer. At quorum the shares aggregate into the proposal's DA proof,
// which is gossiped to everyone.
func (s *Schain) DaProofSigShareArrived(share *datastructures.DAProofShare) {
	if share.SignerIndex != s.conf.SchainIndex {
		if err := s.crypto.VerifyDAShare(share); err != nil {
			s.logger.Warn("dropping bad DA share",
				"block", share.BlockID, "signer", share.SignerIndex, "error", err)
			return
		}
	}

	// shares must cover the hash this node actually proposed
	recorded, err := s.hashDB.GetHash(share.BlockID, share.ProposerIndex)
	if err != nil || recorded == nil || !bytes.Equal(recorded, share.Hash) {
		s.logger.Warn("dropping DA share for an unknown proposal hash",
			"block", share.BlockID, "signer", share.SignerIndex)
		return
	}

	shares, ready, err := s.daShareDB.AddShare(share)
	if err != nil {
		s.logger.Error("could not store DA share", "error", err)
		return
	}
	if !ready {
		return
	}

	proof, err := s.crypto.AggregateDAProof(shares)
	if err != nil {
		s.logger.Error("could not aggregate DA proof", "block", share.BlockID, "error", err)
		return
	}
	s.logger.Debug("DA proof assembled", "block", proof.BlockID, "proposer", proof.ProposerIndex)
	s.gossip.BroadcastDAProof(proof)
	s.DaProofArrived(proof)
}

// DaProofArrived handles a DA proof, locally assembled or gossiped. The
// proof flips the proposer's bit in the block's proposal vector; at 2f+1
// bits consensus starts.
func (s *Schain) DaProofArrived(proof *datastructures.DAProof) {
	if err := s.crypto.VerifyDAProof(proof); err != nil {
		s.logger.Warn("dropping bad DA proof",
			"block", proof.BlockID, "proposer", proof.ProposerIndex, "error", err)
		return
	}
	if proof.BlockID <= s.lastCommittedID.Load() {
		return
	}

	vector, reachedQuorum, err := s.daProofDB.AddDAProof(proof, s.vectorDB, s.conf.NodeCount())
	if err != nil {
		s.logger.Error("could not store DA proof", "error", err)
		return
	}
	if !reachedQuorum {
		return
	}
	s.StartConsensus(proof.BlockID, vector)
}

// StartConsensus posts the consensus-start envelope for the block. Consensus
// runs strictly in order: a vector for a block past the next one is stashed
// until its predecessor commits. The driver goroutine launches the N child
// instances from the vector.
func (s *Schain) StartConsensus(blockID uint64, vector *datastructures.BooleanProposalVector) {
	last := s.lastCommittedID.Load()
	if blockID <= last {
		return
	}
	if blockID > last+1 {
		s.stateMu.Lock()
		s.pendingVectors[blockID] = vector
		s.stateMu.Unlock()
		s.logger.Info("holding proposal vector until the predecessor commits",
			"block", blockID, "last-committed", last)
		return
	}

	s.stateMu.Lock()
	if s.consensusStarted[blockID] {
		s.stateMu.Unlock()
		return
	}
	s.consensusStarted[blockID] = true
	s.stateMu.Unlock()

	s.logger.Info("proposal vector reached quorum", "block", blockID, "vector", vector.String())
	s.PostMessage(messages.NewProposalEnvelope(blockID, vector.String()))
}
