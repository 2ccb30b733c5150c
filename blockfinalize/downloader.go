package blockfinalize

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/subchain/config"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/db"
	"github.com/gitzhang10/subchain/messages"
)

// fetchTimeout bounds one fragment-download attempt. The commit is retried
// after the preceding block lands, so a miss here is not fatal.
const fetchTimeout = 10 * time.Second

// FragmentSender sends a fragment request to one peer over the gossip
// plane.
type FragmentSender interface {
	SendFragmentRequest(peerIndex uint64, req *messages.FragmentRequestMsg) error
}

type fetchKey struct {
	blockID       uint64
	proposerIndex uint64
}

type pendingFetch struct {
	hash      []byte
	fragments [][]byte
	have      int
	result    *datastructures.BlockProposal
	done      chan struct{}
}

// BlockFinalizeAgent rebuilds a decided winning proposal this node never
// received, by downloading erasure-coded fragments from peers, and serves
// its own fragment of any proposal it holds.
type BlockFinalizeAgent struct {
	conf       *config.Config
	proposalDB *db.BlockProposalDB
	sender     FragmentSender
	logger     hclog.Logger

	mu      sync.Mutex
	pending map[fetchKey]*pendingFetch
}

func NewBlockFinalizeAgent(conf *config.Config, proposalDB *db.BlockProposalDB,
	sender FragmentSender, logger hclog.Logger) *BlockFinalizeAgent {
	return &BlockFinalizeAgent{
		conf:       conf,
		proposalDB: proposalDB,
		sender:     sender,
		logger:     logger.Named("blockfinalize"),
		pending:    make(map[fetchKey]*pendingFetch),
	}
}

func (a *BlockFinalizeAgent) shardCounts() (int, int) {
	return int(a.conf.Quorum()), int(a.conf.MaxFaulty())
}

// FetchProposal asks every peer for its fragment of the proposal and
// blocks until the proposal is rebuilt and matches the committed hash, or
// the attempt times out.
func (a *BlockFinalizeAgent) FetchProposal(blockID, proposerIndex uint64, hash []byte) (*datastructures.BlockProposal, error) {
	key := fetchKey{blockID: blockID, proposerIndex: proposerIndex}

	a.mu.Lock()
	fetch, ok := a.pending[key]
	if !ok {
		fetch = &pendingFetch{
			hash:      hash,
			fragments: make([][]byte, a.conf.NodeCount()),
			done:      make(chan struct{}),
		}
		a.pending[key] = fetch
	}
	a.mu.Unlock()

	// node i serves fragment i
	for peer := uint64(1); peer <= a.conf.NodeCount(); peer++ {
		if peer == a.conf.SchainIndex {
			continue
		}
		req := &messages.FragmentRequestMsg{
			SenderIndex:   a.conf.SchainIndex,
			BlockID:       blockID,
			ProposerIndex: proposerIndex,
			FragmentIndex: peer,
		}
		if err := a.sender.SendFragmentRequest(peer, req); err != nil {
			a.logger.Debug("fragment request failed", "peer", peer, "block", blockID, "error", err)
		}
	}

	select {
	case <-fetch.done:
	case <-time.After(fetchTimeout):
	}

	a.mu.Lock()
	result := fetch.result
	delete(a.pending, key)
	a.mu.Unlock()

	if result == nil {
		return nil, fmt.Errorf("could not rebuild proposal %d:%d from peer fragments", blockID, proposerIndex)
	}
	return result, nil
}

// HandleFragmentResponse stores one downloaded fragment and tries to
// rebuild the proposal once enough fragments are in.
func (a *BlockFinalizeAgent) HandleFragmentResponse(resp *messages.FragmentResponseMsg) {
	if !resp.Found {
		return
	}
	if resp.FragmentIndex == 0 || resp.FragmentIndex > a.conf.NodeCount() {
		return
	}
	dataShards, parityShards := a.shardCounts()
	key := fetchKey{blockID: resp.BlockID, proposerIndex: resp.ProposerIndex}

	a.mu.Lock()
	defer a.mu.Unlock()

	fetch, ok := a.pending[key]
	if !ok || fetch.result != nil {
		return
	}
	slot := resp.FragmentIndex - 1
	if fetch.fragments[slot] != nil {
		return
	}
	fetch.fragments[slot] = resp.Fragment
	fetch.have++
	if fetch.have < dataShards {
		return
	}

	scratch := make([][]byte, len(fetch.fragments))
	for i, frag := range fetch.fragments {
		if frag != nil {
			scratch[i] = append([]byte(nil), frag...)
		}
	}
	proposal, err := ReconstructProposal(scratch, dataShards, parityShards)
	if err != nil {
		a.logger.Warn("proposal reconstruction failed, waiting for more fragments",
			"block", resp.BlockID, "proposer", resp.ProposerIndex, "error", err)
		return
	}
	if proposal.BlockID != resp.BlockID || proposal.ProposerIndex != resp.ProposerIndex ||
		!bytes.Equal(proposal.Hash(), fetch.hash) {
		a.logger.Warn("reconstructed proposal does not match the committed hash",
			"block", resp.BlockID, "proposer", resp.ProposerIndex)
		return
	}
	fetch.result = proposal
	close(fetch.done)
}

// HandleFragmentRequest serves this node's fragment of a stored proposal.
func (a *BlockFinalizeAgent) HandleFragmentRequest(req *messages.FragmentRequestMsg) *messages.FragmentResponseMsg {
	resp := &messages.FragmentResponseMsg{
		SenderIndex:   a.conf.SchainIndex,
		BlockID:       req.BlockID,
		ProposerIndex: req.ProposerIndex,
		FragmentIndex: req.FragmentIndex,
	}
	proposal, err := a.proposalDB.GetProposal(req.BlockID, req.ProposerIndex)
	if err != nil || proposal == nil {
		return resp
	}
	dataShards, parityShards := a.shardCounts()
	frag, err := Fragment(proposal, req.FragmentIndex, dataShards, parityShards)
	if err != nil {
		a.logger.Warn("could not encode proposal fragment",
			"block", req.BlockID, "index", req.FragmentIndex, "error", err)
		return resp
	}
	resp.Found = true
	resp.Fragment = frag
	return resp
}
