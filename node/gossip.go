package node

import (
	"fmt"

	"github.com/gitzhang10/subchain/conn"
	"github.com/gitzhang10/subchain/datastructures"
	"github.com/gitzhang10/subchain/messages"
)

// sendGossip signs and sends one gossip message to a peer over a pooled
// connection.
func (n *Node) sendGossip(peerIndex uint64, tag uint8, msg interface{}, signedBytes []byte) error {
	peer := n.conf.NodeByIndex(peerIndex)
	if peer == nil {
		return fmt.Errorf("unknown peer index %d", peerIndex)
	}
	sig := n.crypto.SignGossip(signedBytes)

	netConn, err := n.gossipTrans.GetConn(peer.GossipAddr())
	if err != nil {
		return err
	}
	if err := conn.SendMsg(netConn, tag, msg, sig); err != nil {
		return err
	}
	return n.gossipTrans.ReturnConn(netConn)
}

// BroadcastProposal pushes our proposal to every peer.
func (n *Node) BroadcastProposal(p *datastructures.BlockProposal) {
	msg := &messages.ProposalPushMsg{SenderIndex: n.conf.SchainIndex, Proposal: p.Serialize()}
	signed := msg.SignedBytes()
	for peer := uint64(1); peer <= n.conf.NodeCount(); peer++ {
		if peer == n.conf.SchainIndex {
			continue
		}
		if err := n.sendGossip(peer, messages.ProposalPushTag, msg, signed); err != nil {
			n.logger.Debug("could not push proposal", "peer", peer, "block", p.BlockID, "error", err)
		}
	}
}

// SendDAShare sends our DA signature share back to the proposer.
func (n *Node) SendDAShare(share *datastructures.DAProofShare, proposerIndex uint64) {
	msg := &messages.DAShareMsg{SenderIndex: n.conf.SchainIndex, Share: share.Serialize()}
	if err := n.sendGossip(proposerIndex, messages.DAShareTag, msg, msg.SignedBytes()); err != nil {
		n.logger.Debug("could not send DA share", "peer", proposerIndex, "block", share.BlockID, "error", err)
	}
}

// BroadcastDAProof pushes an aggregated DA proof to every peer.
func (n *Node) BroadcastDAProof(proof *datastructures.DAProof) {
	msg := &messages.DAProofMsg{SenderIndex: n.conf.SchainIndex, Proof: proof.Serialize()}
	signed := msg.SignedBytes()
	for peer := uint64(1); peer <= n.conf.NodeCount(); peer++ {
		if peer == n.conf.SchainIndex {
			continue
		}
		if err := n.sendGossip(peer, messages.DAProofTag, msg, signed); err != nil {
			n.logger.Debug("could not push DA proof", "peer", peer, "block", proof.BlockID, "error", err)
		}
	}
}

// SendCatchupRequest implements the catchup agent's outbound side.
func (n *Node) SendCatchupRequest(peerIndex, startBlockID uint64) error {
	msg := &messages.CatchupRequestMsg{SenderIndex: n.conf.SchainIndex, StartBlockID: startBlockID}
	return n.sendGossip(peerIndex, messages.CatchupRequestTag, msg, msg.SignedBytes())
}

// SendFragmentRequest implements the block-finalize agent's outbound side.
func (n *Node) SendFragmentRequest(peerIndex uint64, req *messages.FragmentRequestMsg) error {
	return n.sendGossip(peerIndex, messages.FragmentRequestTag, req, req.SignedBytes())
}

// gossipLoop dispatches received gossip messages until shutdown.
func (n *Node) gossipLoop() {
	msgCh := n.gossipTrans.MsgChan()
	for {
		select {
		case msgWithSig := <-msgCh:
			n.dispatchGossip(msgWithSig)
		case <-n.quit:
			return
		}
	}
}

func (n *Node) dispatchGossip(msgWithSig conn.MsgWithSig) {
	switch msg := msgWithSig.Msg.(type) {
	case messages.ProposalPushMsg:
		if !n.verifyGossip(msg.SenderIndex, msg.SignedBytes(), msgWithSig.Sig, "proposal") {
			return
		}
		p, err := datastructures.DeserializeBlockProposal(msg.Proposal)
		if err != nil {
			n.logger.Warn("dropping malformed proposal push", "sender", msg.SenderIndex, "error", err)
			return
		}
		go n.chain.ProposedBlockArrived(p)

	case messages.DAShareMsg:
		if !n.verifyGossip(msg.SenderIndex, msg.SignedBytes(), msgWithSig.Sig, "DA share") {
			return
		}
		share, err := datastructures.DeserializeDAProofShare(msg.Share)
		if err != nil {
			n.logger.Warn("dropping malformed DA share", "sender", msg.SenderIndex, "error", err)
			return
		}
		go n.chain.DaProofSigShareArrived(share)

	case messages.DAProofMsg:
		if !n.verifyGossip(msg.SenderIndex, msg.SignedBytes(), msgWithSig.Sig, "DA proof") {
			return
		}
		proof, err := datastructures.DeserializeDAProof(msg.Proof)
		if err != nil {
			n.logger.Warn("dropping malformed DA proof", "sender", msg.SenderIndex, "error", err)
			return
		}
		go n.chain.DaProofArrived(proof)

	case messages.CatchupRequestMsg:
		if !n.verifyGossip(msg.SenderIndex, msg.SignedBytes(), msgWithSig.Sig, "catchup request") {
			return
		}
		go func() {
			resp := n.catchup.HandleRequest(&msg)
			if resp == nil {
				return
			}
			if err := n.sendGossip(msg.SenderIndex, messages.CatchupResponseTag, resp, resp.SignedBytes()); err != nil {
				n.logger.Debug("could not answer catchup request", "peer", msg.SenderIndex, "error", err)
			}
		}()

	case messages.CatchupResponseMsg:
		if !n.verifyGossip(msg.SenderIndex, msg.SignedBytes(), msgWithSig.Sig, "catchup response") {
			return
		}
		go n.catchup.HandleResponse(&msg)

	case messages.FragmentRequestMsg:
		if !n.verifyGossip(msg.SenderIndex, msg.SignedBytes(), msgWithSig.Sig, "fragment request") {
			return
		}
		go func() {
			resp := n.finalize.HandleFragmentRequest(&msg)
			if err := n.sendGossip(msg.SenderIndex, messages.FragmentResponseTag, resp, resp.SignedBytes()); err != nil {
				n.logger.Debug("could not answer fragment request", "peer", msg.SenderIndex, "error", err)
			}
		}()

	case messages.FragmentResponseMsg:
		if !n.verifyGossip(msg.SenderIndex, msg.SignedBytes(), msgWithSig.Sig, "fragment response") {
			return
		}
		go n.finalize.HandleFragmentResponse(&msg)

	default:
		n.logger.Warn("dropping gossip message of unexpected type")
	}
}

func (n *Node) verifyGossip(senderIndex uint64, data, sig []byte, kind string) bool {
	if err := n.crypto.VerifyGossip(senderIndex, data, sig); err != nil {
		n.logger.Warn("dropping gossip message with a bad signature",
			"kind", kind, "sender", senderIndex, "error", err)
		return false
	}
	return true
}
