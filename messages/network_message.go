/*
Package messages defines the message plane of the consensus engine: the
fixed-size binary frame exchanged between nodes, the internal messages posted
to the driver mailbox, and the envelope sum routed by the block-consensus
orchestrator.
*/
package messages

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// MagicNumber guards the consensus frame; a mismatch means the datagram is
// not ours and is dropped silently.
const MagicNumber uint64 = 0x53554243484e3031 // "SUBCHN01"

// BLSMaxSigLen is the null-padded signature-share field width. A bn256 tbls
// share is a 2-byte index plus a 64-byte point, well under the cap.
const BLSMaxSigLen = 128

// ConsensusMessageLen is the exact frame size: seven u64 fields, a type
// byte, a value byte, a u32 source ip and the padded signature share.
const ConsensusMessageLen = 7*8 + 1 + 1 + 4 + BLSMaxSigLen

// MsgType distinguishes consensus frames.
type MsgType uint8

const (
	// MsgTypeBVBBroadcast is a binary-value broadcast for one round.
	MsgTypeBVBBroadcast MsgType = 1
	// MsgTypeAUXBroadcast carries a value from the round's accepted set,
	// with the sender's coin share piggybacked in the signature field.
	MsgTypeAUXBroadcast MsgType = 2
	// MsgTypeBlockSigBroadcast carries a block-signature share for the
	// decided proposer.
	MsgTypeBlockSigBroadcast MsgType = 3
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeBVBBroadcast:
		return "BVB_BROADCAST"
	case MsgTypeAUXBroadcast:
		return "AUX_BROADCAST"
	case MsgTypeBlockSigBroadcast:
		return "BLOCK_SIG_BROADCAST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// ProtocolKey addresses one binary-consensus instance.
type ProtocolKey struct {
	BlockID       uint64
	ProposerIndex uint64
}

func (k ProtocolKey) String() string {
	return fmt.Sprintf("%d:%d", k.BlockID, k.ProposerIndex)
}

// Frame validation errors. ErrBadMagic frames are dropped without logging.
var (
	ErrBadMagic        = errors.New("bad magic number")
	ErrInvalidChain    = errors.New("message for a different chain")
	ErrParse           = errors.New("malformed consensus frame")
	ErrInvalidSourceIP = errors.New("source ip does not match the peer address")
)

// NetworkMessage is one consensus-plane frame.
type NetworkMessage struct {
	ChainID       uint64
	BlockID       uint64
	ProposerIndex uint64
	Type          MsgType
	MsgID         uint64
	SrcNodeID     uint64
	DstNodeID     uint64
	Round         uint64
	Value         uint8
	SrcIP         uint32
	SigShare      []byte

	// SrcSchainIndex is resolved from the sender's ip on receipt; it is not
	// part of the wire frame.
	SrcSchainIndex uint64
}

// Key returns the destination protocol key.
func (m *NetworkMessage) Key() ProtocolKey {
	return ProtocolKey{BlockID: m.BlockID, ProposerIndex: m.ProposerIndex}
}

// Serialize writes the fixed little-endian frame.
func (m *NetworkMessage) Serialize() ([]byte, error) {
	if len(m.SigShare) > BLSMaxSigLen {
		return nil, fmt.Errorf("signature share of %d bytes exceeds the frame field", len(m.SigShare))
	}
	out := make([]byte, ConsensusMessageLen)
	binary.LittleEndian.PutUint64(out[0:], MagicNumber)
	binary.LittleEndian.PutUint64(out[8:], m.ChainID)
	binary.LittleEndian.PutUint64(out[16:], m.BlockID)
	binary.LittleEndian.PutUint64(out[24:], m.ProposerIndex)
	out[32] = uint8(m.Type)
	binary.LittleEndian.PutUint64(out[33:], m.MsgID)
	binary.LittleEndian.PutUint64(out[41:], m.SrcNodeID)
	binary.LittleEndian.PutUint64(out[49:], m.DstNodeID)
	binary.LittleEndian.PutUint64(out[57:], m.Round)
	out[65] = m.Value
	binary.LittleEndian.PutUint32(out[66:], m.SrcIP)
	copy(out[70:], m.SigShare)
	return out, nil
}

// DeserializeNetworkMessage parses and validates a frame.
func DeserializeNetworkMessage(frame []byte, expectedChainID uint64) (*NetworkMessage, error) {
	if len(frame) != ConsensusMessageLen {
		return nil, fmt.Errorf("%w: frame is %d bytes, want %d", ErrParse, len(frame), ConsensusMessageLen)
	}
	if binary.LittleEndian.Uint64(frame[0:]) != MagicNumber {
		return nil, ErrBadMagic
	}
	m := &NetworkMessage{
		ChainID:       binary.LittleEndian.Uint64(frame[8:]),
		BlockID:       binary.LittleEndian.Uint64(frame[16:]),
		ProposerIndex: binary.LittleEndian.Uint64(frame[24:]),
		Type:          MsgType(frame[32]),
		MsgID:         binary.LittleEndian.Uint64(frame[33:]),
		SrcNodeID:     binary.LittleEndian.Uint64(frame[41:]),
		DstNodeID:     binary.LittleEndian.Uint64(frame[49:]),
		Round:         binary.LittleEndian.Uint64(frame[57:]),
		Value:         frame[65],
		SrcIP:         binary.LittleEndian.Uint32(frame[66:]),
	}
	if m.ChainID != expectedChainID {
		return nil, fmt.Errorf("%w: got chain %d", ErrInvalidChain, m.ChainID)
	}
	switch m.Type {
	case MsgTypeBVBBroadcast, MsgTypeAUXBroadcast, MsgTypeBlockSigBroadcast:
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrParse, uint8(m.Type))
	}
	if m.Value > 1 {
		return nil, fmt.Errorf("%w: binary value %d", ErrParse, m.Value)
	}
	if m.BlockID == 0 {
		return nil, fmt.Errorf("%w: block id 0", ErrParse)
	}

	// the share field is null-padded; signature verification rejects a
	// share whose real tail bytes were zero and got trimmed here
	sig := frame[70:]
	if idx := lastNonZero(sig); idx >= 0 {
		m.SigShare = bytes.Clone(sig[:idx+1])
	}
	return m, nil
}

func lastNonZero(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return i
		}
	}
	return -1
}

// IPToUint32 packs a dotted-quad ip the way the frame carries it.
func IPToUint32(ip [4]byte) uint32 {
	return binary.LittleEndian.Uint32(ip[:])
}

// Uint32ToIPString renders the packed form back to a dotted quad.
func Uint32ToIPString(raw uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], raw)
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// ParseIPv4 packs a dotted-quad string into the frame's u32 form.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("not an ip address: %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an ipv4 address: %q", s)
	}
	return binary.LittleEndian.Uint32(v4), nil
}
