package datastructures

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func createRandomTransaction(t *testing.T, size int, rnd *rand.Rand) *Transaction {
	data := make([]byte, size)
	rnd.Read(data)
	tx, err := NewTransaction(data)
	require.NoError(t, err)
	return tx
}

func createRandomTransactionList(t *testing.T, count int, rnd *rand.Rand) *TransactionList {
	items := make([]*Transaction, count)
	for i := range items {
		items[i] = createRandomTransaction(t, rnd.Intn(1001), rnd)
	}
	list, err := NewTransactionList(items)
	require.NoError(t, err)
	return list
}

func createRandomCommittedBlock(t *testing.T, txCount int, rnd *rand.Rand) *CommittedBlock {
	list := createRandomTransactionList(t, txCount, rnd)
	p, err := NewBlockProposal(1, uint64(rnd.Intn(1000))+1, uint64(rnd.Intn(4))+1,
		uint64(rnd.Intn(100))+1, uint64(rnd.Int63n(1800000000)), uint32(rnd.Intn(1000)), list)
	require.NoError(t, err)
	sig := make([]byte, 64)
	rnd.Read(sig)
	b, err := NewCommittedBlock(p, sig)
	require.NoError(t, err)
	return b
}

func corruptOneByte(data []byte, rnd *rand.Rand) {
	pos := rnd.Intn(len(data))
	data[pos]++
}

func TestTransactionSerializeDeserialize(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i <= 1000; i += 7 {
		tx := createRandomTransaction(t, i, rnd)
		out := tx.Serialize(true)
		restored, err := DeserializeTransaction(out, true)
		require.NoError(t, err)
		require.Equal(t, tx.Data(), restored.Data())
	}
}

func TestTransactionCorruptionDetected(t *testing.T) {
	rnd := rand.New(rand.NewSource(43))
	for i := 1; i <= 1000; i += 13 {
		tx := createRandomTransaction(t, i, rnd)
		out := tx.Serialize(true)
		corruptOneByte(out, rnd)
		_, err := DeserializeTransaction(out, true)
		require.Error(t, err)
	}
}

func TestTransactionListSerializeDeserialize(t *testing.T) {
	rnd := rand.New(rand.NewSource(44))
	for count := 0; count <= 50; count += 5 {
		list := createRandomTransactionList(t, count, rnd)
		out := list.Serialize(true)
		sizes := list.SerializedSizesVector(true)
		restored, err := DeserializeTransactionList(sizes, out, 0, true)
		require.NoError(t, err)
		require.Equal(t, list.Size(), restored.Size())
		for i, item := range list.Items() {
			require.Equal(t, item.Data(), restored.Items()[i].Data())
		}
	}
}

func TestCommittedBlockSerializeDeserialize(t *testing.T) {
	rnd := rand.New(rand.NewSource(45))
	for txCount := 0; txCount <= 50; txCount += 5 {
		b := createRandomCommittedBlock(t, txCount, rnd)
		out := b.Serialize()
		restored, err := DeserializeCommittedBlock(out)
		require.NoError(t, err)
		require.Equal(t, b.BlockID, restored.BlockID)
		require.Equal(t, b.ProposerIndex, restored.ProposerIndex)
		require.Equal(t, b.ProposerNodeID, restored.ProposerNodeID)
		require.Equal(t, b.SchainID, restored.SchainID)
		require.Equal(t, b.TimeStamp, restored.TimeStamp)
		require.Equal(t, b.TimeStampMs, restored.TimeStampMs)
		require.Equal(t, b.Hash(), restored.Hash())
		require.Equal(t, b.ThresholdSig, restored.ThresholdSig)
		require.Equal(t, b.TransactionList().SerializeRaw(), restored.TransactionList().SerializeRaw())
	}
}

// Any single-byte flip in a serialized committed block must be rejected: the
// header hash covers every header field and all payloads.
func TestCommittedBlockCorruptionDetected(t *testing.T) {
	rnd := rand.New(rand.NewSource(46))
	for k := 0; k < 50; k++ {
		b := createRandomCommittedBlock(t, 1+rnd.Intn(20), rnd)
		out := b.Serialize()
		corruptOneByte(out, rnd)
		_, err := DeserializeCommittedBlock(out)
		require.Error(t, err)
	}
}

func TestCommittedBlockListSerializeDeserialize(t *testing.T) {
	rnd := rand.New(rand.NewSource(47))
	startID := uint64(10)
	blocks := make([]*CommittedBlock, 0, 5)
	for i := uint64(0); i < 5; i++ {
		list := createRandomTransactionList(t, rnd.Intn(10), rnd)
		p, err := NewBlockProposal(1, startID+i, 1, 1, 1577836800+i, 0, list)
		require.NoError(t, err)
		sig := make([]byte, 64)
		rnd.Read(sig)
		b, err := NewCommittedBlock(p, sig)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	blockList, err := NewCommittedBlockList(blocks)
	require.NoError(t, err)

	out := blockList.Serialize()
	restored, err := DeserializeCommittedBlockList(out)
	require.NoError(t, err)
	require.Len(t, restored.Blocks(), 5)
	for i, b := range restored.Blocks() {
		require.Equal(t, startID+uint64(i), b.BlockID)
		require.Equal(t, blocks[i].Hash(), b.Hash())
	}
}

func TestNonContiguousBlockListRejected(t *testing.T) {
	rnd := rand.New(rand.NewSource(48))
	makeBlock := func(id uint64) *CommittedBlock {
		list := createRandomTransactionList(t, 1, rnd)
		p, err := NewBlockProposal(1, id, 1, 1, 1577836800, 0, list)
		require.NoError(t, err)
		b, err := NewCommittedBlock(p, []byte{1, 2, 3})
		require.NoError(t, err)
		return b
	}
	_, err := NewCommittedBlockList([]*CommittedBlock{makeBlock(3), makeBlock(5)})
	require.Error(t, err)
}

// Literal byte-layout check: 8-byte little-endian header length, the JSON
// header, then the concatenated payloads.
func TestCommittedBlockByteLayout(t *testing.T) {
	txA, err := NewTransaction(bytes.Repeat([]byte{0xAA}, 5))
	require.NoError(t, err)
	txB, err := NewTransaction(bytes.Repeat([]byte{0xBB}, 5))
	require.NoError(t, err)
	list, err := NewTransactionList([]*Transaction{txA, txB})
	require.NoError(t, err)

	p, err := NewBlockProposal(1, 7, 1, 1, 1577836800, 250, list)
	require.NoError(t, err)
	b, err := NewCommittedBlock(p, []byte{0xCC, 0xDD})
	require.NoError(t, err)

	out := b.Serialize()
	headerSize := binary.LittleEndian.Uint64(out[:8])
	require.Greater(t, headerSize, uint64(2))

	headerBytes := out[8 : 8+headerSize]
	require.Equal(t, byte('{'), headerBytes[0])
	require.Equal(t, byte('}'), headerBytes[len(headerBytes)-1])

	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(headerBytes, &header))
	require.Contains(t, header, "proposerIndex")
	require.Contains(t, header, "blockID")
	require.Contains(t, header, "schainID")
	require.Contains(t, header, "timeStamp")
	require.Contains(t, header, "timeStampMs")
	require.Contains(t, header, "hash")
	require.Contains(t, header, "sizes")
	require.Equal(t, "[5,5]", string(header["sizes"]))
	require.Equal(t, "7", string(header["blockID"]))

	payload := out[8+headerSize:]
	require.Equal(t, append(bytes.Repeat([]byte{0xAA}, 5), bytes.Repeat([]byte{0xBB}, 5)...), payload)

	restored, err := DeserializeCommittedBlock(out)
	require.NoError(t, err)
	require.Equal(t, out, restored.Serialize())
}

func TestDeserializeRejectsMalformedBlocks(t *testing.T) {
	// too small
	_, err := DeserializeCommittedBlock([]byte{1, 2, 3})
	require.Error(t, err)

	// header size beyond the buffer
	bad := make([]byte, 16)
	binary.LittleEndian.PutUint64(bad, 1000)
	_, err = DeserializeCommittedBlock(bad)
	require.Error(t, err)

	// header without braces
	bad = make([]byte, 8+4)
	binary.LittleEndian.PutUint64(bad, 4)
	copy(bad[8:], "abcd")
	_, err = DeserializeCommittedBlock(bad)
	require.Error(t, err)
}

func TestNextTimeStamp(t *testing.T) {
	sec, ms := NextTimeStamp(100, 250)
	require.Equal(t, uint64(100), sec)
	require.Equal(t, uint32(251), ms)

	sec, ms = NextTimeStamp(100, 999)
	require.Equal(t, uint64(101), sec)
	require.Equal(t, uint32(0), ms)
}

func TestProposalVector(t *testing.T) {
	v := NewBooleanProposalVector(4)
	require.Equal(t, "0000", v.String())

	newlySet, err := v.Set(2)
	require.NoError(t, err)
	require.True(t, newlySet)
	newlySet, err = v.Set(2)
	require.NoError(t, err)
	require.False(t, newlySet)

	_, err = v.Set(0)
	require.Error(t, err)
	_, err = v.Set(5)
	require.Error(t, err)

	_, _ = v.Set(4)
	require.Equal(t, "0101", v.String())
	require.Equal(t, 2, v.TrueCount())
	require.True(t, v.Get(2))
	require.False(t, v.Get(1))

	restored, err := NewProposalVectorFromString(v.String())
	require.NoError(t, err)
	require.Equal(t, v.String(), restored.String())
	require.Equal(t, v.TrueCount(), restored.TrueCount())
}

func TestBlockProposalGossipRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(49))
	list := createRandomTransactionList(t, 3, rnd)
	p, err := NewBlockProposal(1, 9, 2, 20, 1577836801, 17, list)
	require.NoError(t, err)
	p.Signature = []byte{9, 8, 7, 6}

	restored, err := DeserializeBlockProposal(p.Serialize())
	require.NoError(t, err)
	require.Equal(t, p.Hash(), restored.Hash())
	require.Equal(t, p.Signature, restored.Signature)

	// a proposal without a proposer signature is not accepted from gossip
	p.Signature = nil
	_, err = DeserializeBlockProposal(p.Serialize())
	require.Error(t, err)
}
