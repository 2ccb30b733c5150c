package datastructures

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// maxFieldLen bounds a length-prefixed field so a corrupt prefix cannot force
// a huge allocation.
const maxFieldLen = 1 << 20

func writeU64(out *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	out.Write(b[:])
}

func writeBytes(out *bytes.Buffer, b []byte) {
	writeU64(out, uint64(len(b)))
	out.Write(b)
}

// byteReader walks a little-endian encoding, deferring error checks to
// finish so call sites stay flat.
type byteReader struct {
	data []byte
	pos  int
	err  error
}

func (r *byteReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.pos+8 > len(r.data) {
		r.err = errors.New("truncated u64")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *byteReader) bytes() []byte {
	size := r.u64()
	if r.err != nil {
		return nil
	}
	if size > maxFieldLen || r.pos+int(size) > len(r.data) {
		r.err = errors.New("truncated byte field")
		return nil
	}
	if size == 0 {
		return nil
	}
	out := make([]byte, size)
	copy(out, r.data[r.pos:])
	r.pos += int(size)
	return out
}

func (r *byteReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.data) {
		return errors.New("trailing bytes")
	}
	return nil
}
