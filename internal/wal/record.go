package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteOperation is one entry in the replicated log: a client request
// tagged with the log position and term it was accepted at. The same
// binary shape travels over the wire between peers and on disk in the
// WAL file.
type WriteOperation struct {
	Request  []byte
	LogIndex uint64
	Term     uint64
}

// Encode writes op to w as: 8-byte LogIndex, 8-byte Term (both
// big-endian), 4-byte request length, request bytes.
func Encode(w io.Writer, op WriteOperation) error {
	var hdr [20]byte
	binary.BigEndian.PutUint64(hdr[0:8], op.LogIndex)
	binary.BigEndian.PutUint64(hdr[8:16], op.Term)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(op.Request)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.Write(op.Request); err != nil {
		return fmt.Errorf("wal: write request: %w", err)
	}
	return nil
}

// Decode reads one WriteOperation previously written by Encode.
func Decode(r io.Reader) (WriteOperation, error) {
	var hdr [20]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return WriteOperation{}, err
	}
	op := WriteOperation{
		LogIndex: binary.BigEndian.Uint64(hdr[0:8]),
		Term:     binary.BigEndian.Uint64(hdr[8:16]),
	}
	n := binary.BigEndian.Uint32(hdr[16:20])
	if n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return WriteOperation{}, err
		}
		op.Request = buf
	}
	return op, nil
}

// EncodedSize returns how many bytes Encode would write for op,
// used by callers that need to size buffers ahead of a write.
func EncodedSize(op WriteOperation) int {
	return 20 + len(op.Request)
}

func encodeToBytes(op WriteOperation) []byte {
	var buf bytes.Buffer
	buf.Grow(EncodedSize(op))
	_ = Encode(&buf, op)
	return buf.Bytes()
}
