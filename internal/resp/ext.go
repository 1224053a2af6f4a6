package resp

import (
	"bufio"
	"fmt"
	"io"

	"github.com/vzdtic/raftkv/internal/wal"
)

// The peer-wire extensions share a stream with client RESP traffic.
// Their leading byte sits outside RESP's type-byte alphabet
// (+ - $ * :), so a single switch on the first byte tells them apart.
const (
	tagWriteOperation byte = 0x01
	tagSessionRequest byte = 0x02
)

// SessionRequest wraps a client command with the identifiers needed
// for idempotent replay: a request id chosen by the client session and
// the parsed command Value to dispatch.
type SessionRequest struct {
	RequestID string
	Value     Value
}

// IsExtensionTag reports whether b is the leading byte of a
// peer-wire extension frame rather than a RESP value.
func IsExtensionTag(b byte) bool {
	return b == tagWriteOperation || b == tagSessionRequest
}

// WriteWriteOperation frames a WriteOperation onto w, prefixed by its tag.
func WriteWriteOperation(w io.Writer, op wal.WriteOperation) error {
	if _, err := w.Write([]byte{tagWriteOperation}); err != nil {
		return err
	}
	return wal.Encode(w, op)
}

// ReadWriteOperation reads a WriteOperation frame whose tag byte has
// already been consumed from br.
func ReadWriteOperation(br *bufio.Reader) (wal.WriteOperation, error) {
	return wal.Decode(br)
}

// WriteSessionRequest frames a SessionRequest onto w.
func WriteSessionRequest(w io.Writer, req SessionRequest) error {
	if _, err := w.Write([]byte{tagSessionRequest}); err != nil {
		return err
	}
	idBytes := []byte(req.RequestID)
	if _, err := w.Write([]byte{byte(len(idBytes))}); err != nil {
		return err
	}
	if _, err := w.Write(idBytes); err != nil {
		return err
	}
	_, err := w.Write(req.Value.Serialize())
	return err
}

// ReadSessionRequest reads a SessionRequest frame whose tag byte has
// already been consumed from br.
func ReadSessionRequest(br *bufio.Reader) (SessionRequest, error) {
	idLen, err := br.ReadByte()
	if err != nil {
		return SessionRequest{}, err
	}
	idBuf := make([]byte, idLen)
	if _, err := io.ReadFull(br, idBuf); err != nil {
		return SessionRequest{}, err
	}
	val, err := Parse(br)
	if err != nil {
		return SessionRequest{}, fmt.Errorf("resp: session request value: %w", err)
	}
	return SessionRequest{RequestID: string(idBuf), Value: val}, nil
}

// ReadFrame peeks the leading byte of br and dispatches to a RESP
// Value, a WriteOperation, or a SessionRequest accordingly.
func ReadFrame(br *bufio.Reader) (value *Value, op *wal.WriteOperation, sreq *SessionRequest, err error) {
	b, err := br.Peek(1)
	if err != nil {
		return nil, nil, nil, err
	}
	switch b[0] {
	case tagWriteOperation:
		br.Discard(1)
		o, err := ReadWriteOperation(br)
		return nil, &o, nil, err
	case tagSessionRequest:
		br.Discard(1)
		s, err := ReadSessionRequest(br)
		return nil, nil, &s, err
	default:
		v, err := Parse(br)
		return &v, nil, nil, err
	}
}
