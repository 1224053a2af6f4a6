package cluster

import (
	"encoding/binary"
	"time"
)

// Requests submitted through Submit are encoded with this tiny binary
// format before they become a WriteOperation's payload, so the log
// entry on disk and on the wire is self-describing without pulling in
// the RESP codec here.
const (
	opSet    byte = 0
	opDelete byte = 1
)

// EncodeSet builds the request payload for a SET (optionally with a
// TTL expiry).
func EncodeSet(key, value string, expireAt time.Time) []byte {
	return encodeCommand(opSet, key, value, expireAt)
}

// EncodeDelete builds the request payload for a DEL.
func EncodeDelete(key string) []byte {
	return encodeCommand(opDelete, key, "", time.Time{})
}

func encodeCommand(op byte, key, value string, expireAt time.Time) []byte {
	buf := make([]byte, 0, 17+len(key)+len(value))
	buf = append(buf, op)
	var ts [8]byte
	if !expireAt.IsZero() {
		binary.BigEndian.PutUint64(ts[:], uint64(expireAt.UnixMilli()))
	}
	buf = append(buf, ts[:]...)

	var klen [4]byte
	binary.BigEndian.PutUint32(klen[:], uint32(len(key)))
	buf = append(buf, klen[:]...)
	buf = append(buf, key...)

	var vlen [4]byte
	binary.BigEndian.PutUint32(vlen[:], uint32(len(value)))
	buf = append(buf, vlen[:]...)
	buf = append(buf, value...)
	return buf
}

func decodeStateCommand(data []byte) (StateCommand, bool) {
	if len(data) < 1+8+4 {
		return StateCommand{}, false
	}
	op := data[0]
	ts := binary.BigEndian.Uint64(data[1:9])
	rest := data[9:]

	if len(rest) < 4 {
		return StateCommand{}, false
	}
	klen := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint32(len(rest)) < klen {
		return StateCommand{}, false
	}
	key := string(rest[:klen])
	rest = rest[klen:]

	if len(rest) < 4 {
		return StateCommand{}, false
	}
	vlen := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint32(len(rest)) < vlen {
		return StateCommand{}, false
	}
	value := string(rest[:vlen])

	var expireAt time.Time
	if ts != 0 {
		expireAt = time.UnixMilli(int64(ts))
	}

	var outOp int
	switch op {
	case opSet:
		outOp = 0
	case opDelete:
		outOp = 1
	default:
		return StateCommand{}, false
	}
	return StateCommand{Op: outOp, Key: key, Value: value, ExpireAt: expireAt}, true
}
