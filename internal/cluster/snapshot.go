package cluster

import (
	"bufio"
	"bytes"

	"github.com/vzdtic/raftkv/internal/resp"
)

// EncodeSnapshot serializes entries with the shared binary snapshot
// codec, for InstallSnapshot payloads (the startup facade writes
// on-disk snapshot files with resp.WriteSnapshot directly). meta
// carries out-of-band fields (replication-id, high-watermark); nil is
// fine for transfers that don't need them.
func EncodeSnapshot(meta map[string]string, entries []StateEntry) ([]byte, error) {
	respEntries := make([]resp.Entry, len(entries))
	for i, e := range entries {
		respEntries[i] = resp.Entry{Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt}
	}
	var buf bytes.Buffer
	if err := resp.WriteSnapshot(&buf, meta, respEntries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshotEntries(data []byte) (map[string]string, []StateEntry, bool) {
	meta, entries, err := resp.ReadSnapshot(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, nil, false
	}
	out := make([]StateEntry, len(entries))
	for i, e := range entries {
		out[i] = StateEntry{Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt}
	}
	return meta, out, true
}
