// Package cache implements the sharded in-memory key-value store the
// replicated log applies committed writes into, along with the
// linearizable-read machinery client reads wait on.
package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// Manager routes keys to one of N shard actors by a stable hash, so
// independent keys never contend on the same goroutine.
type Manager struct {
	shards []*shard
}

// New starts n shard goroutines, each sweeping expired keys on its own
// ticker at sweepInterval.
func New(n int, sweepInterval time.Duration) *Manager {
	if n <= 0 {
		n = 1
	}
	if sweepInterval <= 0 {
		sweepInterval = 100 * time.Millisecond
	}
	m := &Manager{shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = newShard(sweepInterval)
		go m.shards[i].run()
	}
	return m
}

func (m *Manager) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return m.shards[h%uint64(len(m.shards))]
}

// Apply hands a committed write to the shard owning its key, tagging
// it with the log index it was committed at so pending linearizable
// reads against that shard can be released.
func (m *Manager) Apply(cmd Command, index uint64) {
	owner := m.shardFor(cmd.Key)
	owner.mailbox <- applyRequest{cmd: cmd, index: index}
	for _, s := range m.shards {
		if s != owner {
			s.mailbox <- advanceRequest{index: index}
		}
	}
}

// Get performs a linearizable read: it blocks until the owning
// shard's high-watermark has reached minIndex, then returns the
// value as of that point.
func (m *Manager) Get(key string, minIndex uint64) (string, bool) {
	reply := make(chan getResult, 1)
	m.shardFor(key).mailbox <- getRequest{key: key, minIndex: minIndex, reply: reply}
	res := <-reply
	return res.value, res.found
}

// Keys returns every live key containing pattern, fanned out across
// every shard; an empty pattern matches all keys. No ordering is
// guaranteed across the combined result.
func (m *Manager) Keys(pattern string) []string {
	var out []string
	for _, s := range m.shards {
		reply := make(chan []string, 1)
		s.mailbox <- keysRequest{pattern: pattern, reply: reply}
		out = append(out, <-reply...)
	}
	return out
}

// Snapshot returns every live (non-expired) key across all shards.
func (m *Manager) Snapshot() []Entry {
	var out []Entry
	for _, s := range m.shards {
		reply := make(chan []record2, 1)
		s.mailbox <- snapshotRequest{reply: reply}
		for _, r := range <-reply {
			out = append(out, Entry{Key: r.key, Value: r.value, ExpireAt: r.expireAt})
		}
	}
	return out
}

// Entry mirrors resp.Entry without importing the resp package, since
// the cache layer shouldn't depend on the wire codec; the startup
// facade converts between the two when writing a snapshot file.
type Entry struct {
	Key      string
	Value    string
	ExpireAt time.Time
}

// Restore applies a set of entries directly (used when loading a
// snapshot at startup, bypassing the replicated log).
func (m *Manager) Restore(entries []Entry) {
	for _, e := range entries {
		m.shardFor(e.Key).mailbox <- applyRequest{
			cmd:   Command{Op: OpSet, Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt},
			index: 0,
		}
	}
}

// Stop shuts down every shard goroutine.
func (m *Manager) Stop() {
	for _, s := range m.shards {
		s.mailbox <- stopRequest{}
	}
}
