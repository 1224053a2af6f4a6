package cluster

import "github.com/vzdtic/raftkv/internal/cache"

// CacheStateMachine adapts *cache.Manager to the StateMachine
// interface the actor's apply loop drives.
type CacheStateMachine struct {
	*cache.Manager
}

// Apply converts a StateCommand into a cache.Command and applies it.
func (c CacheStateMachine) Apply(cmd StateCommand, index uint64) {
	op := cache.OpSet
	if cmd.Op == 1 {
		op = cache.OpDelete
	}
	c.Manager.Apply(cache.Command{Op: op, Key: cmd.Key, Value: cmd.Value, ExpireAt: cmd.ExpireAt}, index)
}

// Snapshot converts the cache's entries into StateEntry values.
func (c CacheStateMachine) Snapshot() []StateEntry {
	entries := c.Manager.Snapshot()
	out := make([]StateEntry, len(entries))
	for i, e := range entries {
		out[i] = StateEntry{Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt}
	}
	return out
}

// Restore converts StateEntry values back into cache.Entry and loads them.
func (c CacheStateMachine) Restore(entries []StateEntry) {
	out := make([]cache.Entry, len(entries))
	for i, e := range entries {
		out[i] = cache.Entry{Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt}
	}
	c.Manager.Restore(out)
}

// Get performs a linearizable-read-ready lookup against the cache,
// matching the signature Actor.Read expects as its get callback.
func (c CacheStateMachine) Get(key string, minIndex uint64) (string, bool) {
	return c.Manager.Get(key, minIndex)
}
