// Package replog implements the replicated log manager that sits
// between the cluster actor and the durable write-ahead log.
package replog

import (
	"fmt"
	"sync"

	"github.com/vzdtic/raftkv/internal/wal"
)

// Log wraps a wal.WAL with the leader/follower write paths the
// cluster actor needs; it never exposes the WAL's file-level details.
// writeMu serializes every mutation as one critical section: reading
// the current tail and appending after it must be atomic, or two
// concurrent client writes could both claim the same next index. The
// WAL's own lock only covers individual calls, not that sequence.
type Log struct {
	writeMu sync.Mutex
	wal     *wal.WAL
}

// New wraps an already-opened WAL.
func New(w *wal.WAL) *Log {
	return &Log{wal: w}
}

// LastLogIndex returns the index of the newest entry, 0 if empty.
func (l *Log) LastLogIndex() uint64 {
	return l.wal.LastIndex()
}

// LastLogTerm returns the term of the newest entry, 0 if empty.
func (l *Log) LastLogTerm() uint64 {
	return l.wal.LastTerm()
}

// IsEmpty reports whether the log holds no entries.
func (l *Log) IsEmpty() bool {
	return l.wal.IsEmpty()
}

// LogStartIndex returns the index of the oldest retained entry.
func (l *Log) LogStartIndex() uint64 {
	return l.wal.LogStartIndex()
}

// LeaderWriteEntries appends a batch of client requests as new
// entries at the given term, assigning them consecutive indices
// starting right after the current tail, and returns the resulting
// entries so the caller can replicate them to followers. Safe for
// concurrent use: each client session goroutine submits through here
// directly, and the index computed from the tail is only valid while
// no other writer can slip in between.
func (l *Log) LeaderWriteEntries(requests [][]byte, term uint64) []wal.WriteOperation {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	next := l.LastLogIndex() + 1
	ops := make([]wal.WriteOperation, len(requests))
	for i, req := range requests {
		ops[i] = wal.WriteOperation{Request: req, LogIndex: next + uint64(i), Term: term}
	}
	if err := l.wal.AppendMany(ops); err != nil {
		// Append failures here indicate a local disk problem; the
		// caller treats a half-written batch as not durable and steps
		// down rather than acknowledging the write.
		return nil
	}
	return ops
}

// FollowerWriteEntries reconciles an AppendEntries payload against
// the local tail: any existing entry at prevLogIndex+1 with a term
// mismatch, and everything after it, is discarded before entries is
// appended.
func (l *Log) FollowerWriteEntries(prevLogIndex uint64, entries []wal.WriteOperation) error {
	if len(entries) == 0 {
		return nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	existing, ok := l.wal.ReadAt(entries[0].LogIndex)
	if ok && existing.Term != entries[0].Term {
		if err := l.wal.TruncateAfter(prevLogIndex); err != nil {
			return fmt.Errorf("replog: truncate conflicting tail: %w", err)
		}
	}
	return l.wal.Overwrite(entries)
}

// FollowerInstallLogs replaces the entire log with the tail shipped
// alongside a snapshot; lastIncludedIndex/-Term describe the entry
// immediately preceding entries[0], and are recorded implicitly by
// entries[0].LogIndex-1 when entries is non-empty.
func (l *Log) FollowerInstallLogs(entries []wal.WriteOperation) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.wal.TruncateAfter(0); err != nil {
		return err
	}
	return l.wal.Overwrite(entries)
}

// TruncateAfter discards every entry with index greater than index.
func (l *Log) TruncateAfter(index uint64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.wal.TruncateAfter(index)
}

// Range returns the entries with LogIndex in [start, end].
func (l *Log) Range(start, end uint64) []wal.WriteOperation {
	return l.wal.Range(start, end)
}

// ReadAt returns the entry at the given index, if present.
func (l *Log) ReadAt(index uint64) (wal.WriteOperation, bool) {
	return l.wal.ReadAt(index)
}

// CurrentTerm and VotedFor/SetVotedFor/SetCurrentTerm expose the
// small bit of persistent election state the WAL also stores, so the
// cluster actor has a single durability boundary to reason about.

func (l *Log) CurrentTerm() uint64          { return l.wal.CurrentTerm() }
func (l *Log) SetCurrentTerm(t uint64) error { return l.wal.SetCurrentTerm(t) }
func (l *Log) VotedFor() string             { return l.wal.VotedFor() }
func (l *Log) SetVotedFor(id string) error  { return l.wal.SetVotedFor(id) }
