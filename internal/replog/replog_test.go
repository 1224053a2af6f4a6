package replog

import (
	"sync"
	"testing"

	"github.com/vzdtic/raftkv/internal/wal"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	w, err := wal.New(t.TempDir())
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	return New(w)
}

func TestLeaderWriteEntries(t *testing.T) {
	l := newLog(t)
	ops := l.LeaderWriteEntries([][]byte{[]byte("SET a 1"), []byte("SET b 2")}, 3)
	if len(ops) != 2 {
		t.Fatalf("got %d entries, want 2", len(ops))
	}
	if ops[0].LogIndex != 1 || ops[1].LogIndex != 2 {
		t.Errorf("unexpected indices: %+v", ops)
	}
	if l.LastLogTerm() != 3 {
		t.Errorf("LastLogTerm = %d, want 3", l.LastLogTerm())
	}
}

// Concurrent leader writes must never hand out the same index twice:
// every client session goroutine calls straight into this path, so
// the tail read and the append have to be one critical section.
func TestLeaderWriteEntriesConcurrentWritersGetUniqueIndices(t *testing.T) {
	l := newLog(t)

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if ops := l.LeaderWriteEntries([][]byte{[]byte("w")}, 1); len(ops) != 1 {
					t.Error("LeaderWriteEntries returned no entry")
				}
			}
		}()
	}
	wg.Wait()

	total := uint64(writers * perWriter)
	if l.LastLogIndex() != total {
		t.Fatalf("LastLogIndex = %d, want %d", l.LastLogIndex(), total)
	}
	for i := uint64(1); i <= total; i++ {
		e, ok := l.ReadAt(i)
		if !ok {
			t.Fatalf("missing entry at index %d", i)
		}
		if e.LogIndex != i {
			t.Fatalf("entry at %d carries index %d", i, e.LogIndex)
		}
	}
}

func TestFollowerWriteEntriesDiscardsConflictingTail(t *testing.T) {
	l := newLog(t)
	l.LeaderWriteEntries([][]byte{[]byte("a"), []byte("b"), []byte("c")}, 1)

	// Follower receives a conflicting entry at index 2 from a new term.
	err := l.FollowerWriteEntries(1, []wal.WriteOperation{
		{LogIndex: 2, Term: 2, Request: []byte("b2")},
	})
	if err != nil {
		t.Fatalf("FollowerWriteEntries: %v", err)
	}
	if l.LastLogIndex() != 2 {
		t.Errorf("LastLogIndex = %d, want 2 (conflicting tail dropped)", l.LastLogIndex())
	}
	e, ok := l.ReadAt(2)
	if !ok || e.Term != 2 {
		t.Errorf("ReadAt(2) = %+v", e)
	}
}
