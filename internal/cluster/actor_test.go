package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vzdtic/raftkv/internal/cache"
	"github.com/vzdtic/raftkv/internal/replog"
	"github.com/vzdtic/raftkv/internal/wal"
)

// noopTransport answers every RPC as if the peer were unreachable,
// which is exactly what a single-node cluster should see: there are
// no peers to call in the first place.
type noopTransport struct{}

func (noopTransport) RequestVote(context.Context, string, RequestVoteArgs) (RequestVoteReply, error) {
	return RequestVoteReply{}, ErrNoSuchPeer
}
func (noopTransport) AppendEntries(context.Context, string, AppendEntriesArgs) (AppendEntriesReply, error) {
	return AppendEntriesReply{}, ErrNoSuchPeer
}
func (noopTransport) InstallSnapshot(context.Context, string, InstallSnapshotArgs) (InstallSnapshotReply, error) {
	return InstallSnapshotReply{}, ErrNoSuchPeer
}

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	w, err := wal.New(t.TempDir())
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	log := replog.New(w)
	sm := CacheStateMachine{Manager: cache.New(2, 50*time.Millisecond)}
	cfg := Config{
		NodeID:             "node-1",
		HeartbeatInterval:  10 * time.Millisecond,
		ElectionTimeoutMin: 20 * time.Millisecond,
		ElectionTimeoutMax: 40 * time.Millisecond,
	}
	a := New(cfg, log, sm, noopTransport{}, zerolog.Nop())
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

func TestSingleNodeBecomesLeader(t *testing.T) {
	a := newTestActor(t)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.IsLeader() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("single node never became leader")
}

func TestSubmitCommitsAndApplies(t *testing.T) {
	a := newTestActor(t)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !a.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !a.IsLeader() {
		t.Fatal("never became leader")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := a.Submit(ctx, EncodeSet("hello", "world", time.Time{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Index != 1 {
		t.Errorf("committed index = %d, want 1", res.Index)
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	a := newTestActor(t)
	a.log.SetCurrentTerm(5)
	reply := a.HandleRequestVote(RequestVoteArgs{Term: 3, CandidateID: "other"})
	if reply.VoteGranted {
		t.Fatal("expected vote to be rejected for a stale term")
	}
	if reply.Term != 5 {
		t.Errorf("reply term = %d, want 5", reply.Term)
	}
}
