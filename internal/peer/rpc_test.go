package peer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vzdtic/raftkv/internal/cluster"
	"github.com/vzdtic/raftkv/internal/wal"
)

// capturingRPC records the args it was called with, so a wire round
// trip can assert the decoded struct matches what the transport sent.
type capturingRPC struct {
	appendArgs   cluster.AppendEntriesArgs
	snapshotArgs cluster.InstallSnapshotArgs
}

func (c *capturingRPC) HandleRequestVote(cluster.RequestVoteArgs) cluster.RequestVoteReply {
	return cluster.RequestVoteReply{}
}

func (c *capturingRPC) HandleAppendEntries(args cluster.AppendEntriesArgs) cluster.AppendEntriesReply {
	c.appendArgs = args
	return cluster.AppendEntriesReply{Term: args.Term, Success: true}
}

func (c *capturingRPC) HandleInstallSnapshot(args cluster.InstallSnapshotArgs) cluster.InstallSnapshotReply {
	c.snapshotArgs = args
	return cluster.InstallSnapshotReply{Term: args.Term}
}

func startTestListener(t *testing.T, rpc RPCHandler) (*Listener, *Transport) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", "node-1", func() string { return "replid-1" }, func() []string { return nil }, rpc, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go ln.Serve()
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().String()
	transport := NewTransport(func(string) (string, bool) { return addr, true })
	return ln, transport
}

func TestAppendEntriesRoundTripCarriesClusterNodes(t *testing.T) {
	rpc := &capturingRPC{}
	_, transport := startTestListener(t, rpc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry := wal.WriteOperation{Request: []byte("set a 1"), LogIndex: 1, Term: 1}
	reply, err := transport.AppendEntries(ctx, "node-2", cluster.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "node-1",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []wal.WriteOperation{entry},
		LeaderCommit: 1,
		ClusterNodes: []string{"node-1", "node-2", "node-3"},
	})
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	if !reply.Success || reply.Term != 1 {
		t.Fatalf("reply = %+v", reply)
	}

	if len(rpc.appendArgs.ClusterNodes) != 3 {
		t.Fatalf("server saw ClusterNodes = %v, want 3 entries", rpc.appendArgs.ClusterNodes)
	}
	if len(rpc.appendArgs.Entries) != 1 || rpc.appendArgs.Entries[0].LogIndex != 1 {
		t.Fatalf("server saw Entries = %+v", rpc.appendArgs.Entries)
	}
}

func TestAppendEntriesWithoutClusterNodesIsANoop(t *testing.T) {
	rpc := &capturingRPC{}
	_, transport := startTestListener(t, rpc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := transport.AppendEntries(ctx, "node-2", cluster.AppendEntriesArgs{
		Term:     1,
		LeaderID: "node-1",
	})
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	if rpc.appendArgs.ClusterNodes != nil {
		t.Fatalf("server saw ClusterNodes = %v, want nil", rpc.appendArgs.ClusterNodes)
	}
}

func TestInstallSnapshotRoundTripCarriesTrailingLog(t *testing.T) {
	rpc := &capturingRPC{}
	_, transport := startTestListener(t, rpc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	trailing := []wal.WriteOperation{
		{Request: []byte("set b 2"), LogIndex: 6, Term: 2},
		{Request: []byte("set c 3"), LogIndex: 7, Term: 2},
	}
	reply, err := transport.InstallSnapshot(ctx, "node-2", cluster.InstallSnapshotArgs{
		Term:              2,
		LeaderID:          "node-1",
		LastIncludedIndex: 5,
		LastIncludedTerm:  2,
		Data:              []byte("snapshot-bytes"),
		TrailingLog:       trailing,
	})
	if err != nil {
		t.Fatalf("InstallSnapshot: %v", err)
	}
	if reply.Term != 2 {
		t.Fatalf("reply term = %d, want 2", reply.Term)
	}
	if string(rpc.snapshotArgs.Data) != "snapshot-bytes" {
		t.Fatalf("server saw Data = %q", rpc.snapshotArgs.Data)
	}
	if len(rpc.snapshotArgs.TrailingLog) != 2 || rpc.snapshotArgs.TrailingLog[1].LogIndex != 7 {
		t.Fatalf("server saw TrailingLog = %+v", rpc.snapshotArgs.TrailingLog)
	}
}
