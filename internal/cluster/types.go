// Package cluster implements the Cluster Actor: Raft-style leader
// election and log replication driving the cache manager as its
// state machine, plus peer membership bookkeeping.
package cluster

import (
	"context"
	"time"

	"github.com/vzdtic/raftkv/internal/wal"
)

// Role is one of the three Raft states a node can be in.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// RequestVoteArgs/Reply, AppendEntriesArgs/Reply and
// InstallSnapshotArgs/Reply mirror the classic Raft RPCs.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []wal.WriteOperation
	LeaderCommit uint64
	// ClusterNodes is the leader's full membership view (including
	// itself), gossiped so a follower can prune any peer the leader
	// has forgotten. Nil means no membership info was attached.
	ClusterNodes []string
}

type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
	TrailingLog       []wal.WriteOperation
}

type InstallSnapshotReply struct {
	Term uint64
}

// Transport sends the three RPCs to a named peer. internal/peer
// implements this over the RESP-framed peer connections.
type Transport interface {
	RequestVote(ctx context.Context, target string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, target string, args AppendEntriesArgs) (AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, target string, args InstallSnapshotArgs) (InstallSnapshotReply, error)
}

// StateMachine is what the replicated log applies committed entries
// into. CacheStateMachine (cacheadapter.go) adapts *cache.Manager to it.
type StateMachine interface {
	Apply(cmd StateCommand, index uint64)
	Snapshot() []StateEntry
	Restore([]StateEntry)
}

// StateCommand/StateEntry decouple this package from internal/cache's
// concrete types while keeping the same shape, so the adapter in
// cacheadapter.go is a straight field copy.
type StateCommand struct {
	Op       int
	Key      string
	Value    string
	ExpireAt time.Time
}

type StateEntry struct {
	Key      string
	Value    string
	ExpireAt time.Time
}

// Config holds the tunables the actor's timers and batching use.
type Config struct {
	NodeID string
	// AdvertiseAddr is the peer-facing address other nodes can reach
	// this one at; gossiped in heartbeats so followers learn addresses
	// they never handshook with directly.
	AdvertiseAddr      string
	Peers              []string
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// PeerTTL bounds how long a leader keeps a peer it has not heard
	// from; zero disables liveness pruning (in-memory test clusters).
	PeerTTL time.Duration
}

// CommitResult is the outcome of a client write once its log entry is
// applied (or fails to ever commit).
type CommitResult struct {
	Index uint64
	Term  uint64
	Err   error
}
