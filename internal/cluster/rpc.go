package cluster

import (
	"context"
	"sync"
)

// HandleRequestVote implements the RequestVote RPC handler.
func (a *Actor) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	currentTerm := a.log.CurrentTerm()
	if args.Term < currentTerm {
		return RequestVoteReply{Term: currentTerm, VoteGranted: false}
	}
	if args.Term > currentTerm {
		a.becomeFollower(args.Term, "")
		currentTerm = args.Term
	}

	votedFor := a.log.VotedFor()
	canVote := votedFor == "" || votedFor == args.CandidateID
	upToDate := args.LastLogTerm > a.log.LastLogTerm() ||
		(args.LastLogTerm == a.log.LastLogTerm() && args.LastLogIndex >= a.log.LastLogIndex())

	if canVote && upToDate {
		a.log.SetVotedFor(args.CandidateID)
		a.resetElectionDeadline()
		return RequestVoteReply{Term: currentTerm, VoteGranted: true}
	}
	return RequestVoteReply{Term: currentTerm, VoteGranted: false}
}

// HandleAppendEntries implements the AppendEntries RPC handler,
// including the conflict-term backtracking hint so a lagging
// follower's leader can skip straight to the right retry point
// instead of backing off one entry at a time.
func (a *Actor) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	currentTerm := a.log.CurrentTerm()
	if args.Term < currentTerm {
		return AppendEntriesReply{Term: currentTerm, Success: false}
	}
	if args.Term >= currentTerm {
		a.becomeFollower(args.Term, args.LeaderID)
		currentTerm = args.Term
	}
	a.resetElectionDeadline()
	a.peers.NoteHeartbeat(args.LeaderID)
	a.peers.SyncMembership(a.id, args.ClusterNodes)

	if args.PrevLogIndex > 0 {
		entry, ok := a.log.ReadAt(args.PrevLogIndex)
		if !ok {
			return AppendEntriesReply{Term: currentTerm, Success: false, ConflictIndex: a.log.LastLogIndex() + 1}
		}
		if entry.Term != args.PrevLogTerm {
			conflictIndex := args.PrevLogIndex
			for conflictIndex > 1 {
				prior, ok := a.log.ReadAt(conflictIndex - 1)
				if !ok || prior.Term != entry.Term {
					break
				}
				conflictIndex--
			}
			return AppendEntriesReply{Term: currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: entry.Term}
		}
	}

	if err := a.log.FollowerWriteEntries(args.PrevLogIndex, args.Entries); err != nil {
		return AppendEntriesReply{Term: currentTerm, Success: false}
	}

	if args.LeaderCommit > a.CommitIndex() {
		a.mu.Lock()
		newCommit := args.LeaderCommit
		if last := a.log.LastLogIndex(); newCommit > last {
			newCommit = last
		}
		if newCommit > a.commitIndex {
			a.commitIndex = newCommit
		}
		a.mu.Unlock()
	}

	return AppendEntriesReply{Term: currentTerm, Success: true}
}

// HandleInstallSnapshot implements the InstallSnapshot RPC handler.
func (a *Actor) HandleInstallSnapshot(args InstallSnapshotArgs) InstallSnapshotReply {
	currentTerm := a.log.CurrentTerm()
	if args.Term < currentTerm {
		return InstallSnapshotReply{Term: currentTerm}
	}
	if args.Term >= currentTerm {
		a.becomeFollower(args.Term, args.LeaderID)
		currentTerm = args.Term
	}
	a.resetElectionDeadline()

	_, entries, ok := decodeSnapshotEntries(args.Data)
	if ok {
		a.sm.Restore(entries)
	}
	if err := a.log.FollowerInstallLogs(args.TrailingLog); err == nil {
		a.mu.Lock()
		if args.LastIncludedIndex > a.commitIndex {
			a.commitIndex = args.LastIncludedIndex
		}
		if args.LastIncludedIndex > a.lastApplied {
			a.lastApplied = args.LastIncludedIndex
		}
		a.mu.Unlock()
	}
	return InstallSnapshotReply{Term: currentTerm}
}

// Read performs a linearizable read of key: the leader confirms it
// still holds a majority of heartbeat acknowledgements before
// answering, so a stale leader that has already been superseded
// cannot serve a read that a client could observe as going backwards.
func (a *Actor) Read(ctx context.Context, key string, get func(key string, minIndex uint64) (string, bool)) (string, bool, error) {
	if !a.IsLeader() {
		return "", false, ErrNotLeader
	}
	readIndex := a.CommitIndex()
	if !a.confirmLeadership(ctx) {
		return "", false, ErrNotLeader
	}
	val, found := get(key, readIndex)
	return val, found, nil
}

func (a *Actor) confirmLeadership(ctx context.Context) bool {
	term := a.log.CurrentTerm()
	peerIDs := a.peers.IDs()
	if len(peerIDs) == 0 {
		return true
	}

	acked := 1 // self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range peerIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			reply, err := a.transport.AppendEntries(ctx, id, AppendEntriesArgs{
				Term:     term,
				LeaderID: a.id,
			})
			if err != nil || reply.Term > term {
				return
			}
			mu.Lock()
			acked++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return acked*2 > a.peers.Size()+1 && a.getRole() == Leader && a.log.CurrentTerm() == term
}
