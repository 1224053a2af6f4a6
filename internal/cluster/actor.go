package cluster

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vzdtic/raftkv/internal/replog"
)

// Actor is one node's consensus state machine: term/vote bookkeeping,
// the Follower/Candidate/Leader state loop, and the leader-side
// replication fan-out. Exported methods are safe for concurrent use:
// mu guards role/commit bookkeeping, and log mutations — including
// the compute-next-index-then-append sequence client Submits race
// on — serialize inside the replicated log's own writer lock.
type Actor struct {
	id  string
	cfg Config

	log       *replog.Log
	sm        StateMachine
	transport Transport
	logger    zerolog.Logger

	mu          sync.RWMutex
	role        Role
	commitIndex uint64
	lastApplied uint64
	leaderID    string

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	peers *Table

	stopCh          chan struct{}
	electionResetCh chan struct{}

	electionMu       sync.Mutex
	electionDeadline time.Time

	pendingMu       sync.Mutex
	pendingCommands map[uint64]chan CommitResult

	rng *rand.Rand
}

// New constructs an actor around an already-open replicated log and
// state machine. Start must be called to begin the run loop.
func New(cfg Config, log *replog.Log, sm StateMachine, transport Transport, logger zerolog.Logger) *Actor {
	a := &Actor{
		id:              cfg.NodeID,
		cfg:             cfg,
		log:             log,
		sm:              sm,
		transport:       transport,
		logger:          logger.With().Str("component", "cluster").Str("node_id", cfg.NodeID).Logger(),
		role:            Follower,
		nextIndex:       make(map[string]uint64),
		matchIndex:      make(map[string]uint64),
		peers:           NewTable(),
		stopCh:          make(chan struct{}),
		electionResetCh: make(chan struct{}, 1),
		pendingCommands: make(map[uint64]chan CommitResult),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(cfg.NodeID)))),
	}
	for _, p := range cfg.Peers {
		a.peers.Add(p, p, RoleUnknown, "")
	}
	return a
}

// Start launches the run loop, the apply loop, and (when a peer TTL is
// configured) the liveness scheduler as goroutines.
func (a *Actor) Start() {
	a.resetElectionDeadline()
	go a.run()
	go a.applyLoop()
	if a.cfg.PeerTTL > 0 {
		go a.livenessLoop()
	}
}

// livenessLoop is the failure-detection scheduler: each tick the
// leader drops any peer it has not heard from within PeerTTL. Only the
// leader scans; followers hear about every peer exclusively through
// the leader's heartbeat gossip, so scanning there would fight the
// gossip's own pruning.
func (a *Actor) livenessLoop() {
	interval := a.cfg.PeerTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
		}
		if a.getRole() != Leader {
			continue
		}
		for _, id := range a.peers.PruneStale(a.cfg.PeerTTL) {
			a.mu.Lock()
			delete(a.nextIndex, id)
			delete(a.matchIndex, id)
			a.mu.Unlock()
			a.logger.Info().Str("peer", id).Msg("pruned unresponsive peer")
		}
	}
}

// Stop signals every loop Start launched to exit.
func (a *Actor) Stop() {
	close(a.stopCh)
}

func (a *Actor) run() {
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}
		switch a.getRole() {
		case Follower:
			a.runFollower()
		case Candidate:
			a.runCandidate()
		case Leader:
			a.runLeader()
		}
	}
}

func (a *Actor) getRole() Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.role
}

// IsLeader reports whether this node currently believes itself leader.
func (a *Actor) IsLeader() bool {
	return a.getRole() == Leader
}

// LeaderID returns the last known leader, empty if unknown.
func (a *Actor) LeaderID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.leaderID
}

// Term returns the current term.
func (a *Actor) Term() uint64 {
	return a.log.CurrentTerm()
}

// CommitIndex returns the highest committed log index.
func (a *Actor) CommitIndex() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.commitIndex
}

func (a *Actor) randomElectionTimeout() time.Duration {
	lo := a.cfg.ElectionTimeoutMin
	hi := a.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(a.rng.Int63n(int64(hi-lo)))
}

func (a *Actor) resetElectionDeadline() {
	a.electionMu.Lock()
	a.electionDeadline = time.Now().Add(a.randomElectionTimeout())
	a.electionMu.Unlock()
}

func (a *Actor) electionExpired() bool {
	a.electionMu.Lock()
	defer a.electionMu.Unlock()
	return time.Now().After(a.electionDeadline)
}

func (a *Actor) becomeFollower(term uint64, leader string) {
	a.mu.Lock()
	a.role = Follower
	a.leaderID = leader
	a.mu.Unlock()
	if term > a.log.CurrentTerm() {
		a.log.SetCurrentTerm(term)
		a.log.SetVotedFor("")
	}
	a.resetElectionDeadline()
	a.failPendingCommands(ErrNotLeader)
}

func (a *Actor) becomeCandidate() {
	a.mu.Lock()
	a.role = Candidate
	a.leaderID = ""
	a.mu.Unlock()
	a.log.SetCurrentTerm(a.log.CurrentTerm() + 1)
	a.log.SetVotedFor(a.id)
	a.resetElectionDeadline()
}

func (a *Actor) becomeLeader() {
	a.mu.Lock()
	a.role = Leader
	a.leaderID = a.id
	next := a.log.LastLogIndex() + 1
	for _, p := range a.peers.IDs() {
		a.nextIndex[p] = next
		a.matchIndex[p] = 0
	}
	a.mu.Unlock()
	a.logger.Info().Uint64("term", a.log.CurrentTerm()).Msg("became leader")
}

func (a *Actor) runFollower() {
	time.Sleep(10 * time.Millisecond)
	if a.electionExpired() {
		a.mu.Lock()
		a.role = Candidate
		a.mu.Unlock()
	}
}

func (a *Actor) runCandidate() {
	a.becomeCandidate()
	term := a.log.CurrentTerm()

	votes := 1 // vote for self
	var voteMu sync.Mutex
	lastIdx := a.log.LastLogIndex()
	lastTerm := a.log.LastLogTerm()

	var wg sync.WaitGroup
	for _, peerID := range a.peers.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HeartbeatInterval*4)
			defer cancel()
			reply, err := a.transport.RequestVote(ctx, id, RequestVoteArgs{
				Term:         term,
				CandidateID:  a.id,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}
			if reply.Term > term {
				a.becomeFollower(reply.Term, "")
				return
			}
			if reply.VoteGranted {
				voteMu.Lock()
				votes++
				voteMu.Unlock()
			}
		}(peerID)
	}
	wg.Wait()

	if a.getRole() != Candidate || a.log.CurrentTerm() != term {
		return
	}
	if votes*2 > a.peers.Size()+1 {
		a.becomeLeader()
		return
	}
	if a.electionExpired() {
		a.resetElectionDeadline()
	}
	time.Sleep(10 * time.Millisecond)
}

func (a *Actor) runLeader() {
	a.sendHeartbeats()
	a.tryAdvanceCommitIndex(a.log.CurrentTerm())
	time.Sleep(a.cfg.HeartbeatInterval)
}

func (a *Actor) sendHeartbeats() {
	term := a.log.CurrentTerm()
	for _, peerID := range a.peers.IDs() {
		go a.replicateTo(peerID, term)
	}
}

func (a *Actor) replicateTo(peerID string, term uint64) {
	a.mu.RLock()
	next := a.nextIndex[peerID]
	a.mu.RUnlock()
	if next == 0 {
		next = 1
	}
	if start := a.log.LogStartIndex(); start > 1 && next < start {
		a.sendSnapshot(peerID, term)
		return
	}

	prevIndex := next - 1
	prevTerm := uint64(0)
	if prevIndex > 0 {
		if e, ok := a.log.ReadAt(prevIndex); ok {
			prevTerm = e.Term
		}
	}
	entries := a.log.Range(next, a.log.LastLogIndex())

	clusterNodes := a.membershipGossip()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HeartbeatInterval*4)
	defer cancel()
	reply, err := a.transport.AppendEntries(ctx, peerID, AppendEntriesArgs{
		Term:         term,
		LeaderID:     a.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: a.CommitIndex(),
		ClusterNodes: clusterNodes,
	})
	if err != nil {
		return
	}
	if reply.Term > term {
		a.becomeFollower(reply.Term, "")
		return
	}
	if a.getRole() != Leader || a.log.CurrentTerm() != term {
		return
	}

	a.peers.NoteHeartbeat(peerID)

	a.mu.Lock()
	if reply.Success {
		if len(entries) > 0 {
			a.matchIndex[peerID] = entries[len(entries)-1].LogIndex
			a.nextIndex[peerID] = a.matchIndex[peerID] + 1
		}
	} else {
		back := reply.ConflictIndex
		if back == 0 {
			back = 1
		}
		a.nextIndex[peerID] = back
	}
	a.mu.Unlock()

	if reply.Success {
		a.tryAdvanceCommitIndex(term)
	}
}

// membershipGossip renders the leader's full membership view (itself
// included) as "id addr" entries for a heartbeat's cluster-nodes list.
func (a *Actor) membershipGossip() []string {
	peers := a.peers.Snapshot()
	out := make([]string, 0, len(peers)+1)
	self := a.id
	if a.cfg.AdvertiseAddr != "" {
		self += " " + a.cfg.AdvertiseAddr
	}
	out = append(out, self)
	for _, p := range peers {
		entry := p.ID
		if p.Addr != "" {
			entry += " " + p.Addr
		}
		out = append(out, entry)
	}
	return out
}

// sendSnapshot ships the full cache state plus whatever log tail the
// leader still retains to a follower whose nextIndex has fallen
// behind the leader's retained log start, the case AppendEntries
// alone can no longer reconcile.
func (a *Actor) sendSnapshot(peerID string, term uint64) {
	a.mu.RLock()
	lastIncluded := a.lastApplied
	a.mu.RUnlock()

	data, err := EncodeSnapshot(nil, a.sm.Snapshot())
	if err != nil {
		return
	}
	lastIncludedTerm := uint64(0)
	if e, ok := a.log.ReadAt(lastIncluded); ok {
		lastIncludedTerm = e.Term
	}
	trailing := a.log.Range(lastIncluded+1, a.log.LastLogIndex())

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HeartbeatInterval*8)
	defer cancel()
	reply, err := a.transport.InstallSnapshot(ctx, peerID, InstallSnapshotArgs{
		Term:              term,
		LeaderID:          a.id,
		LastIncludedIndex: lastIncluded,
		LastIncludedTerm:  lastIncludedTerm,
		Data:              data,
		TrailingLog:       trailing,
	})
	if err != nil {
		return
	}
	if reply.Term > term {
		a.becomeFollower(reply.Term, "")
		return
	}
	if a.getRole() != Leader || a.log.CurrentTerm() != term {
		return
	}
	a.peers.NoteHeartbeat(peerID)
	a.mu.Lock()
	a.matchIndex[peerID] = lastIncluded + uint64(len(trailing))
	a.nextIndex[peerID] = a.matchIndex[peerID] + 1
	a.mu.Unlock()
}

func (a *Actor) tryAdvanceCommitIndex(term uint64) {
	a.mu.Lock()
	matches := make([]uint64, 0, len(a.matchIndex)+1)
	matches = append(matches, a.log.LastLogIndex())
	for _, idx := range a.matchIndex {
		matches = append(matches, idx)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	majorityIdx := matches[len(matches)/2]

	if majorityIdx <= a.commitIndex {
		a.mu.Unlock()
		return
	}
	entry, ok := a.log.ReadAt(majorityIdx)
	if !ok || entry.Term != term {
		a.mu.Unlock()
		return
	}
	a.commitIndex = majorityIdx
	a.mu.Unlock()
}

func (a *Actor) failPendingCommands(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for idx, ch := range a.pendingCommands {
		ch <- CommitResult{Err: err}
		delete(a.pendingCommands, idx)
	}
}

// applyLoop pushes newly committed entries into the state machine in
// order, and wakes any client waiting on that index via Submit.
func (a *Actor) applyLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
		}
		a.mu.RLock()
		commit := a.commitIndex
		applied := a.lastApplied
		a.mu.RUnlock()

		for applied < commit {
			applied++
			entry, ok := a.log.ReadAt(applied)
			if !ok {
				break
			}
			cmd, ok := decodeStateCommand(entry.Request)
			if ok {
				a.sm.Apply(cmd, applied)
			}
			a.mu.Lock()
			a.lastApplied = applied
			a.mu.Unlock()

			a.pendingMu.Lock()
			if ch, found := a.pendingCommands[entry.LogIndex]; found {
				ch <- CommitResult{Index: entry.LogIndex, Term: entry.Term}
				delete(a.pendingCommands, entry.LogIndex)
			}
			a.pendingMu.Unlock()
		}
	}
}

// Submit appends request as a new log entry (if this node is leader)
// and blocks until it is committed and applied, or ctx is done.
func (a *Actor) Submit(ctx context.Context, request []byte) (CommitResult, error) {
	if !a.IsLeader() {
		return CommitResult{}, ErrNotLeader
	}
	term := a.log.CurrentTerm()
	ops := a.log.LeaderWriteEntries([][]byte{request}, term)
	if len(ops) == 0 {
		// A local append failure means this node can no longer act as
		// a durable leader; step down and let the pending client see
		// the failure rather than a silent hang.
		a.becomeFollower(term, "")
		return CommitResult{}, ErrLogAppend
	}
	index := ops[0].LogIndex

	ch := make(chan CommitResult, 1)
	a.pendingMu.Lock()
	a.pendingCommands[index] = ch
	a.pendingMu.Unlock()

	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		a.pendingMu.Lock()
		delete(a.pendingCommands, index)
		a.pendingMu.Unlock()
		return CommitResult{}, ctx.Err()
	}
}
