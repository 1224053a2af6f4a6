package cluster

import (
	"strings"
	"sync"
	"time"
)

// PeerRole records how a peer was classified when it joined: a replica
// presented the same replication id as ours, a non-data peer a
// different one. The actor does not act on the role: every peer in the
// table is sent heartbeats, log entries and vote requests, and counts
// toward the majority. CLUSTER NODES and topology pushes report it.
type PeerRole int

const (
	RoleUnknown PeerRole = iota
	RoleReplica
	RoleNonDataPeer
)

// PeerInfo is what the cluster actor tracks about one peer.
type PeerInfo struct {
	ID       string
	Addr     string
	Role     PeerRole
	ReplID   string
	LastSeen time.Time
}

// Table is the cluster actor's peer membership table. All access goes
// through its methods.
type Table struct {
	mu      sync.RWMutex
	peers   map[string]*PeerInfo
	subs    map[int]chan []PeerInfo
	nextSub int
}

// NewTable returns an empty membership table.
func NewTable() *Table {
	return &Table{peers: make(map[string]*PeerInfo), subs: make(map[int]chan []PeerInfo)}
}

// Subscribe registers interest in membership changes. The returned
// channel carries the full membership snapshot (capacity 1; a new
// change replaces a pending-but-unread one rather than blocking the
// mutating caller) each time Add/Forget/SyncMembership/liveness
// pruning alters the table. Cancel removes the subscription.
func (t *Table) Subscribe() (ch <-chan []PeerInfo, cancel func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	c := make(chan []PeerInfo, 1)
	t.subs[id] = c
	t.mu.Unlock()
	return c, func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// notifyLocked fans the current membership out to every subscriber
// without blocking; callers hold t.mu for writing already.
func (t *Table) notifyLocked() {
	snap := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		snap = append(snap, *p)
	}
	for _, c := range t.subs {
		select {
		case c <- snap:
		default:
			select {
			case <-c:
			default:
			}
			c <- snap
		}
	}
}

// Add registers a peer, or updates its address/role/replid if already known.
func (t *Table) Add(id, addr string, role PeerRole, replID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Addr = addr
		p.Role = role
		p.ReplID = replID
		p.LastSeen = time.Now()
		t.notifyLocked()
		return
	}
	t.peers[id] = &PeerInfo{ID: id, Addr: addr, Role: role, ReplID: replID, LastSeen: time.Now()}
	t.notifyLocked()
}

// Forget removes a peer immediately (an explicit CLUSTER FORGET), as
// opposed to gossip-driven or liveness-driven pruning.
func (t *Table) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	t.notifyLocked()
}

// NoteHeartbeat records that the peer was just heard from: a follower
// calls it for its leader on every AppendEntries, a leader calls it
// for a follower on every successful reply.
func (t *Table) NoteHeartbeat(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// PruneStale removes every peer not heard from within ttl and returns
// the pruned ids. The leader's liveness scheduler calls this each tick.
func (t *Table) PruneStale(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	var pruned []string
	for id, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			pruned = append(pruned, id)
		}
	}
	if len(pruned) > 0 {
		t.notifyLocked()
	}
	return pruned
}

// SyncMembership reconciles the table against nodes, the authoritative
// membership list a leader's heartbeat carries ("id" or "id addr" per
// entry). Unknown listed peers are added; a known peer absent from the
// list is pruned on the spot — the leader's view is authoritative, so
// a forgotten peer disappears cluster-wide within one heartbeat. self
// is this node's own id, which the leader's list always includes but
// which must never appear in the node's own peer table. A nil nodes
// means no membership info was attached (e.g. the bare AppendEntries
// confirmLeadership sends) and is a no-op.
func (t *Table) SyncMembership(self string, nodes []string) {
	if nodes == nil {
		return
	}
	listed := make(map[string]string, len(nodes))
	for _, entry := range nodes {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		addr := ""
		if len(fields) > 1 {
			addr = fields[1]
		}
		listed[fields[0]] = addr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for id, addr := range listed {
		if id == self {
			continue
		}
		if p, ok := t.peers[id]; ok {
			if addr != "" && p.Addr == "" {
				p.Addr = addr
			}
			continue
		}
		t.peers[id] = &PeerInfo{ID: id, Addr: addr, LastSeen: time.Now()}
		changed = true
	}
	for id := range t.peers {
		if _, ok := listed[id]; ok {
			continue
		}
		delete(t.peers, id)
		changed = true
	}
	if changed {
		t.notifyLocked()
	}
}

// IDs returns the current peer ids.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// Size returns the number of known peers (not counting self).
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Snapshot returns a copy of every known peer, for CLUSTER NODES.
func (t *Table) Snapshot() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// AcceptPeer folds the result of an inbound three-way handshake into
// the membership table: a peer presenting the same replication id as
// ours is a full voting replica, anything else (including the "?"
// sentinel before a replid has been decided) is recorded as a
// non-data peer until it converges.
func (a *Actor) AcceptPeer(id, addr, replID string, ourReplID string) {
	role := RoleNonDataPeer
	if replID == ourReplID {
		role = RoleReplica
	}
	a.peers.Add(id, addr, role, replID)
}

// Discover merges a peer learned indirectly (via another peer's own
// peer list during the handshake's PEERS dissemination) into the
// table if it isn't already known.
func (a *Actor) Discover(id, addr string) {
	for _, known := range a.peers.IDs() {
		if known == id {
			return
		}
	}
	a.peers.Add(id, addr, RoleUnknown, "")
}

// Forget removes a peer from the table immediately.
func (a *Actor) Forget(id string) {
	a.peers.Forget(id)
	a.mu.Lock()
	delete(a.nextIndex, id)
	delete(a.matchIndex, id)
	a.mu.Unlock()
}

// Nodes returns the current membership table, for CLUSTER NODES.
func (a *Actor) Nodes() []PeerInfo {
	return a.peers.Snapshot()
}

// SubscribeTopology registers interest in membership changes, for a
// client session's writer task to push TopologyChange notifications.
func (a *Actor) SubscribeTopology() (ch <-chan []PeerInfo, cancel func()) {
	return a.peers.Subscribe()
}
