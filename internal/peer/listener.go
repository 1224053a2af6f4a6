package peer

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/vzdtic/raftkv/internal/cluster"
	"github.com/vzdtic/raftkv/internal/resp"
	"github.com/vzdtic/raftkv/internal/wal"
)

// RPCHandler is the subset of *cluster.Actor the listener dispatches
// RAFT_* requests to.
type RPCHandler interface {
	HandleRequestVote(cluster.RequestVoteArgs) cluster.RequestVoteReply
	HandleAppendEntries(cluster.AppendEntriesArgs) cluster.AppendEntriesReply
	HandleInstallSnapshot(cluster.InstallSnapshotArgs) cluster.InstallSnapshotReply
}

// PeerAcceptedFunc is invoked once an inbound connection completes
// the three-way handshake, so the caller can fold the new peer into
// its membership table.
type PeerAcceptedFunc func(result HandshakeResult)

// Listener accepts inbound peer connections: a bare "PING" starts a
// handshake, a RESP array beginning with a RAFT_* command is a
// one-shot consensus RPC.
type Listener struct {
	ln           net.Listener
	ourNodeID    string
	ourReplID    func() string
	knownPeers   func() []string
	rpc          RPCHandler
	onAccepted   PeerAcceptedFunc
	logger       zerolog.Logger
}

// Listen binds addr and returns a Listener ready to Serve. knownPeers
// is consulted on every inbound handshake so the PEERS gossip step
// always reflects the current membership table.
func Listen(addr, ourNodeID string, ourReplID func() string, knownPeers func() []string, rpc RPCHandler, onAccepted PeerAcceptedFunc, logger zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: listen %s: %w", addr, err)
	}
	return &Listener{
		ln:         ln,
		ourNodeID:  ourNodeID,
		ourReplID:  ourReplID,
		knownPeers: knownPeers,
		rpc:        rpc,
		onAccepted: onAccepted,
		logger:     logger.With().Str("component", "peer-listener").Logger(),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until the listener is closed.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return
	}
	if first[0] == '*' {
		l.handleRPC(conn, br)
		return
	}
	l.handleHandshake(conn)
}

func (l *Listener) handleHandshake(conn net.Conn) {
	result, err := AcceptHandshake(conn, l.ourNodeID, l.ourReplID(), l.knownPeers())
	if err != nil {
		l.logger.Warn().Err(err).Msg("handshake failed")
		return
	}
	if l.onAccepted != nil {
		l.onAccepted(result)
	}
}

func (l *Listener) handleRPC(conn net.Conn, br *bufio.Reader) {
	req, err := resp.Parse(br)
	if err != nil || req.Kind != resp.Array || len(req.Array) == 0 {
		return
	}
	name := req.Array[0].Str

	var reply resp.Value
	switch name {
	case "RAFT_VOTE":
		fields, ok := req.AsStrings()
		if !ok {
			return
		}
		reply = l.handleVote(fields)
	case "RAFT_APPEND":
		reply = l.handleAppendValue(req.Array)
	case "RAFT_SNAPSHOT":
		reply = l.handleSnapshot(req.Array)
	default:
		reply = resp.Err("ERR unknown peer command")
	}
	conn.Write(reply.Serialize())
}

func (l *Listener) handleVote(fields []string) resp.Value {
	if len(fields) != 5 {
		return resp.Err("ERR malformed RAFT_VOTE")
	}
	term, _ := strconv.ParseUint(fields[1], 10, 64)
	lastIdx, _ := strconv.ParseUint(fields[3], 10, 64)
	lastTerm, _ := strconv.ParseUint(fields[4], 10, 64)
	reply := l.rpc.HandleRequestVote(cluster.RequestVoteArgs{
		Term:         term,
		CandidateID:  fields[2],
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	})
	granted := "0"
	if reply.VoteGranted {
		granted = "1"
	}
	return resp.Arr(resp.Bulk(strconv.FormatUint(reply.Term, 10)), resp.Bulk(granted))
}

func (l *Listener) handleAppendValue(vals []resp.Value) resp.Value {
	if len(vals) != 7 && len(vals) != 8 {
		return resp.Err("ERR malformed RAFT_APPEND")
	}
	term, _ := strconv.ParseUint(vals[1].Str, 10, 64)
	prevIdx, _ := strconv.ParseUint(vals[3].Str, 10, 64)
	prevTerm, _ := strconv.ParseUint(vals[4].Str, 10, 64)
	leaderCommit, _ := strconv.ParseUint(vals[5].Str, 10, 64)

	var entries []wal.WriteOperation
	if vals[6].Kind == resp.Array {
		entries = make([]wal.WriteOperation, 0, len(vals[6].Array))
		for _, e := range vals[6].Array {
			op, err := wal.Decode(bytes.NewReader([]byte(e.Str)))
			if err != nil {
				return resp.Err("ERR malformed log entry")
			}
			entries = append(entries, op)
		}
	}

	// A zero-length node list means the caller attached no membership
	// info (confirmLeadership's bare liveness check); a genuine
	// periodic heartbeat always lists at least the leader itself.
	var clusterNodes []string
	if len(vals) == 8 && vals[7].Kind == resp.Array && len(vals[7].Array) > 0 {
		clusterNodes = make([]string, len(vals[7].Array))
		for i, v := range vals[7].Array {
			clusterNodes[i] = v.Str
		}
	}

	reply := l.rpc.HandleAppendEntries(cluster.AppendEntriesArgs{
		Term:         term,
		LeaderID:     vals[2].Str,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		LeaderCommit: leaderCommit,
		Entries:      entries,
		ClusterNodes: clusterNodes,
	})
	success := "0"
	if reply.Success {
		success = "1"
	}
	return resp.Arr(
		resp.Bulk(strconv.FormatUint(reply.Term, 10)),
		resp.Bulk(success),
		resp.Bulk(strconv.FormatUint(reply.ConflictIndex, 10)),
		resp.Bulk(strconv.FormatUint(reply.ConflictTerm, 10)),
	)
}

func (l *Listener) handleSnapshot(vals []resp.Value) resp.Value {
	if len(vals) != 6 && len(vals) != 7 {
		return resp.Err("ERR malformed RAFT_SNAPSHOT")
	}
	term, _ := strconv.ParseUint(vals[1].Str, 10, 64)
	lastIdx, _ := strconv.ParseUint(vals[3].Str, 10, 64)
	lastTerm, _ := strconv.ParseUint(vals[4].Str, 10, 64)

	var trailing []wal.WriteOperation
	if len(vals) == 7 && vals[6].Kind == resp.Array {
		trailing = make([]wal.WriteOperation, 0, len(vals[6].Array))
		for _, e := range vals[6].Array {
			op, err := wal.Decode(bytes.NewReader([]byte(e.Str)))
			if err != nil {
				return resp.Err("ERR malformed log entry")
			}
			trailing = append(trailing, op)
		}
	}

	reply := l.rpc.HandleInstallSnapshot(cluster.InstallSnapshotArgs{
		Term:              term,
		LeaderID:          vals[2].Str,
		LastIncludedIndex: lastIdx,
		LastIncludedTerm:  lastTerm,
		Data:              []byte(vals[5].Str),
		TrailingLog:       trailing,
	})
	return resp.Arr(resp.Bulk(strconv.FormatUint(reply.Term, 10)))
}
