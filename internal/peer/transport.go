package peer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/vzdtic/raftkv/internal/cluster"
	"github.com/vzdtic/raftkv/internal/resp"
	"github.com/vzdtic/raftkv/internal/wal"
)

// Transport implements cluster.Transport by dialing a short-lived
// connection per RPC and exchanging RESP arrays. It resolves peer ids
// to addresses through addrOf, which the startup facade wires to the
// cluster actor's membership table.
type Transport struct {
	AddrOf func(peerID string) (string, bool)
	Dial   func(addr string) (net.Conn, error)
}

// NewTransport returns a Transport dialing plain TCP connections.
func NewTransport(addrOf func(string) (string, bool)) *Transport {
	return &Transport{
		AddrOf: addrOf,
		Dial:   func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) },
	}
}

func (t *Transport) call(ctx context.Context, target string, req resp.Value) (resp.Value, error) {
	addr, ok := t.AddrOf(target)
	if !ok {
		return resp.Value{}, fmt.Errorf("peer: unknown target %q", target)
	}
	conn, err := t.Dial(addr)
	if err != nil {
		return resp.Value{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(2 * time.Second))
	}

	if _, err := conn.Write(req.Serialize()); err != nil {
		return resp.Value{}, err
	}
	return resp.Parse(bufio.NewReader(conn))
}

// RequestVote sends a RAFT_VOTE request.
func (t *Transport) RequestVote(ctx context.Context, target string, args cluster.RequestVoteArgs) (cluster.RequestVoteReply, error) {
	req := resp.Arr(
		resp.Bulk("RAFT_VOTE"),
		resp.Bulk(strconv.FormatUint(args.Term, 10)),
		resp.Bulk(args.CandidateID),
		resp.Bulk(strconv.FormatUint(args.LastLogIndex, 10)),
		resp.Bulk(strconv.FormatUint(args.LastLogTerm, 10)),
	)
	reply, err := t.call(ctx, target, req)
	if err != nil {
		return cluster.RequestVoteReply{}, err
	}
	fields, ok := reply.AsStrings()
	if !ok || len(fields) != 2 {
		return cluster.RequestVoteReply{}, fmt.Errorf("peer: malformed vote reply")
	}
	term, _ := strconv.ParseUint(fields[0], 10, 64)
	return cluster.RequestVoteReply{Term: term, VoteGranted: fields[1] == "1"}, nil
}

// AppendEntries sends a RAFT_APPEND request.
func (t *Transport) AppendEntries(ctx context.Context, target string, args cluster.AppendEntriesArgs) (cluster.AppendEntriesReply, error) {
	entryVals := make([]resp.Value, len(args.Entries))
	for i, e := range args.Entries {
		var buf bytes.Buffer
		wal.Encode(&buf, e)
		entryVals[i] = resp.Bulk(buf.String())
	}
	nodeVals := make([]resp.Value, len(args.ClusterNodes))
	for i, id := range args.ClusterNodes {
		nodeVals[i] = resp.Bulk(id)
	}
	req := resp.Arr(
		resp.Bulk("RAFT_APPEND"),
		resp.Bulk(strconv.FormatUint(args.Term, 10)),
		resp.Bulk(args.LeaderID),
		resp.Bulk(strconv.FormatUint(args.PrevLogIndex, 10)),
		resp.Bulk(strconv.FormatUint(args.PrevLogTerm, 10)),
		resp.Bulk(strconv.FormatUint(args.LeaderCommit, 10)),
		resp.Arr(entryVals...),
		resp.Arr(nodeVals...),
	)
	reply, err := t.call(ctx, target, req)
	if err != nil {
		return cluster.AppendEntriesReply{}, err
	}
	fields, ok := reply.AsStrings()
	if !ok || len(fields) != 4 {
		return cluster.AppendEntriesReply{}, fmt.Errorf("peer: malformed append reply")
	}
	term, _ := strconv.ParseUint(fields[0], 10, 64)
	conflictIndex, _ := strconv.ParseUint(fields[2], 10, 64)
	conflictTerm, _ := strconv.ParseUint(fields[3], 10, 64)
	return cluster.AppendEntriesReply{
		Term:          term,
		Success:       fields[1] == "1",
		ConflictIndex: conflictIndex,
		ConflictTerm:  conflictTerm,
	}, nil
}

// InstallSnapshot sends a RAFT_SNAPSHOT request.
func (t *Transport) InstallSnapshot(ctx context.Context, target string, args cluster.InstallSnapshotArgs) (cluster.InstallSnapshotReply, error) {
	trailingVals := make([]resp.Value, len(args.TrailingLog))
	for i, e := range args.TrailingLog {
		var buf bytes.Buffer
		wal.Encode(&buf, e)
		trailingVals[i] = resp.Bulk(buf.String())
	}
	req := resp.Arr(
		resp.Bulk("RAFT_SNAPSHOT"),
		resp.Bulk(strconv.FormatUint(args.Term, 10)),
		resp.Bulk(args.LeaderID),
		resp.Bulk(strconv.FormatUint(args.LastIncludedIndex, 10)),
		resp.Bulk(strconv.FormatUint(args.LastIncludedTerm, 10)),
		resp.Bulk(string(args.Data)),
		resp.Arr(trailingVals...),
	)
	reply, err := t.call(ctx, target, req)
	if err != nil {
		return cluster.InstallSnapshotReply{}, err
	}
	fields, ok := reply.AsStrings()
	if !ok || len(fields) != 1 {
		return cluster.InstallSnapshotReply{}, fmt.Errorf("peer: malformed snapshot reply")
	}
	term, _ := strconv.ParseUint(fields[0], 10, 64)
	return cluster.InstallSnapshotReply{Term: term}, nil
}
