// Package session implements the per-connection client protocol:
// parsing RESP commands, dispatching them to the cluster actor or the
// cache directly for reads, and replying over RESP.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vzdtic/raftkv/internal/cluster"
	"github.com/vzdtic/raftkv/internal/resp"
)

// Cluster is the subset of *cluster.Actor a session needs.
type Cluster interface {
	Submit(ctx context.Context, request []byte) (cluster.CommitResult, error)
	Read(ctx context.Context, key string, get func(string, uint64) (string, bool)) (string, bool, error)
	IsLeader() bool
	LeaderID() string
	Term() uint64
	CommitIndex() uint64
	Nodes() []cluster.PeerInfo
	Forget(id string)
	SubscribeTopology() (ch <-chan []cluster.PeerInfo, cancel func())
}

// responseQueueCapacity bounds the writer's outgoing queue; a slow
// client backs up here rather than blocking the reader indefinitely.
const responseQueueCapacity = 100

// topologyPush renders a membership snapshot as a server-pushed RESP
// frame: an array led by a literal tag a client can recognize without
// RESP3 push-type support, followed by one bulk string per peer in
// the same "id addr role replid" shape CLUSTER NODES uses.
func topologyPush(nodes []cluster.PeerInfo) resp.Value {
	vals := make([]resp.Value, 0, len(nodes)+1)
	vals = append(vals, resp.Bulk("TOPOLOGY_CHANGE"))
	for _, n := range nodes {
		role := "replica"
		if n.Role == cluster.RoleNonDataPeer {
			role = "nondata"
		}
		vals = append(vals, resp.Bulk(fmt.Sprintf("%s %s %s %s", n.ID, n.Addr, role, n.ReplID)))
	}
	return resp.Arr(vals...)
}

// replyCache is the bounded per-session ring of recent request-id to
// reply mappings that makes a repeated SessionRequest idempotent
// instead of resubmitting the write to the cluster actor.
type replyCache struct {
	order []string
	data  map[string]resp.Value
	limit int
}

func newReplyCache(limit int) *replyCache {
	return &replyCache{data: make(map[string]resp.Value), limit: limit}
}

func (c *replyCache) get(id string) (resp.Value, bool) {
	v, ok := c.data[id]
	return v, ok
}

func (c *replyCache) put(id string, v resp.Value) {
	if _, exists := c.data[id]; !exists {
		c.order = append(c.order, id)
		if len(c.order) > c.limit {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.data, oldest)
		}
	}
	c.data[id] = v
}

// Session drives one client connection.
type Session struct {
	conn    net.Conn
	cluster Cluster
	get     func(key string, minIndex uint64) (string, bool)
	keys    func(pattern string) []string
	save    func() error
	replies *replyCache
	logger  zerolog.Logger
	dbname  string
	dir     string
}

// New wraps an accepted client connection. save may be nil, in which
// case SAVE reports an error instead of panicking.
func New(conn net.Conn, cl Cluster, get func(string, uint64) (string, bool), keys func(string) []string, save func() error, replayWindow int, dir, dbname string, logger zerolog.Logger) *Session {
	return &Session{
		conn:    conn,
		cluster: cl,
		get:     get,
		keys:    keys,
		save:    save,
		replies: newReplyCache(replayWindow),
		logger:  logger.With().Str("component", "session").Str("remote", conn.RemoteAddr().String()).Logger(),
		dir:     dir,
		dbname:  dbname,
	}
}

// Serve runs the reader loop until the connection closes or a fatal
// error occurs, and blocks until the paired writer task has also
// drained and exited. The reader parses frames and dispatches them
// (forwarding writes to the cluster actor, reads to the cache), the
// writer drains the bounded out queue and the cluster's topology
// broadcast, so a TopologyChange can be pushed between two client
// replies without the reader blocking on it.
func (s *Session) Serve() {
	defer s.conn.Close()

	out := make(chan resp.Value, responseQueueCapacity)
	topology, cancelTopology := s.cluster.SubscribeTopology()
	defer cancelTopology()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(out, topology)
	}()

	br := bufio.NewReader(s.conn)
	for {
		requestID, val, err := readClientFrame(br)
		if err != nil {
			break
		}
		reply := s.dispatchWithDedup(requestID, val)
		select {
		case out <- reply:
		case <-done:
			return
		}
	}
	close(out)
	<-done
}

// writeLoop drains out (request replies, in send order) and topology
// (asynchronous membership pushes), writing each to the connection as
// it arrives, until out is closed or a write fails.
func (s *Session) writeLoop(out <-chan resp.Value, topology <-chan []cluster.PeerInfo) {
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return
			}
			if _, err := s.conn.Write(v.Serialize()); err != nil {
				return
			}
		case nodes := <-topology:
			if _, err := s.conn.Write(topologyPush(nodes).Serialize()); err != nil {
				return
			}
		}
	}
}

func readClientFrame(br *bufio.Reader) (requestID string, val resp.Value, err error) {
	b, err := br.Peek(1)
	if err != nil {
		return "", resp.Value{}, err
	}
	if resp.IsExtensionTag(b[0]) {
		_, _, sreq, err := resp.ReadFrame(br)
		if err != nil || sreq == nil {
			return "", resp.Value{}, fmt.Errorf("session: expected session request")
		}
		return sreq.RequestID, sreq.Value, nil
	}
	v, err := resp.Parse(br)
	return "", v, err
}

func (s *Session) dispatchWithDedup(requestID string, val resp.Value) resp.Value {
	if requestID != "" {
		if cached, ok := s.replies.get(requestID); ok {
			return cached
		}
	}
	reply := s.dispatch(val)
	if requestID != "" {
		s.replies.put(requestID, reply)
	}
	return reply
}

func (s *Session) dispatch(val resp.Value) resp.Value {
	args, ok := val.AsStrings()
	if !ok || len(args) == 0 {
		return resp.Err("ERR invalid request")
	}
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "PING":
		return resp.Simple("PONG")
	case "ECHO":
		if len(args) != 2 {
			return wrongArity("ECHO")
		}
		return resp.Bulk(args[1])
	case "GET":
		return s.cmdGet(args)
	case "SET":
		return s.cmdSet(args)
	case "DEL":
		return s.cmdDel(args)
	case "EXISTS":
		return s.cmdExists(args)
	case "KEYS":
		return s.cmdKeys(args)
	case "SAVE":
		return s.cmdSave()
	case "CONFIG":
		return s.cmdConfig(args)
	case "INFO":
		return s.cmdInfo()
	case "CLUSTER":
		return s.cmdCluster(args)
	default:
		return resp.Err("ERR unknown command '" + args[0] + "'")
	}
}

func wrongArity(cmd string) resp.Value {
	return resp.Err(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}

// cmdGet serves a linearizable read on the leader. On a follower the
// read falls back to local state: the value as of the follower's own
// high-watermark, which is what a replica is expected to answer with.
func (s *Session) cmdGet(args []string) resp.Value {
	if len(args) != 2 {
		return wrongArity("GET")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, found, err := s.cluster.Read(ctx, args[1], s.get)
	if errors.Is(err, cluster.ErrNotLeader) {
		val, found = s.get(args[1], 0)
	} else if err != nil {
		return errReply(s.cluster, err)
	}
	if !found {
		return resp.NullBulk()
	}
	return resp.Bulk(val)
}

func (s *Session) cmdSet(args []string) resp.Value {
	if len(args) != 3 && len(args) != 5 {
		return wrongArity("SET")
	}
	var expireAt time.Time
	if len(args) == 5 {
		if strings.ToUpper(args[3]) != "PX" {
			return resp.Err("ERR syntax error")
		}
		ms, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil || ms < 0 {
			return resp.Err("ERR PX value is not an integer or out of range")
		}
		expireAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	req := cluster.EncodeSet(args[1], args[2], expireAt)
	return s.submit(req)
}

// DEL takes one or more keys; each is fanned out as its own log entry
// since the replicated log's request encoding carries a single key,
// matching the per-key shard-application model §4.4 describes for a
// multi-key delete (no cross-shard atomicity is offered).
func (s *Session) cmdDel(args []string) resp.Value {
	if len(args) < 2 {
		return wrongArity("DEL")
	}
	deleted := int64(0)
	for _, key := range args[1:] {
		if _, existed := s.get(key, 0); existed {
			deleted++
		}
		req := cluster.EncodeDelete(key)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := s.cluster.Submit(ctx, req)
		cancel()
		if err != nil {
			return errReply(s.cluster, err)
		}
	}
	return resp.Int(deleted)
}

func (s *Session) cmdKeys(args []string) resp.Value {
	if len(args) != 2 {
		return wrongArity("KEYS")
	}
	pattern := args[1]
	if pattern == "*" {
		pattern = ""
	}
	keys := s.keys(pattern)
	vals := make([]resp.Value, len(keys))
	for i, k := range keys {
		vals[i] = resp.Bulk(k)
	}
	return resp.Arr(vals...)
}

func (s *Session) cmdSave() resp.Value {
	if s.save == nil {
		return resp.Err("ERR SAVE not available")
	}
	if err := s.save(); err != nil {
		return resp.Err("ERR " + err.Error())
	}
	return resp.Simple("OK")
}

func (s *Session) submit(req []byte) resp.Value {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.cluster.Submit(ctx, req)
	if err != nil {
		return errReply(s.cluster, err)
	}
	return resp.Simple("OK")
}

func (s *Session) cmdExists(args []string) resp.Value {
	if len(args) != 2 {
		return wrongArity("EXISTS")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, found, err := s.cluster.Read(ctx, args[1], s.get)
	if errors.Is(err, cluster.ErrNotLeader) {
		_, found = s.get(args[1], 0)
	} else if err != nil {
		return errReply(s.cluster, err)
	}
	if found {
		return resp.Int(1)
	}
	return resp.Int(0)
}

func (s *Session) cmdConfig(args []string) resp.Value {
	if len(args) != 3 || strings.ToUpper(args[1]) != "GET" {
		return resp.Err("ERR unsupported CONFIG subcommand")
	}
	switch strings.ToLower(args[2]) {
	case "dir":
		return resp.Arr(resp.Bulk("dir"), resp.Bulk(s.dir))
	case "dbfilename":
		return resp.Arr(resp.Bulk("dbfilename"), resp.Bulk(s.dbname))
	default:
		return resp.Err("ERR unknown config key")
	}
}

func (s *Session) cmdInfo() resp.Value {
	role := "follower"
	if s.cluster.IsLeader() {
		role = "leader"
	}
	info := fmt.Sprintf("role:%s\r\nterm:%d\r\ncommit_index:%d\r\n", role, s.cluster.Term(), s.cluster.CommitIndex())
	return resp.Bulk(info)
}

func (s *Session) cmdCluster(args []string) resp.Value {
	if len(args) < 2 {
		return resp.Err("ERR unsupported CLUSTER subcommand")
	}
	switch strings.ToUpper(args[1]) {
	case "NODES":
		nodes := s.cluster.Nodes()
		vals := make([]resp.Value, len(nodes))
		for i, n := range nodes {
			role := "replica"
			if n.Role == cluster.RoleNonDataPeer {
				role = "nondata"
			}
			vals[i] = resp.Bulk(fmt.Sprintf("%s %s %s %s", n.ID, n.Addr, role, n.ReplID))
		}
		return resp.Arr(vals...)
	case "FORGET":
		if len(args) != 3 {
			return wrongArity("CLUSTER FORGET")
		}
		s.cluster.Forget(args[2])
		return resp.Simple("OK")
	case "INFO":
		return resp.Bulk(fmt.Sprintf("leader_id:%s\r\nterm:%d\r\ncluster_known_nodes:%d\r\n",
			s.cluster.LeaderID(), s.cluster.Term(), len(s.cluster.Nodes())))
	default:
		return resp.Err("ERR unsupported CLUSTER subcommand")
	}
}

// errReply maps a cluster error onto the canonical client-facing RESP
// error: timeouts become "ERR timeout", everything else "ERR not
// leader" with a leader hint when one is known.
func errReply(c Cluster, err error) resp.Value {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, cluster.ErrTimeout) {
		return resp.Err("ERR timeout")
	}
	hint := c.LeaderID()
	if hint == "" {
		return resp.Err("ERR not leader")
	}
	return resp.Err("ERR not leader, try " + hint)
}
