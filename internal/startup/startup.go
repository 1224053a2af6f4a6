// Package startup wires the components of one node together: it
// opens the WAL, restores a snapshot if one exists, starts the
// cluster actor, binds the peer and client listeners, and runs
// discovery against a seed peer if one is configured.
package startup

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vzdtic/raftkv/internal/cache"
	"github.com/vzdtic/raftkv/internal/cluster"
	"github.com/vzdtic/raftkv/internal/config"
	"github.com/vzdtic/raftkv/internal/peer"
	"github.com/vzdtic/raftkv/internal/replog"
	"github.com/vzdtic/raftkv/internal/resp"
	"github.com/vzdtic/raftkv/internal/session"
	"github.com/vzdtic/raftkv/internal/wal"
)

// Node is a fully wired, running instance of the store.
type Node struct {
	cfg      config.Config
	logger   zerolog.Logger
	actor    *cluster.Actor
	sm       cluster.CacheStateMachine
	peerLn   *peer.Listener
	clientLn net.Listener
	replID   string

	discoverMu   sync.Mutex
	discoveredAt map[string]bool
}

// Run builds and starts a node from cfg, serving until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Node, error) {
	w, err := wal.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("startup: open wal: %w", err)
	}
	log := replog.New(w)

	sm := cluster.CacheStateMachine{Manager: cache.New(cfg.ShardCount, cfg.TTLSweepInterval)}

	replID := peer.Undecided
	if cfg.ReplicaOf == "" {
		replID = newReplicationID()
	}

	n := &Node{cfg: cfg, logger: logger, sm: sm, replID: replID, discoveredAt: make(map[string]bool)}

	transport := peer.NewTransport(func(id string) (string, bool) {
		for _, p := range n.actor.Nodes() {
			if p.ID == id {
				return p.Addr, true
			}
		}
		return "", false
	})

	actorCfg := cluster.Config{
		NodeID:             cfg.NodeID,
		AdvertiseAddr:      cfg.PeerBindAddr,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		PeerTTL:            cfg.PeerTTL,
	}
	n.actor = cluster.New(actorCfg, log, sm, transport, logger)

	if err := n.restoreSnapshot(); err != nil {
		logger.Warn().Err(err).Msg("no snapshot restored")
	}

	n.actor.Start()

	peerLn, err := peer.Listen(cfg.PeerBindAddr, cfg.NodeID, func() string { return n.replID }, n.knownPeerAddrs, n.actor,
		func(res peer.HandshakeResult) {
			n.actor.AcceptPeer(res.PeerID, res.ListeningAddr, res.ReplID, n.replID)
		}, logger)
	if err != nil {
		return nil, err
	}
	n.peerLn = peerLn
	go peerLn.Serve()

	clientLn, err := net.Listen("tcp", cfg.ClientBindAddr)
	if err != nil {
		return nil, fmt.Errorf("startup: listen client addr: %w", err)
	}
	n.clientLn = clientLn
	go n.serveClients()

	if cfg.ReplicaOf != "" {
		go n.discover(cfg.ReplicaOf)
	}

	go func() {
		<-ctx.Done()
		n.Shutdown()
	}()

	logger.Info().Str("client_addr", cfg.ClientBindAddr).Str("peer_addr", cfg.PeerBindAddr).Msg("node ready")
	return n, nil
}

func newReplicationID() string {
	return fmt.Sprintf("repl-%d", time.Now().UnixNano())
}

func (n *Node) serveClients() {
	for {
		conn, err := n.clientLn.Accept()
		if err != nil {
			return
		}
		sess := session.New(conn, n.actor, n.sm.Get, n.sm.Keys, n.Save, n.cfg.SessionReplayWindow, n.cfg.DataDir, n.cfg.DBFilename, n.logger)
		go sess.Serve()
	}
}

// knownPeerAddrs returns the addresses of every peer currently known,
// disseminated to a newly handshaking peer via the PEERS step.
func (n *Node) knownPeerAddrs() []string {
	nodes := n.actor.Nodes()
	out := make([]string, 0, len(nodes))
	for _, p := range nodes {
		if p.Addr != "" {
			out = append(out, p.Addr)
		}
	}
	return out
}

// discover connects to seedAddr and recursively follows the PEERS
// list each handshake returns, so a node seeded with just one address
// still learns the full cluster membership rather than only its seed.
func (n *Node) discover(seedAddr string) {
	n.discoverPeer(seedAddr)
}

func (n *Node) discoverPeer(addr string) {
	if addr == "" || addr == n.cfg.PeerBindAddr {
		return
	}
	n.discoverMu.Lock()
	if n.discoveredAt[addr] {
		n.discoverMu.Unlock()
		return
	}
	n.discoveredAt[addr] = true
	n.discoverMu.Unlock()

	_, host, err := dialAndHandshake(addr, n.cfg.NodeID, n.replID, n.cfg.PeerBindAddr)
	if err != nil {
		n.logger.Warn().Err(err).Str("addr", addr).Msg("discovery failed")
		return
	}
	if n.replID == peer.Undecided {
		n.replID = host.ReplID
	}
	n.actor.AcceptPeer(host.PeerID, addr, host.ReplID, n.replID)

	for _, next := range host.PeerAddrs {
		go n.discoverPeer(next)
	}
}

func dialAndHandshake(addr, nodeID, replID, listenAddr string) (net.Conn, peer.HandshakeResult, error) {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, peer.HandshakeResult{}, err
	}
	var p int
	fmt.Sscanf(port, "%d", &p)
	return peer.Dial(addr, nodeID, replID, p)
}

func (n *Node) snapshotPath() string {
	return filepath.Join(n.cfg.DataDir, n.cfg.DBFilename)
}

// restoreSnapshot loads the on-disk snapshot file, if any. A
// replication-id recorded in the snapshot that differs from this
// node's own forces adoption of the snapshot's id, per the snapshot
// file's documented load behavior: the persisted dataset's origin
// cluster wins over whatever id this process happened to start with.
func (n *Node) restoreSnapshot() error {
	f, err := os.Open(n.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	meta, entries, err := resp.ReadSnapshot(bufio.NewReader(f))
	if err != nil {
		return err
	}
	converted := make([]cluster.StateEntry, len(entries))
	for i, e := range entries {
		converted[i] = cluster.StateEntry{Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt}
	}
	n.sm.Restore(converted)
	if id, ok := meta["replid"]; ok && id != "" {
		n.replID = id
	}
	return nil
}

// Save writes the current cache contents to the configured snapshot
// file, stamped with this node's replication-id and high-watermark.
func (n *Node) Save() error {
	f, err := os.Create(n.snapshotPath())
	if err != nil {
		return err
	}
	defer f.Close()
	entries := n.sm.Snapshot()
	converted := make([]resp.Entry, len(entries))
	for i, e := range entries {
		converted[i] = resp.Entry{Key: e.Key, Value: e.Value, ExpireAt: e.ExpireAt}
	}
	meta := map[string]string{
		"replid": n.replID,
		"hwm":    strconv.FormatUint(n.actor.CommitIndex(), 10),
	}
	return resp.WriteSnapshot(f, meta, converted)
}

// Shutdown stops every listener and the cluster actor, saving a final snapshot.
func (n *Node) Shutdown() {
	if n.clientLn != nil {
		n.clientLn.Close()
	}
	if n.peerLn != nil {
		n.peerLn.Close()
	}
	if err := n.Save(); err != nil {
		n.logger.Warn().Err(err).Msg("failed to save snapshot on shutdown")
	}
	n.actor.Stop()
}
