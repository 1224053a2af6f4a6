package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/vzdtic/raftkv/internal/config"
	"github.com/vzdtic/raftkv/internal/startup"
)

func main() {
	def := config.Default()

	nodeID := flag.String("id", "", "node id")
	clientAddr := flag.String("addr", def.ClientBindAddr, "client listen address")
	peerAddr := flag.String("peer-addr", def.PeerBindAddr, "peer listen address")
	dataDir := flag.String("dir", def.DataDir, "data directory for the WAL and snapshot")
	dbfilename := flag.String("dbfilename", def.DBFilename, "snapshot filename")
	replicaOf := flag.String("replicaof", "", "seed peer address to join an existing cluster")
	hfMills := flag.Int64("hf-mills", def.HeartbeatInterval.Milliseconds(), "leader heartbeat interval in milliseconds")
	ttlMills := flag.Int64("ttl-mills", def.PeerTTL.Milliseconds(), "peer liveness timeout in milliseconds")
	flag.Parse()

	if *nodeID == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := def
	cfg.NodeID = *nodeID
	cfg.ClientBindAddr = *clientAddr
	cfg.PeerBindAddr = *peerAddr
	cfg.DataDir = *dataDir
	cfg.DBFilename = *dbfilename
	cfg.ReplicaOf = *replicaOf
	cfg.HeartbeatInterval = time.Duration(*hfMills) * time.Millisecond
	cfg.PeerTTL = time.Duration(*ttlMills) * time.Millisecond

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("node_id", cfg.NodeID).Logger()

	ctx, cancel := context.WithCancel(context.Background())

	node, err := startup.Run(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start node")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond) // let the shutdown goroutine flush a final snapshot
	_ = node
}
