package cluster

import "errors"

var (
	ErrNotLeader     = errors.New("cluster: not leader")
	ErrTimeout       = errors.New("cluster: timed out waiting for commit")
	ErrShuttingDown  = errors.New("cluster: actor is shutting down")
	ErrNoSuchPeer    = errors.New("cluster: no such peer")
	ErrStaleTerm     = errors.New("cluster: stale term")
	ErrLogAppend     = errors.New("cluster: log append failed")
)
