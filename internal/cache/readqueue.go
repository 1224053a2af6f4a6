package cache

import "sync/atomic"

// ReadQueue defers linearizable reads until the shard's applied index
// (the high-watermark) reaches the index the read was issued against,
// so a read observes every write that was committed before it arrived.
// Every method is called from the shard's single owning goroutine, so
// the waiting callbacks it holds can touch the shard's map directly
// without any locking of their own.
type ReadQueue struct {
	hwm     uint64 // atomic, so HighWatermark can be read from other goroutines
	waiters map[uint64][]func()
}

// NewReadQueue returns an empty queue with its watermark at 0.
func NewReadQueue() *ReadQueue {
	return &ReadQueue{waiters: make(map[uint64][]func())}
}

// HighWatermark returns the most recently applied index.
func (q *ReadQueue) HighWatermark() uint64 {
	return atomic.LoadUint64(&q.hwm)
}

// Advance bumps the watermark to index and runs any waiting callback
// whose target index has now been reached, in the calling goroutine.
// The watermark never moves backwards; an index at or below the
// current one (a snapshot restore applies entries at index 0) is a
// no-op. Must be called from the single goroutine that owns the
// shard's apply path.
func (q *ReadQueue) Advance(index uint64) {
	if index <= atomic.LoadUint64(&q.hwm) {
		return
	}
	atomic.StoreUint64(&q.hwm, index)
	for target, fns := range q.waiters {
		if target <= index {
			for _, fn := range fns {
				fn()
			}
			delete(q.waiters, target)
		}
	}
}

// Wait runs fn once the watermark reaches target: immediately, inline,
// if it already has; otherwise fn is parked and run later from inside
// Advance. Either way fn executes on the shard's owning goroutine, so
// it is safe for fn to read the shard's unsynchronized state.
func (q *ReadQueue) Wait(target uint64, fn func()) {
	if atomic.LoadUint64(&q.hwm) >= target {
		fn()
		return
	}
	q.waiters[target] = append(q.waiters[target], fn)
}
