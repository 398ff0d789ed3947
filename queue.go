package redis

import (
	"sync"
	"time"
)

// future is the promise half of a pending request: exactly one of
// resolve or fail is called, exactly once, by the event loop goroutine.
type future struct {
	done   chan struct{}
	val    Value
	err    error
	sentAt time.Time
}

func newFuture() *future {
	return &future{done: make(chan struct{}), sentAt: time.Now()}
}

func (f *future) resolve(v Value) {
	f.val = v
	close(f.done)
}

func (f *future) fail(err error) {
	f.err = err
	close(f.done)
}

// Future is the caller-facing handle returned by Connection.Send.
type Future struct{ f *future }

// Wait blocks until the server has replied (or the connection failed)
// and returns the decoded Value.
func (fut Future) Wait() (Value, error) {
	<-fut.f.done
	return fut.f.val, fut.f.err
}

// correlator is the FIFO command/response queue described in spec.md
// §4.3: one future per command, popped in the exact order commands
// were written to the wire. Grounded on the teacher's readQueue
// (client.go) and queue (redis.go), stripped of their reconnect/retry
// branches — a queue failure here always means "connection closed",
// never "retry after reconnect".
type correlator struct {
	mu      sync.Mutex
	pending []*future
}

func newCorrelator() *correlator {
	return &correlator{}
}

// enqueue records a future for the next reply to arrive, in the order
// its command was written. Must be called by the same goroutine that
// writes the command, before releasing the write side, so enqueue
// order always matches wire order.
func (q *correlator) enqueue(f *future) {
	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.mu.Unlock()
}

// next pops the oldest outstanding future, or (nil, false) if the
// queue is empty — a reply with no pending request, which the event
// loop logs and drops.
func (q *correlator) next() (*future, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	f := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return f, true
}

// drain fails every outstanding future with err, used when the
// connection closes (gracefully or not) while requests are in flight.
func (q *correlator) drain(err error) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, f := range pending {
		f.fail(err)
	}
}

func (q *correlator) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
