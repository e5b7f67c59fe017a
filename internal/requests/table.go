// Package requests correlates routed client requests with their asynchronous
// completions.
package requests

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStaleRequest is returned when a completion arrives for a request id that
// was already completed, cancelled, failed or never issued.
var ErrStaleRequest = errors.New("stale or unknown request")

// State is the lifecycle state of a pending request.
type State int32

const (
	StateRouted State = iota
	StateAwaiting
	StateCompleted
	StateCancelled
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRouted:
		return "ROUTED"
	case StateAwaiting:
		return "AWAITING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Outcome describes how a pending request ended.
type Outcome struct {
	State  State
	Status int
	Bytes  int64
	Reason string
	Err    error
}

type delivery struct {
	completion Completion
	result     chan error
}

type failure struct {
	status int
	reason string
}

// Pending is one routed request waiting for its completion. Only the
// goroutine running Await writes to the sink.
type Pending struct {
	id      uint64
	hostID  string
	sink    http.ResponseWriter
	table   *Table
	created time.Time
	state   atomic.Int32

	deliver chan *delivery
	abort   chan failure
	done    chan struct{}
}

// ID returns the request identifier.
func (p *Pending) ID() uint64 { return p.id }

// HostID returns the host the request was routed to.
func (p *Pending) HostID() string { return p.hostID }

// State returns the current state.
func (p *Pending) State() State { return State(p.state.Load()) }

// Age returns the time since the request was allocated.
func (p *Pending) Age() time.Duration { return time.Since(p.created) }

// Await blocks until the request is completed, failed, cancelled by ctx or
// the timeout expires, and writes the response to the sink exactly once.
// A zero timeout waits indefinitely.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) Outcome {
	defer close(p.done)
	p.state.Store(int32(StateAwaiting))

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case d := <-p.deliver:
			n, err := d.completion.writeTo(p.sink)
			d.result <- err
			if err != nil {
				p.state.Store(int32(StateFailed))
				return Outcome{State: StateFailed, Status: d.completion.Status, Bytes: n, Reason: "write", Err: err}
			}
			p.state.Store(int32(StateCompleted))
			return Outcome{State: StateCompleted, Status: d.completion.Status, Bytes: n}

		case f := <-p.abort:
			FailureCompletion(f.status, f.reason).writeTo(p.sink)
			p.state.Store(int32(StateFailed))
			return Outcome{State: StateFailed, Status: f.status, Reason: f.reason}

		case <-ctx.Done():
			p.table.Cancel(p.id)
			p.state.Store(int32(StateCancelled))
			return Outcome{State: StateCancelled, Reason: "client closed", Err: ctx.Err()}

		case <-expired:
			expired = nil
			if p.table.take(p.id) == nil {
				// A completion or failure already claimed the entry and is
				// about to hand it over.
				continue
			}
			FailureCompletion(http.StatusGatewayTimeout, "request timed out").writeTo(p.sink)
			p.state.Store(int32(StateFailed))
			return Outcome{State: StateFailed, Status: http.StatusGatewayTimeout, Reason: "timeout"}
		}
	}
}

// Table allocates request ids and maps them to pending requests.
type Table struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*Pending
}

// NewTable creates an empty request table. Ids start at 0.
func NewTable() *Table {
	return &Table{
		pending: make(map[uint64]*Pending),
	}
}

// Allocate reserves the next request id for a request routed to hostID whose
// response will be written to sink.
func (t *Table) Allocate(hostID string, sink http.ResponseWriter) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Pending{
		id:      t.next,
		hostID:  hostID,
		sink:    sink,
		table:   t,
		created: time.Now(),
		deliver: make(chan *delivery),
		abort:   make(chan failure, 1),
		done:    make(chan struct{}),
	}
	t.next++
	t.pending[p.id] = p
	return p
}

// Complete hands c to the pending request id and waits for it to be written.
// It returns ErrStaleRequest when no live request matches. The returned error
// otherwise reflects the write to the client, so callers streaming an upload
// keep the source open until Complete returns.
func (t *Table) Complete(id uint64, c Completion) error {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStaleRequest, id)
	}
	if c.HostID != "" && c.HostID != p.hostID {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d not routed to host %s", ErrStaleRequest, id, c.HostID)
	}
	delete(t.pending, id)
	t.mu.Unlock()

	d := &delivery{completion: c, result: make(chan error, 1)}
	select {
	case p.deliver <- d:
		return <-d.result
	case <-p.done:
		return fmt.Errorf("%w: %d cancelled", ErrStaleRequest, id)
	}
}

// Cancel removes id because its client disconnected. A later completion for
// id is reported as stale. It reports whether id was pending.
func (t *Table) Cancel(id uint64) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.state.Store(int32(StateCancelled))
	return true
}

// Fail removes id and answers its client with status and reason.
func (t *Table) Fail(id uint64, status int, reason string) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.abort <- failure{status: status, reason: reason}
	return true
}

// FailFrom fails id only if it was routed to hostID, so a host cannot fail
// requests that belong to another host.
func (t *Table) FailFrom(hostID string, id uint64, status int, reason string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok || p.hostID != hostID {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	t.mu.Unlock()

	p.abort <- failure{status: status, reason: reason}
	return true
}

// FailHost fails every request routed to hostID and returns how many there were.
func (t *Table) FailHost(hostID string, status int, reason string) int {
	t.mu.Lock()
	var failed []*Pending
	for id, p := range t.pending {
		if p.hostID == hostID {
			failed = append(failed, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range failed {
		p.abort <- failure{status: status, reason: reason}
	}
	return len(failed)
}

// Len returns the number of requests awaiting completion.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) take(id uint64) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return p
}
