// Package correlate pairs outbound JSON-RPC requests with their responses.
//
// A Table hands out request ids and single-resolution slots. Every slot is
// resolved exactly once: by the agent's response, by a local timeout, or by
// CancelAll when the transport goes away. Callers therefore never wait
// forever.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/codec"
)

// ErrDuplicateID is returned by Register for an id that is still pending.
var ErrDuplicateID = errors.New("correlate: id already pending")

// Table maps pending request ids to their slots. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]*Slot
	closed  error // set by CancelAll
	logger  *slog.Logger
}

// New creates an empty table. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		pending: make(map[int64]*Slot),
		logger:  logger.With("component", "correlate"),
	}
}

// Next allocates an id that is not pending and registers a slot for it.
// Ids increase monotonically and are never handed out twice.
func (t *Table) Next(method string) (int64, *Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.next++
		if _, busy := t.pending[t.next]; !busy {
			break
		}
	}
	id := t.next
	return id, t.registerLocked(id, method)
}

// Register registers a slot for a caller-chosen id. It fails with
// ErrDuplicateID while the id is pending.
func (t *Table) Register(id int64, method string) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.pending[id]; busy {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	if id > t.next {
		t.next = id
	}
	return t.registerLocked(id, method), nil
}

func (t *Table) registerLocked(id int64, method string) *Slot {
	s := newSlot(t, id, method)
	if t.closed != nil {
		// Table already cancelled: resolve immediately so the caller does
		// not wait on an id that will never be answered.
		s.deliver(codec.Failure(codec.NumberID(id), codec.CodeTransportClosed, t.closed), t.closed)
		return s
	}
	t.pending[id] = s
	return s
}

// Resolve delivers resp to the slot registered for id. It returns false,
// and logs a protocol error, when no such id is pending: an unsolicited
// response, or a second response to an already resolved id.
func (t *Table) Resolve(id int64, resp *codec.Response) bool {
	t.mu.Lock()
	s, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("response for unknown request id",
			"id", id,
			"error", &acpmux.ProtocolError{Reason: "response to unknown or resolved id"})
		return false
	}
	var err error
	if resp.Error != nil {
		err = &acpmux.RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return s.deliver(resp, err)
}

// Forget removes id without resolving its slot. Used by a caller that has
// already given up on the request and delivered its own outcome.
func (t *Table) Forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// CancelAll resolves every pending slot with a synthesized failure and
// makes later registrations resolve immediately with reason.
func (t *Table) CancelAll(reason error) {
	if reason == nil {
		reason = acpmux.ErrTransportClosed
	}
	t.mu.Lock()
	if t.closed == nil {
		t.closed = reason
	}
	slots := make([]*Slot, 0, len(t.pending))
	for id, s := range t.pending {
		slots = append(slots, s)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, s := range slots {
		s.deliver(codec.Failure(codec.NumberID(s.id), codec.CodeTransportClosed, reason), reason)
	}
	if len(slots) > 0 {
		t.logger.Debug("cancelled pending requests", "count", len(slots), "reason", reason)
	}
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pending reports whether id is pending.
func (t *Table) Pending(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// --- Slot ---

// Slot receives the single outcome of one request.
type Slot struct {
	table  *Table
	id     int64
	method string

	once sync.Once
	done chan struct{}
	resp *codec.Response
	err  error
}

func newSlot(t *Table, id int64, method string) *Slot {
	return &Slot{table: t, id: id, method: method, done: make(chan struct{})}
}

// ID returns the request id.
func (s *Slot) ID() int64 { return s.id }

// Method returns the method the request was registered for.
func (s *Slot) Method() string { return s.method }

// Done is closed once the slot is resolved.
func (s *Slot) Done() <-chan struct{} { return s.done }

// Result returns the outcome after Done is closed. err is nil for a success
// response, *acpmux.RPCError for an agent error, and the failure reason for
// synthesized responses.
func (s *Slot) Result() (*codec.Response, error) {
	<-s.done
	return s.resp, s.err
}

// deliver resolves the slot. Only the first call has an effect.
func (s *Slot) deliver(resp *codec.Response, err error) bool {
	delivered := false
	s.once.Do(func() {
		s.resp = resp
		s.err = err
		close(s.done)
		delivered = true
	})
	return delivered
}

// Wait blocks until the slot resolves, ctx ends, or timeout elapses
// (timeout <= 0 means no local bound). On timeout or ctx expiry the id is
// removed from the table and the slot is resolved with a synthesized
// failure, so a late response is treated as unknown.
func (s *Slot) Wait(ctx context.Context, timeout time.Duration) (*codec.Response, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-s.done:
		return s.resp, s.err
	case <-timer:
		return s.abandon(codec.CodeTimeout, fmt.Errorf("%w: %s after %s", acpmux.ErrTimeout, s.method, timeout))
	case <-ctx.Done():
		return s.abandon(codec.CodeRequestCancelled, ctx.Err())
	}
}

// abandon removes the slot from its table and resolves it with a failure.
// If the real response won the race, that response is returned instead.
func (s *Slot) abandon(code int, reason error) (*codec.Response, error) {
	s.table.Forget(s.id)
	if s.deliver(codec.Failure(codec.NumberID(s.id), code, reason), reason) && code == codec.CodeTimeout {
		s.table.logger.Warn("request timed out", "id", s.id, "method", s.method)
	}
	return s.resp, s.err
}
