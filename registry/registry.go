// Package registry owns many concurrent sessions, routes commands to them
// by id and merges their event streams into one.
//
// Every event a session emits is forwarded, in that session's order, to
// the registry's stream. Events of different sessions interleave freely.
// When a session's terminal event passes through, the session leaves the
// active set before the event is published, so a consumer that sees
// session_crashed can no longer reach the session with a command.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/internal/errfmt"
	"github.com/dmora/acpmux/session"
	"github.com/dmora/acpmux/stream"
)

// Summary describes a session, live or finished.
type Summary struct {
	ID        string              `json:"id"`
	Agent     string              `json:"agent"`
	State     acpmux.SessionState `json:"state"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at,omitzero"`

	// Exit is how the process ended, when it did.
	Exit *acpmux.ExitStatus `json:"exit,omitempty"`

	// Reason is the crash cause, empty for sessions that ended normally.
	Reason     string `json:"reason,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// Registry is a set of sessions. Safe for concurrent use.
type Registry struct {
	opts   Options
	logger *slog.Logger
	events *stream.Stream[acpmux.Event]

	mu       sync.Mutex
	active   map[string]*session.Session
	finished map[string]Summary
	closed   bool

	forwarders sync.WaitGroup
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	o := resolveOptions(opts...)
	return &Registry{
		opts:     o,
		logger:   o.Logger.With("component", "registry"),
		events:   stream.New[acpmux.Event](),
		active:   make(map[string]*session.Session),
		finished: make(map[string]Summary),
	}
}

// Create registers a session for spec and starts it. The session is
// returned even when Start fails: it has crashed, and its terminal event
// is on the merged stream. opts are applied after the registry's session
// options.
func (r *Registry) Create(ctx context.Context, spec acpmux.AgentSpec, opts ...session.Option) (*session.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, acpmux.ErrRegistryClosed
	}
	id := r.newIDLocked()
	sopts := append([]session.Option{session.WithLogger(r.opts.Logger)}, r.opts.Session...)
	s := session.New(id, spec, append(sopts, opts...)...)
	r.active[id] = s
	r.forwarders.Add(1)
	r.mu.Unlock()

	go r.forward(s)
	r.logger.Info("session created", "session_id", id, "agent", spec.Label())

	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// newIDLocked returns a UUIDv7 unused by any session this registry has
// seen.
func (r *Registry) newIDLocked() string {
	for {
		id := uuid.Must(uuid.NewV7()).String()
		_, live := r.active[id]
		_, done := r.finished[id]
		if !live && !done {
			return id
		}
	}
}

// forward copies one session's events to the merged stream.
func (r *Registry) forward(s *session.Session) {
	defer r.forwarders.Done()
	for ev := range s.Events() {
		if ev.Type.Terminal() {
			r.retire(s, ev)
		}
		r.events.Push(ev)
	}
}

func (r *Registry) retire(s *session.Session, ev acpmux.Event) {
	sum := summarize(s)
	sum.Exit = ev.Exit
	if ev.Type == acpmux.EventSessionCrashed {
		sum.Reason = ev.Error
	}

	r.mu.Lock()
	delete(r.active, s.ID())
	r.finished[s.ID()] = sum
	r.mu.Unlock()

	if ev.Type == acpmux.EventSessionCrashed {
		r.logger.Warn("session crashed", "session_id", s.ID(), "reason", sum.Reason,
			"stderr", errfmt.Line(sum.StderrTail))
	} else {
		r.logger.Info("session ended", "session_id", s.ID())
	}
}

func summarize(s *session.Session) Summary {
	sum := Summary{
		ID:         s.ID(),
		Agent:      s.Spec().Label(),
		State:      s.State(),
		StartedAt:  s.StartedAt(),
		EndedAt:    s.EndedAt(),
		Exit:       s.Exit(),
		StderrTail: s.StderrTail(),
	}
	if sum.State == acpmux.StateCrashed {
		if err := s.Err(); err != nil {
			sum.Reason = errfmt.Truncate(err.Error())
		}
	}
	return sum
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", acpmux.ErrSessionNotFound, id)
	}
	return s, nil
}

// Summary returns the summary of a live or finished session.
func (r *Registry) Summary(id string) (Summary, error) {
	r.mu.Lock()
	s, live := r.active[id]
	sum, done := r.finished[id]
	r.mu.Unlock()
	switch {
	case live:
		return summarize(s), nil
	case done:
		return sum, nil
	}
	return Summary{}, fmt.Errorf("%w: %s", acpmux.ErrSessionNotFound, id)
}

// List returns every session the registry has created, oldest first.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	live := make([]*session.Session, 0, len(r.active))
	for _, s := range r.active {
		live = append(live, s)
	}
	out := make([]Summary, 0, len(r.active)+len(r.finished))
	for _, sum := range r.finished {
		out = append(out, sum)
	}
	r.mu.Unlock()

	for _, s := range live {
		out = append(out, summarize(s))
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Events returns the merged event stream. It is closed by Close after
// every session's terminal event has been delivered.
func (r *Registry) Events() <-chan acpmux.Event { return r.events.C() }

// SendTurn starts a turn on session id.
func (r *Registry) SendTurn(ctx context.Context, id, text string) (*session.Turn, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.SendTurn(ctx, text)
}

// CancelTurn cancels the active turn of session id.
func (r *Registry) CancelTurn(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.CancelTurn()
}

// RespondToProposal answers a pending permission request of session id.
func (r *Registry) RespondToProposal(id, proposalID string, d acpmux.Decision) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.RespondToProposal(proposalID, d)
}

// Stop ends session id and waits for it to reach a terminal state.
func (r *Registry) Stop(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Close stops every live session, waits for their terminal events to be
// forwarded and closes the merged stream. Later calls to Create fail with
// ErrRegistryClosed. Close is idempotent.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*session.Session, 0, len(r.active))
	for _, s := range r.active {
		live = append(live, s)
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", s.ID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.forwarders.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.events.Close()
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
