// Package session drives one ACP agent process through its lifecycle.
//
//	Starting → Handshaking → Idle ⇄ Active → Ending → Ended
//
// Crashed is absorbing and reachable from every non-terminal state. A
// Session owns its transport, its correlation table and an ordered event
// stream. A single read loop dispatches inbound frames in arrival order;
// events are queued without bound so a slow consumer never stalls the
// protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/acp"
	"github.com/dmora/acpmux/clientfs"
	"github.com/dmora/acpmux/codec"
	"github.com/dmora/acpmux/correlate"
	"github.com/dmora/acpmux/internal/errfmt"
	"github.com/dmora/acpmux/stream"
	"github.com/dmora/acpmux/terminal"
	"github.com/dmora/acpmux/transport"
)

// Session is one supervised agent. Safe for concurrent use.
type Session struct {
	id     string
	spec   acpmux.AgentSpec
	opts   Options
	logger *slog.Logger

	ctx    context.Context // cancelled when the session reaches a terminal state
	cancel context.CancelFunc

	table  *correlate.Table
	tools  *acp.ToolTracker
	events *stream.Stream[acpmux.Event]
	log    *messageLog

	// Set by Start before the read loop runs; read-only afterwards.
	tr       *transport.Transport
	files    *clientfs.FS
	terms    *terminal.Manager
	readDone chan struct{}

	mu           sync.Mutex
	state        acpmux.SessionState
	caps         *acpmux.Capabilities
	agentSID     string
	turn         *Turn            // active turn
	generation   uint64           // last turn generation handed out
	prompts      map[int64]*Turn  // outstanding session/prompt requests
	draining     map[int64]uint64 // cancelled prompts awaiting their response
	drained      chan struct{}    // closed when draining empties
	proposals    map[string]*proposal
	nextProposal uint64
	seq          uint64
	preface      []acpmux.Event // updates received during the handshake
	eventsClosed bool
	started      time.Time
	endedAt      time.Time
	endErr       error
	exit         *acpmux.ExitStatus
	stderrTail   string
	ended        chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a session in the Starting state without launching anything.
// An empty id is replaced with a fresh UUID. spec is copied.
func New(id string, spec acpmux.AgentSpec, opts ...Option) *Session {
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	o := resolveOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	logger := o.Logger.With("component", "session", "session_id", id, "agent", spec.Label())
	return &Session{
		id:        id,
		spec:      spec.Clone(),
		opts:      o,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		table:     correlate.New(logger),
		tools:     acp.NewToolTracker(),
		events:    stream.New[acpmux.Event](),
		log:       newMessageLog(o.MaxLogEntries, o.TraceWriter),
		state:     acpmux.StateStarting,
		prompts:   make(map[int64]*Turn),
		draining:  make(map[int64]uint64),
		proposals: make(map[string]*proposal),
		started:   time.Now(),
		ended:     make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// Start is New followed by Session.Start. On failure the session has
// already crashed and is returned together with the error so its events
// remain readable.
func Start(ctx context.Context, spec acpmux.AgentSpec, opts ...Option) (*Session, error) {
	s := New("", spec, opts...)
	return s, s.Start(ctx)
}

// Start spawns the agent and performs the handshake. It returns when the
// session is Idle, or with the error that crashed it. Start may be called
// once; later calls return ErrNotReady.
func (s *Session) Start(ctx context.Context) error {
	err := acpmux.ErrNotReady
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Session) start(ctx context.Context) error {
	if s.State() != acpmux.StateStarting {
		close(s.readDone)
		return acpmux.ErrSessionEnded
	}
	if err := s.spec.Validate(); err != nil {
		close(s.readDone)
		return s.failStart(&acpmux.SpawnError{Command: s.spec.Command, Err: err})
	}
	if err := s.setupServices(); err != nil {
		close(s.readDone)
		return s.failStart(&acpmux.SpawnError{Command: s.spec.Command, Err: err})
	}

	tr, err := transport.Start(ctx, s.spec,
		transport.WithGracePeriod(s.opts.GracePeriod),
		transport.WithMaxMessageSize(s.opts.MaxMessageSize),
		transport.WithWriteTimeout(s.opts.RequestTimeout),
		transport.WithLogger(s.opts.Logger.With("session_id", s.id)),
	)
	if err != nil {
		close(s.readDone)
		return s.failStart(err)
	}

	s.mu.Lock()
	if s.state != acpmux.StateStarting {
		// Stopped while spawning.
		s.mu.Unlock()
		close(s.readDone)
		go func() {
			for range tr.Inbound() {
			}
		}()
		tr.Kill()
		return acpmux.ErrSessionEnded
	}
	s.tr = tr
	s.state = acpmux.StateHandshaking
	s.mu.Unlock()
	go s.readLoop()

	warnings, err := s.handshake(ctx)
	if err != nil {
		return s.failStart(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != acpmux.StateHandshaking {
		return s.errLocked()
	}
	s.state = acpmux.StateIdle
	s.emitLocked(acpmux.Event{Type: acpmux.EventHandshakeComplete, Capabilities: s.caps.Clone()})
	preface := s.preface
	s.preface = nil
	for _, ev := range preface {
		s.emitLocked(ev)
	}
	for _, w := range warnings {
		s.emitLocked(acpmux.Event{Type: acpmux.EventWarning, Text: w})
	}
	s.logger.Info("session ready", "agent_session", s.agentSID, "flags", s.caps.Flags())
	return nil
}

// failStart crashes the session, unless Stop got there first, and returns
// the error Start reports.
func (s *Session) failStart(err error) error {
	s.crash(err, nil)
	if e := s.Err(); e != nil {
		return e
	}
	return err
}

// setupServices builds the client-side fs and terminal services the agent
// options enable.
func (s *Session) setupServices() error {
	caps, err := clientCapabilities(s.spec.Options)
	if err != nil {
		return err
	}
	root, err := s.workDir()
	if err != nil {
		return err
	}
	if caps.ReadTextFile {
		s.files, err = clientfs.New(root, clientfs.WithWrite(caps.WriteTextFile))
		if err != nil {
			return err
		}
	}
	if caps.Terminal {
		s.terms = terminal.NewManager(root, s.logger)
	}
	return nil
}

// workDir is the agent's cwd: spec.Dir, or the host process's directory.
func (s *Session) workDir() (string, error) {
	if s.spec.Dir != "" {
		return s.spec.Dir, nil
	}
	return os.Getwd()
}

// --- Accessors ---

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Spec returns a copy of the agent spec the session was started with.
func (s *Session) Spec() acpmux.AgentSpec { return s.spec.Clone() }

// State returns the current lifecycle state.
func (s *Session) State() acpmux.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the negotiated capabilities, or nil before the
// handshake completes.
func (s *Session) Capabilities() *acpmux.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps.Clone()
}

// AgentSessionID returns the id the agent assigned in session/new (or the
// resumed id).
func (s *Session) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSID
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.started }

// EndedAt returns when the session reached a terminal state, or the zero
// time.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Events returns the session's ordered event stream. It is closed after
// the terminal event.
func (s *Session) Events() <-chan acpmux.Event { return s.events.C() }

// Done is closed when the session reaches Ended or Crashed.
func (s *Session) Done() <-chan struct{} { return s.ended }

// Err returns why the session crashed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errLocked()
}

func (s *Session) errLocked() error {
	if s.state == acpmux.StateCrashed {
		return s.endErr
	}
	if s.state == acpmux.StateEnded {
		return acpmux.ErrSessionEnded
	}
	return nil
}

// Exit returns the process exit status once known, or nil.
func (s *Session) Exit() *acpmux.ExitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return nil
	}
	e := *s.exit
	return &e
}

// StderrTail returns the agent's last stderr lines.
func (s *Session) StderrTail() string {
	s.mu.Lock()
	tail, tr := s.stderrTail, s.tr
	s.mu.Unlock()
	if tr != nil {
		return tr.StderrTail()
	}
	return tail
}

// Log returns a snapshot of the message log, oldest first.
func (s *Session) Log() []LogEntry { return s.log.snapshot() }

// --- Events ---

// emitLocked stamps ev and queues it. Nothing is queued after the terminal
// event. Caller holds s.mu.
func (s *Session) emitLocked(ev acpmux.Event) {
	if s.eventsClosed {
		return
	}
	if s.state == acpmux.StateHandshaking && !ev.Type.Lifecycle() {
		// Held until handshake_complete, which is always the first event.
		s.preface = append(s.preface, ev)
		return
	}
	s.seq++
	ev.Seq = s.seq
	ev.SessionID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events.Push(ev)
	if ev.Type.Terminal() {
		s.eventsClosed = true
		s.events.Close()
	}
}

func (s *Session) emit(ev acpmux.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

func (s *Session) warn(text string) {
	s.emit(acpmux.Event{Type: acpmux.EventWarning, Text: errfmt.Truncate(text)})
}

// --- Wire ---

// send writes msg bounded by RequestTimeout.
func (s *Session) send(msg codec.Message) error {
	return s.sendContext(s.ctx, msg)
}

// sendContext encodes and writes msg; ctx bounds the write. A failed or
// timed out write crashes the session; a ctx that ends before the write
// starts does not. Nothing is sent once the session is over.
func (s *Session) sendContext(ctx context.Context, msg codec.Message) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("acpmux: encode: %w", err)
	}
	s.mu.Lock()
	tr, over := s.tr, s.state.Terminal()
	s.mu.Unlock()
	if over {
		return acpmux.ErrSessionEnded
	}
	if tr == nil {
		return &acpmux.WriteError{Err: errors.New("no transport")}
	}
	s.log.add(DirectionSent, data)
	if err := tr.Send(ctx, data); err != nil {
		var we *acpmux.WriteError
		if errors.As(err, &we) {
			s.crash(err, nil)
		}
		return err
	}
	return nil
}

// request sends method and waits up to timeout for the answer. A timeout
// crashes the session unless tolerateTimeout is set. An agent error
// response is returned as *acpmux.RPCError.
func (s *Session) request(ctx context.Context, method string, params any, timeout time.Duration, tolerateTimeout bool) (*codec.Response, error) {
	id, slot := s.table.Next(method)
	req, err := codec.NewRequest(codec.NumberID(id), method, params)
	if err != nil {
		s.table.Forget(id)
		return nil, fmt.Errorf("acpmux: %s: %w", method, err)
	}
	if err := s.sendContext(ctx, req); err != nil {
		s.table.Forget(id)
		return nil, fmt.Errorf("acpmux: %s: %w", method, err)
	}
	resp, err := slot.Wait(ctx, timeout)
	if err != nil {
		if errors.Is(err, acpmux.ErrTimeout) && !tolerateTimeout {
			s.crash(err, nil)
		}
		return resp, fmt.Errorf("acpmux: %s: %w", method, err)
	}
	return resp, nil
}

// reply answers an inbound request.
func (s *Session) reply(id codec.ID, result any) {
	s.replyContext(s.ctx, id, result)
}

func (s *Session) replyContext(ctx context.Context, id codec.ID, result any) {
	resp, err := codec.NewResult(id, result)
	if err != nil {
		resp = codec.Failure(id, codec.CodeInternalError, err)
	}
	_ = s.sendContext(ctx, resp)
}

func (s *Session) replyError(id codec.ID, code int, err error) {
	_ = s.send(codec.Failure(id, code, errors.New(errfmt.Truncate(err.Error()))))
}

// --- Termination ---

// crash moves the session to Crashed. Every pending request is failed, an
// active turn ends as errored and exactly one session_crashed event is
// emitted. While Ending, faults only fail pending requests: Stop owns the
// final transition.
func (s *Session) crash(err error, closed *transport.Closed) {
	s.table.CancelAll(err)

	s.mu.Lock()
	if s.state.Terminal() || s.state == acpmux.StateEnding {
		s.mu.Unlock()
		return
	}
	s.state = acpmux.StateCrashed
	s.endErr = err
	s.endedAt = time.Now()
	if closed != nil && s.exit == nil {
		s.exit = &acpmux.ExitStatus{Code: closed.ExitCode, Signal: closed.Signal}
	}
	if s.tr != nil {
		s.stderrTail = s.tr.StderrTail()
	}
	s.dropProposalsLocked()
	if t := s.turn; t != nil {
		s.finishTurnLocked(t, acpmux.OutcomeErrored, "", nil, err)
	}
	s.emitLocked(acpmux.Event{
		Type:  acpmux.EventSessionCrashed,
		Exit:  s.exit,
		Error: errfmt.Truncate(err.Error()),
		Text:  s.stderrTail,
	})
	close(s.ended)
	s.mu.Unlock()

	s.logger.Error("session crashed", "error", err, "stderr", errfmt.Line(s.stderrTail))
	s.release()
}

// release frees process resources without blocking the caller. The read
// loop keeps draining the transport until it closes.
func (s *Session) release() {
	s.cancel()
	if s.terms != nil {
		s.terms.Close()
	}
	if s.tr != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.GracePeriod+time.Second)
			defer cancel()
			_ = s.tr.Close(ctx)
		}()
	}
}

// Stop ends the session: an active turn is cancelled, the agent is asked
// to shut down (bounded by ShutdownTimeout) and the process is closed.
// The session ends as Ended with one session_ended event. Stopping an
// already terminal session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stop(ctx) })
	<-s.ended
	return nil
}

func (s *Session) stop(ctx context.Context) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	wasReady := s.state == acpmux.StateIdle || s.state == acpmux.StateActive
	cancelled := s.cancelTurnLocked()
	s.state = acpmux.StateEnding
	tr := s.tr
	s.mu.Unlock()

	s.sendCancellation(ctx, cancelled)
	if wasReady {
		_, err := s.request(ctx, acp.MethodShutdown, nil, s.opts.ShutdownTimeout, true)
		if err != nil {
			s.logger.Debug("shutdown request failed", "error", err)
		}
	}
	if tr != nil {
		closeCtx, cancel := context.WithTimeout(ctx, s.opts.GracePeriod+time.Second)
		_ = tr.Close(closeCtx)
		cancel()
		<-s.readDone
	}
	s.table.CancelAll(acpmux.ErrSessionEnded)

	s.mu.Lock()
	s.state = acpmux.StateEnded
	s.endedAt = time.Now()
	s.dropProposalsLocked()
	s.emitLocked(acpmux.Event{Type: acpmux.EventSessionEnded, Exit: s.exit})
	close(s.ended)
	s.mu.Unlock()

	s.logger.Info("session ended")
	s.release()
}
