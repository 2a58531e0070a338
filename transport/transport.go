//go:build !windows

// Package transport runs an agent as a child process and exchanges framed
// messages over its stdin and stdout.
//
// The transport knows nothing about JSON-RPC: it moves opaque frames. Every
// frame read from stdout, every framing error and finally the process exit
// are delivered in order on Inbound. Stderr is never framed; it is logged
// and the last lines are kept for crash reports.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/internal/errfmt"
)

// Inbound is one element of a transport's inbound sequence. Exactly one
// of Frame, Err or Closed is set. Closed is always the last element.
type Inbound struct {
	Frame  []byte
	Err    error
	Closed *Closed
}

// Closed reports how the agent process ended.
type Closed struct {
	// ExitCode is the exit status, or -1 when killed by Signal.
	ExitCode int
	Signal   string

	// Requested is true when Close initiated the shutdown.
	Requested bool

	// Err is an *acpmux.ExitError for a non-zero exit or a signal, nil for
	// a clean exit.
	Err error
}

// Transport is a running agent process. Safe for concurrent use.
type Transport struct {
	spec   acpmux.AgentSpec
	opts   Options
	logger *slog.Logger

	cmd        *exec.Cmd
	stdin      *os.File
	stdoutPipe *os.File
	stderrPipe *os.File

	writeSem  chan struct{} // one writer at a time
	closed    atomic.Bool   // stdin closed or process gone
	stdinOnce sync.Once

	inbound chan Inbound
	done    chan struct{} // closed after the process is reaped
	stderr  *tail

	// Set by reap before done is closed.
	procState *os.ProcessState
	waitErr   error

	closeOnce sync.Once
	requested atomic.Bool
}

// Start spawns spec.Command. Spawn failures are returned as
// *acpmux.SpawnError. The process is not bound to ctx: it lives until
// Close or until it exits on its own.
func Start(ctx context.Context, spec acpmux.AgentSpec, opts ...Option) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, &acpmux.SpawnError{Command: spec.Command, Err: err}
	}
	o := resolveOptions(opts...)
	if spec.Framing == "" {
		spec.Framing = acpmux.FramingNDJSON
	}
	if !spec.Framing.Valid() {
		return nil, &acpmux.SpawnError{Command: spec.Command, Err: fmt.Errorf("unknown framing %q", spec.Framing)}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	// The agent leads its own process group so that signals reach wrapper
	// launchers and everything they spawn.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// The parent ends are pollable, so writes and post-exit reads can be
	// given deadlines.
	var pipes [3][2]*os.File
	for i := range pipes {
		r, w, err := os.Pipe()
		if err != nil {
			for _, p := range pipes[:i] {
				closeFiles(p[0], p[1])
			}
			return nil, &acpmux.SpawnError{Command: spec.Command, Err: fmt.Errorf("pipe: %w", err)}
		}
		pipes[i] = [2]*os.File{r, w}
	}
	stdinR, stdinW := pipes[0][0], pipes[0][1]
	stdoutR, stdoutW := pipes[1][0], pipes[1][1]
	stderrR, stderrW := pipes[2][0], pipes[2][1]
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW

	err := cmd.Start()
	closeFiles(stdinR, stdoutW, stderrW) // the child holds its own copies
	if err != nil {
		closeFiles(stdinW, stdoutR, stderrR)
		return nil, &acpmux.SpawnError{Command: spec.Command, Err: err}
	}

	t := &Transport{
		spec:       spec,
		opts:       o,
		logger:     o.Logger.With("component", "transport", "agent", spec.Label(), "pid", cmd.Process.Pid),
		cmd:        cmd,
		stdin:      stdinW,
		stdoutPipe: stdoutR,
		stderrPipe: stderrR,
		writeSem:   make(chan struct{}, 1),
		inbound:    make(chan Inbound, inboundBuffer),
		done:       make(chan struct{}),
		stderr:     newTail(o.StderrLines),
	}
	t.logger.Debug("agent started", "command", spec.Command, "args", spec.Args)

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		t.readStderr()
	}()
	go t.reap()
	go t.readLoop(&stderrDone)
	return t, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// buildEnv returns the host environment with overrides applied. Later
// entries win in os/exec, so overrides are appended in key order.
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// Inbound returns the ordered inbound sequence. The channel is closed
// after the Closed element.
func (t *Transport) Inbound() <-chan Inbound { return t.inbound }

// Done is closed once the process has been reaped.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Pid returns the process id.
func (t *Transport) Pid() int { return t.cmd.Process.Pid }

// StderrTail returns the last captured stderr lines joined by newlines.
func (t *Transport) StderrTail() string { return t.stderr.String() }

// Send writes one frame. The write is bounded by ctx and WriteTimeout.
// If ctx ends before anything is written, Send returns ctx's error and the
// stream is intact. A write that does not complete in time fails with an
// *acpmux.WriteError wrapping acpmux.ErrTimeout, and the agent is killed:
// a partly written frame cannot be taken back. After the process is gone
// Send fails with an *acpmux.WriteError wrapping acpmux.ErrTransportClosed.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	select {
	case t.writeSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("transport: send: %w", ctx.Err())
	}
	defer func() { <-t.writeSem }()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	if t.closed.Load() {
		return &acpmux.WriteError{Err: errors.New("stdin closed")}
	}

	var buf []byte
	switch t.spec.Framing {
	case acpmux.FramingContentLength:
		buf = appendContentLength(make([]byte, 0, len(frame)+32), frame)
	default:
		buf = make([]byte, 0, len(frame)+1)
		buf = append(buf, frame...)
		buf = append(buf, '\n')
	}

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.stdin.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = t.stdin.SetWriteDeadline(time.Unix(1, 0)) })
	_, err := t.stdin.Write(buf)
	stop()
	if err == nil {
		return nil
	}

	t.closed.Store(true)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		cause := acpmux.ErrTimeout
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			cause = ctxErr
		}
		t.logger.Warn("agent is not reading stdin, killing", "frame_bytes", len(buf))
		t.Kill()
		return &acpmux.WriteError{Err: fmt.Errorf("stdin write blocked: %w", cause)}
	}
	return &acpmux.WriteError{Err: err}
}

// Close stops the agent: stdin is closed, then the process group gets
// SIGTERM, then SIGKILL once GracePeriod or ctx runs out. It blocks until
// the process is reaped. Safe to call multiple times.
func (t *Transport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.requested.Store(true)
		t.closeStdin()

		select {
		case <-t.done:
			return
		default:
		}
		_ = t.signal(syscall.SIGTERM)

		timer := time.NewTimer(t.opts.GracePeriod)
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C:
			t.logger.Warn("agent ignored SIGTERM, killing", "grace", t.opts.GracePeriod)
			_ = t.signal(syscall.SIGKILL)
		case <-ctx.Done():
			_ = t.signal(syscall.SIGKILL)
		}
	})
	<-t.done
	return nil
}

// Kill terminates the process group immediately without a grace period.
func (t *Transport) Kill() {
	t.requested.Store(true)
	t.closeStdin()
	_ = t.signal(syscall.SIGKILL)
}

// closeStdin never waits for a writer: closing the pipe unblocks a Write
// in progress.
func (t *Transport) closeStdin() {
	t.closed.Store(true)
	t.stdinOnce.Do(func() { _ = t.stdin.Close() })
}

// signal sends sig to the agent's process group. A group that is already
// gone is not an error.
func (t *Transport) signal(sig syscall.Signal) error {
	err := syscall.Kill(-t.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// reap waits for the agent itself, not for its output. Descendants that
// inherited stdout would otherwise hold the pipe open after the agent is
// gone: they are killed, and readers get WaitDelay to drain what is left.
func (t *Transport) reap() {
	t.procState, t.waitErr = t.cmd.Process.Wait()
	t.closed.Store(true)
	_ = t.signal(syscall.SIGKILL)
	deadline := time.Now().Add(t.opts.WaitDelay)
	_ = t.stdoutPipe.SetReadDeadline(deadline)
	_ = t.stderrPipe.SetReadDeadline(deadline)
	close(t.done)
}

// readLoop is the sole writer to inbound. It reads stdout until EOF, or
// until WaitDelay after the process exits, then delivers Closed.
func (t *Transport) readLoop(stderrDone *sync.WaitGroup) {
	defer close(t.inbound)
	defer t.stdoutPipe.Close()

	var fr frameReader
	if t.spec.Framing == acpmux.FramingContentLength {
		fr = newHeaderReader(t.stdoutPipe, t.opts.MaxMessageSize)
	} else {
		fr = newLineReader(t.stdoutPipe, t.opts.MaxMessageSize)
	}

	for {
		frame, recoverable, err := fr.next()
		if err != nil {
			if endOfOutput(err) {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					t.logger.Debug("stdout still open after exit, giving up", "wait_delay", t.opts.WaitDelay)
				}
				break
			}
			t.inbound <- Inbound{Err: fmt.Errorf("transport: framing: %w", err)}
			if recoverable {
				continue
			}
			// The stream cannot be resynchronized. Drain stdout so the
			// agent never blocks on a full pipe before it is stopped.
			_, _ = io.Copy(io.Discard, t.stdoutPipe)
			break
		}
		t.inbound <- Inbound{Frame: frame}
	}

	<-t.done
	stderrDone.Wait()
	t.closeStdin()
	closed := t.exitStatus()
	t.logger.Debug("agent exited", "code", closed.ExitCode, "signal", closed.Signal, "requested", closed.Requested)
	t.inbound <- Inbound{Closed: closed}
}

func endOfOutput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded)
}

func (t *Transport) exitStatus() *Closed {
	c := &Closed{Requested: t.requested.Load()}
	state := t.procState
	if state == nil {
		c.ExitCode = -1
		c.Err = &acpmux.ExitError{Code: -1, Err: t.waitErr}
		return c
	}
	c.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		c.ExitCode = -1
		c.Signal = ws.Signal().String()
	}
	if c.ExitCode != 0 || c.Signal != "" {
		c.Err = &acpmux.ExitError{Code: c.ExitCode, Signal: c.Signal}
	}
	return c
}

func (t *Transport) readStderr() {
	defer t.stderrPipe.Close()
	lr := newLineReader(t.stderrPipe, t.opts.MaxMessageSize)
	for {
		line, err := lr.readLine()
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				continue
			}
			return
		}
		s := strings.TrimRight(string(line), "\r\n")
		if s == "" {
			continue
		}
		t.stderr.add(s)
		t.logger.Debug("agent stderr", "line", errfmt.Line(s))
	}
}
