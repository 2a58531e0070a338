//go:build !windows

// Package terminal serves the ACP terminal/* client methods: the agent asks
// the client to run a command, then polls its output, waits for it, kills
// it and finally releases it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dmora/acpmux/acp"
)

// ErrUnknownTerminal is returned for ids that were never created or were
// already released.
var ErrUnknownTerminal = errors.New("terminal: unknown terminal id")

// DefaultOutputLimit caps retained output when the agent sets no limit.
const DefaultOutputLimit = 1024 * 1024

// Manager owns the terminals of one session. Safe for concurrent use.
type Manager struct {
	dir    string
	env    []string
	logger *slog.Logger

	mu    sync.Mutex
	terms map[string]*Terminal
}

// NewManager returns a Manager that starts commands in dir (unless the
// request names its own cwd).
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		env:    os.Environ(),
		logger: logger.With("component", "terminal"),
		terms:  make(map[string]*Terminal),
	}
}

// Create starts the command and returns its terminal id.
func (m *Manager) Create(p acp.CreateTerminalParams) (string, error) {
	if p.Command == "" {
		return "", errors.New("terminal: command is required")
	}
	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = m.dir
	if p.CWD != "" {
		cmd.Dir = p.CWD
	}
	cmd.Env = append([]string(nil), m.env...)
	for _, e := range p.Env {
		cmd.Env = append(cmd.Env, e.Name+"="+e.Value)
	}
	// Own process group so Kill reaches children of a shell command.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	limit := DefaultOutputLimit
	if p.OutputByteLimit != nil && *p.OutputByteLimit >= 0 {
		limit = *p.OutputByteLimit
	}
	t := &Terminal{
		ID:   "term-" + uuid.NewString(),
		out:  &limitedBuffer{limit: limit},
		done: make(chan struct{}),
		cmd:  cmd,
	}
	cmd.Stdout = t.out
	cmd.Stderr = t.out
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("terminal: start %s: %w", p.Command, err)
	}
	go t.wait()

	m.mu.Lock()
	m.terms[t.ID] = t
	m.mu.Unlock()
	m.logger.Debug("terminal created", "terminal_id", t.ID, "command", p.Command, "pid", cmd.Process.Pid)
	return t.ID, nil
}

func (m *Manager) get(id string) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	return t, nil
}

// Output returns the retained output and, once exited, the exit status.
func (m *Manager) Output(id string) (acp.TerminalOutputResult, error) {
	t, err := m.get(id)
	if err != nil {
		return acp.TerminalOutputResult{}, err
	}
	out, truncated := t.out.snapshot()
	res := acp.TerminalOutputResult{Output: out, Truncated: truncated}
	select {
	case <-t.done:
		st := t.status
		res.ExitStatus = &st
	default:
	}
	return res, nil
}

// WaitForExit blocks until the command exits or ctx ends.
func (m *Manager) WaitForExit(ctx context.Context, id string) (acp.TerminalExitStatus, error) {
	t, err := m.get(id)
	if err != nil {
		return acp.TerminalExitStatus{}, err
	}
	select {
	case <-t.done:
		return t.status, nil
	case <-ctx.Done():
		return acp.TerminalExitStatus{}, ctx.Err()
	}
}

// Kill terminates the command but keeps the terminal for Output.
func (m *Manager) Kill(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.kill()
	return nil
}

// Release kills the command if needed and forgets the terminal.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terms[id]
	delete(m.terms, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	t.kill()
	return nil
}

// Close releases every terminal.
func (m *Manager) Close() {
	m.mu.Lock()
	terms := m.terms
	m.terms = make(map[string]*Terminal)
	m.mu.Unlock()
	for _, t := range terms {
		t.kill()
	}
}

// Len returns the number of live terminals.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terms)
}

// Terminal is one running command.
type Terminal struct {
	ID string

	cmd    *exec.Cmd
	out    *limitedBuffer
	done   chan struct{}
	status acp.TerminalExitStatus
}

func (t *Terminal) wait() {
	_ = t.cmd.Wait()
	if st := t.cmd.ProcessState; st != nil {
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			t.status.Signal = &sig
		} else {
			code := st.ExitCode()
			t.status.ExitCode = &code
		}
	}
	close(t.done)
}

func (t *Terminal) kill() {
	select {
	case <-t.done:
		return
	default:
	}
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = t.cmd.Process.Kill()
	}
	<-t.done
}

// limitedBuffer keeps the most recent limit bytes of output, trimmed at
// a UTF-8 boundary.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		for over < len(b.buf) && !utf8.RuneStart(b.buf[over]) {
			over++
		}
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}
