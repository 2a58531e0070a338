package acpmux

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for engine operations.
var (
	// ErrTransportClosed indicates the agent process is gone (exited,
	// killed, or its pipes closed).
	ErrTransportClosed = errors.New("acpmux: transport closed")

	// ErrTimeout indicates no response arrived within the configured bound.
	// The awaiting caller receives a synthesized failure response and the
	// session ends.
	ErrTimeout = errors.New("acpmux: request timed out")

	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("acpmux: session not found")

	// ErrSessionEnded indicates the session reached Ended or Crashed and
	// accepts no further commands.
	ErrSessionEnded = errors.New("acpmux: session ended")

	// ErrNotReady indicates the session has not finished its handshake.
	ErrNotReady = errors.New("acpmux: session not ready")

	// ErrTurnActive indicates a turn is already running on the session.
	ErrTurnActive = errors.New("acpmux: turn already active")

	// ErrNoActiveTurn indicates a cancel was issued with no turn running.
	ErrNoActiveTurn = errors.New("acpmux: no active turn")

	// ErrProposalNotFound indicates the proposal was already answered,
	// cancelled, or never existed.
	ErrProposalNotFound = errors.New("acpmux: proposal not found")

	// ErrRegistryClosed indicates the registry was closed.
	ErrRegistryClosed = errors.New("acpmux: registry closed")
)

// SpawnError reports that an agent process could not be started. It is
// fatal to that session only.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("acpmux: spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the agent's stdin. It always wraps
// ErrTransportClosed so callers can test with errors.Is.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("acpmux: write: %v", e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrTransportClosed, e.Err} }

// ProtocolError is a well-formed message that makes no sense in context,
// such as a response to an unknown id. Protocol errors are logged and
// ignored; they never end a session.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return "acpmux: protocol error: " + e.Reason
	}
	return "acpmux: protocol error: " + e.Method + ": " + e.Reason
}

// RPCError is a JSON-RPC error object returned by the agent (or synthesized
// locally for transport failures and timeouts).
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ExitError represents an agent process that exited on its own.
//
// Code semantics: non-negative = exit status, -1 = killed by Signal.
// User-initiated stops end a session as Ended and never produce ExitError.
type ExitError struct {
	Code   int
	Signal string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "acpmux: agent killed by signal " + e.Signal
	}
	return "acpmux: agent exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain an ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
