package acpmux

// SessionState is a Session's position in its lifecycle.
//
//	Starting → Handshaking → Idle ⇄ Active → Ending → Ended
//
// Crashed is absorbing and reachable from every non-terminal state.
type SessionState string

const (
	StateStarting    SessionState = "starting"
	StateHandshaking SessionState = "handshaking"
	StateIdle        SessionState = "idle"
	StateActive      SessionState = "active"
	StateEnding      SessionState = "ending"
	StateEnded       SessionState = "ended"
	StateCrashed     SessionState = "crashed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateCrashed
}

// TurnOutcome is the terminal result of a Turn. The zero value means the
// turn is still running.
type TurnOutcome string

const (
	OutcomeCompleted TurnOutcome = "completed"
	OutcomeCancelled TurnOutcome = "cancelled"
	OutcomeErrored   TurnOutcome = "errored"
)

// StopReason is why the agent ended a prompt turn, as reported in the
// session/prompt response (e.g., "end_turn", "max_tokens", "refusal").
// Values are sanitized: no control characters, at most 64 bytes.
type StopReason string

// Well-known ACP stop reasons.
const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// PermissionPolicy decides how tool-call proposals are answered.
type PermissionPolicy string

const (
	// PolicyAsk surfaces every proposal as an event and waits for
	// RespondToProposal.
	PolicyAsk PermissionPolicy = "ask"

	// PolicyAllow approves every proposal without asking.
	PolicyAllow PermissionPolicy = "allow"

	// PolicyDeny rejects every proposal without asking.
	PolicyDeny PermissionPolicy = "deny"
)

// Valid reports whether p is a known policy. Empty means PolicyAsk.
func (p PermissionPolicy) Valid() bool {
	switch p {
	case "", PolicyAsk, PolicyAllow, PolicyDeny:
		return true
	}
	return false
}
