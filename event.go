package acpmux

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event a session emits.
type EventType string

const (
	// EventHandshakeComplete is the first event of a healthy session. It
	// carries the negotiated Capabilities and marks the session as started.
	EventHandshakeComplete EventType = "handshake_complete"

	// EventTurnStarted is emitted when a user turn is sent.
	EventTurnStarted EventType = "turn_started"

	// EventTextDelta is a chunk of the agent's reply.
	EventTextDelta EventType = "text_delta"

	// EventThinkingDelta is a chunk of the agent's reasoning.
	EventThinkingDelta EventType = "thinking_delta"

	// EventUserMessageDelta echoes user content replayed by the agent
	// (session/load history).
	EventUserMessageDelta EventType = "user_message_delta"

	// EventToolCall is a new tool-call proposal from the agent.
	EventToolCall EventType = "tool_call"

	// EventToolCallUpdate carries the merged state of a tracked tool call.
	EventToolCallUpdate EventType = "tool_call_update"

	// EventPermissionRequest asks the consumer to approve or deny a tool
	// call. Answer with RespondToProposal using Permission.ProposalID.
	EventPermissionRequest EventType = "permission_request"

	// EventPermissionResolved reports how a permission request was answered.
	EventPermissionResolved EventType = "permission_resolved"

	// EventPlan carries the agent's current plan entries.
	EventPlan EventType = "plan"

	// EventModeUpdate reports the agent's current mode id in Text.
	EventModeUpdate EventType = "mode_update"

	// EventCommandsUpdate lists the agent's available slash commands.
	EventCommandsUpdate EventType = "commands_update"

	// EventTurnCompleted ends a turn. Outcome is always set.
	EventTurnCompleted EventType = "turn_completed"

	// EventWarning is a non-fatal problem (protocol error, failed config
	// call). Text describes it.
	EventWarning EventType = "warning"

	// EventUnknown is a notification this engine does not understand.
	// Method and Raw carry it verbatim. Consumers may ignore it.
	EventUnknown EventType = "unknown"

	// EventSessionEnded is the terminal event of a session that stopped
	// on request.
	EventSessionEnded EventType = "session_ended"

	// EventSessionCrashed is the terminal event of a session that failed.
	// Exit and Error describe the fault.
	EventSessionCrashed EventType = "session_crashed"
)

// Lifecycle reports whether t is a session lifecycle event.
func (t EventType) Lifecycle() bool {
	switch t {
	case EventHandshakeComplete, EventSessionEnded, EventSessionCrashed:
		return true
	}
	return false
}

// Terminal reports whether t is the last event a session emits.
func (t EventType) Terminal() bool {
	return t == EventSessionEnded || t == EventSessionCrashed
}

// Event is one item of a session's ordered event stream.
//
// Within a session, Seq increases by one per event. Across sessions no
// ordering is implied.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`

	// Turn is the generation of the turn the event belongs to, or 0 for
	// session-level events.
	Turn uint64 `json:"turn,omitempty"`

	// Text is the content of deltas and the description of warnings.
	Text string `json:"text,omitempty"`

	Tool         *ToolCall          `json:"tool,omitempty"`
	Permission   *PermissionRequest `json:"permission,omitempty"`
	Plan         []PlanEntry        `json:"plan,omitempty"`
	Commands     []Command          `json:"commands,omitempty"`
	Capabilities *Capabilities      `json:"capabilities,omitempty"`

	// Outcome and StopReason are set on EventTurnCompleted.
	Outcome    TurnOutcome `json:"outcome,omitempty"`
	StopReason StopReason  `json:"stop_reason,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`

	// Exit is set on EventSessionCrashed when the process exited.
	Exit *ExitStatus `json:"exit,omitempty"`

	// Error describes the failure on errored turns and crashes.
	Error string `json:"error,omitempty"`

	// Method and Raw carry unknown notifications verbatim.
	Method string          `json:"method,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ExitStatus describes how an agent process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ToolCall is the client-side view of a tool call the agent proposed.
type ToolCall struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Status    string          `json:"status,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Content   []ToolContent   `json:"content,omitempty"`
	Locations []Location      `json:"locations,omitempty"`
}

// Clone returns a deep copy of c.
func (c *ToolCall) Clone() *ToolCall {
	if c == nil {
		return nil
	}
	out := *c
	out.Input = cloneRaw(c.Input)
	out.Output = cloneRaw(c.Output)
	if c.Content != nil {
		out.Content = make([]ToolContent, len(c.Content))
		for i, tc := range c.Content {
			out.Content[i] = tc
			if tc.OldText != nil {
				s := *tc.OldText
				out.Content[i].OldText = &s
			}
		}
	}
	if c.Locations != nil {
		out.Locations = append([]Location(nil), c.Locations...)
	}
	return &out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// Tool content types.
const (
	ToolContentText     = "content"
	ToolContentDiff     = "diff"
	ToolContentTerminal = "terminal"
)

// ToolContent is one element of a tool call's content: text, a file-edit
// diff, or a reference to a client terminal.
type ToolContent struct {
	Type string `json:"type"`

	// Text is set for ToolContentText.
	Text string `json:"text,omitempty"`

	// Path, OldText and NewText are set for ToolContentDiff. A nil OldText
	// means the file is new.
	Path    string  `json:"path,omitempty"`
	OldText *string `json:"old_text,omitempty"`
	NewText string  `json:"new_text,omitempty"`

	// TerminalID is set for ToolContentTerminal.
	TerminalID string `json:"terminal_id,omitempty"`
}

// Location is a file position a tool call touches.
type Location struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// PermissionRequest is a tool-call proposal awaiting a decision.
type PermissionRequest struct {
	// ProposalID identifies the request for RespondToProposal. Unique
	// within the session.
	ProposalID string             `json:"proposal_id"`
	ToolCall   ToolCall           `json:"tool_call"`
	Options    []PermissionOption `json:"options"`

	// Outcome is set on EventPermissionResolved: "selected" or "cancelled".
	Outcome string `json:"outcome,omitempty"`
	// Selected is the chosen option id when Outcome is "selected".
	Selected string `json:"selected,omitempty"`
}

// Permission option kinds defined by ACP.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// PermissionOption is one answer the agent offers for a permission request.
type PermissionOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Decision answers a permission request. OptionID, when set, selects that
// option verbatim. Otherwise Approve picks the first allow_once/allow_always
// (or reject_once/reject_always) option offered.
type Decision struct {
	OptionID string
	Approve  bool
}

// Approve returns a Decision that approves once.
func Approve() Decision { return Decision{Approve: true} }

// Deny returns a Decision that rejects once.
func Deny() Decision { return Decision{} }

// SelectOption returns a Decision that picks the given option id.
func SelectOption(id string) Decision { return Decision{OptionID: id} }

// PlanEntry is one step of the agent's plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Command is a slash command the agent advertises.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputHint   string `json:"input_hint,omitempty"`
}

// Usage contains token usage reported with a completed prompt turn.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	ThinkingTokens   int `json:"thinking_tokens,omitempty"`
}
