package acp

import (
	"encoding/json"
	"sync"

	"github.com/dmora/acpmux"
)

// ToolCallUpdate describes a tool call in tool_call, tool_call_update and
// permission payloads. Pointer and nil-slice fields distinguish "absent"
// from "empty": an update only replaces the fields it carries.
type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Title      *string         `json:"title,omitempty"`
	Kind       *string         `json:"kind,omitempty"`
	Status     *string         `json:"status,omitempty"`
	Content    []WireContent   `json:"content,omitempty"`
	Locations  []WireLocation  `json:"locations,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

// WireContent is one element of a tool call's content array.
//
//	{"type":"content","content":{"type":"text","text":"..."}}
//	{"type":"diff","path":"...","oldText":null,"newText":"..."}
//	{"type":"terminal","terminalId":"..."}
type WireContent struct {
	Type       string        `json:"type"`
	Content    *ContentBlock `json:"content,omitempty"`
	Path       string        `json:"path,omitempty"`
	OldText    *string       `json:"oldText,omitempty"`
	NewText    string        `json:"newText,omitempty"`
	TerminalID string        `json:"terminalId,omitempty"`
}

// WireLocation is a file position a tool call touches.
type WireLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// Tool call statuses defined by ACP.
const (
	ToolPending    = "pending"
	ToolInProgress = "in_progress"
	ToolCompleted  = "completed"
	ToolFailed     = "failed"
)

// DefaultToolTitle names a tool call first seen through an update.
const DefaultToolTitle = "Tool call"

// ToolCall converts u to the client-side view, as if it were the first
// message seen for the call.
func (u *ToolCallUpdate) ToolCall() acpmux.ToolCall {
	var c acpmux.ToolCall
	c.ID = u.ToolCallID
	u.applyTo(&c)
	if c.Title == "" {
		c.Title = DefaultToolTitle
	}
	return c
}

func (u *ToolCallUpdate) applyTo(c *acpmux.ToolCall) {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Kind != nil {
		c.Kind = *u.Kind
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Content != nil {
		c.Content = convertContent(u.Content)
	}
	if u.Locations != nil {
		c.Locations = make([]acpmux.Location, len(u.Locations))
		for i, l := range u.Locations {
			c.Locations[i] = acpmux.Location{Path: l.Path, Line: l.Line}
		}
	}
	if len(u.RawInput) > 0 {
		c.Input = append(json.RawMessage(nil), u.RawInput...)
	}
	if len(u.RawOutput) > 0 {
		c.Output = append(json.RawMessage(nil), u.RawOutput...)
	} else if c.Status == ToolCompleted && len(c.Output) == 0 {
		c.Output = contentOutput(c.Content)
	}
}

func convertContent(in []WireContent) []acpmux.ToolContent {
	out := make([]acpmux.ToolContent, 0, len(in))
	for _, wc := range in {
		switch wc.Type {
		case acpmux.ToolContentDiff:
			tc := acpmux.ToolContent{Type: wc.Type, Path: wc.Path, NewText: wc.NewText}
			if wc.OldText != nil {
				s := *wc.OldText
				tc.OldText = &s
			}
			out = append(out, tc)
		case acpmux.ToolContentTerminal:
			out = append(out, acpmux.ToolContent{Type: wc.Type, TerminalID: wc.TerminalID})
		default:
			tc := acpmux.ToolContent{Type: acpmux.ToolContentText}
			if wc.Content != nil {
				tc.Text = wc.Content.Text
			}
			out = append(out, tc)
		}
	}
	return out
}

// contentOutput returns the first text content as a JSON string, or nil.
func contentOutput(content []acpmux.ToolContent) json.RawMessage {
	for _, tc := range content {
		if tc.Type == acpmux.ToolContentText && tc.Text != "" {
			b, _ := json.Marshal(tc.Text) // json.Marshal(string) cannot fail
			return b
		}
	}
	return nil
}

// ToolTracker holds the merged state of every tool call in a session.
// Safe for concurrent use.
type ToolTracker struct {
	mu    sync.Mutex
	calls map[string]*acpmux.ToolCall
}

// NewToolTracker returns an empty tracker.
func NewToolTracker() *ToolTracker {
	return &ToolTracker{calls: make(map[string]*acpmux.ToolCall)}
}

// Start records a tool_call, replacing any call with the same id, and
// returns a copy of the stored state.
func (t *ToolTracker) Start(u *ToolCallUpdate) *acpmux.ToolCall {
	c := u.ToolCall()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[c.ID] = &c
	return c.Clone()
}

// Merge applies a tool_call_update and returns a copy of the merged state.
// An update for an unknown id starts a new call titled DefaultToolTitle.
func (t *ToolTracker) Merge(u *ToolCallUpdate) *acpmux.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[u.ToolCallID]
	if !ok {
		nc := u.ToolCall()
		t.calls[nc.ID] = &nc
		return nc.Clone()
	}
	u.applyTo(c)
	return c.Clone()
}

// Get returns a copy of the tracked call, or nil.
func (t *ToolTracker) Get(id string) *acpmux.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[id].Clone()
}

// Len returns the number of tracked calls.
func (t *ToolTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
