// update.go decodes session/update notifications into typed updates.
//
// Updates arrive as a two-level envelope:
//
//	outer: {"sessionId":"...", "update": <inner>}
//	inner: {"sessionUpdate":"agent_message_chunk", "content":{...}}
//
// ParseSessionUpdate reads the discriminator with gjson and dispatches via
// the updateParsers map. Adding an update type = one map entry + one
// function.
package acp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/dmora/acpmux"
)

// UpdateKind is the sessionUpdate discriminator.
type UpdateKind string

const (
	UpdateAgentMessage UpdateKind = "agent_message_chunk"
	UpdateAgentThought UpdateKind = "agent_thought_chunk"
	UpdateUserMessage  UpdateKind = "user_message_chunk"
	UpdateToolCall     UpdateKind = "tool_call"
	UpdateToolCallEdit UpdateKind = "tool_call_update"
	UpdatePlan         UpdateKind = "plan"
	UpdateCurrentMode  UpdateKind = "current_mode_update"
	UpdateCommands     UpdateKind = "available_commands_update"
	UpdateConfigOption UpdateKind = "config_option_update"
	UpdateSessionInfo  UpdateKind = "session_info_update"
	UpdateUsage        UpdateKind = "usage_update"
)

// TurnContent reports whether updates of kind k are output of a prompt
// turn rather than session state.
func (k UpdateKind) TurnContent() bool {
	switch k {
	case UpdateAgentMessage, UpdateAgentThought, UpdateToolCall, UpdateToolCallEdit, UpdatePlan:
		return true
	}
	return false
}

// Update is one decoded session/update.
type Update struct {
	// SessionID is the agent's session id from the outer envelope.
	SessionID string

	// Kind is the discriminator verbatim. Known is false when no parser
	// exists for it; Raw then holds the inner payload for forwarding.
	Kind  UpdateKind
	Known bool

	// Text is the chunk text for message/thought chunks, the mode id for
	// current_mode_update and the title for session_info_update.
	Text string

	Tool     *ToolCallUpdate
	Plan     []acpmux.PlanEntry
	Commands []acpmux.Command

	Raw json.RawMessage
}

// ErrMalformedUpdate wraps update payloads that cannot be decoded.
var ErrMalformedUpdate = errors.New("acp: malformed session update")

type updateParser func(inner []byte, u *Update) error

var updateParsers = map[UpdateKind]updateParser{
	UpdateAgentMessage: parseContentChunk,
	UpdateAgentThought: parseContentChunk,
	UpdateUserMessage:  parseContentChunk,
	UpdateToolCall:     parseToolCall,
	UpdateToolCallEdit: parseToolCall,
	UpdatePlan:         parsePlan,
	UpdateCurrentMode:  parseCurrentMode,
	UpdateCommands:     parseCommands,
	UpdateConfigOption: parseNothing,
	UpdateSessionInfo:  parseSessionInfo,
	UpdateUsage:        parseNothing,
}

// ParseSessionUpdate decodes the params of a session/update notification.
// Unknown discriminators are not an error: the result has Known false.
func ParseSessionUpdate(params json.RawMessage) (Update, error) {
	if !gjson.ValidBytes(params) {
		return Update{}, fmt.Errorf("%w: invalid JSON", ErrMalformedUpdate)
	}
	outer := gjson.ParseBytes(params)
	inner := outer.Get("update")
	if !inner.IsObject() {
		return Update{}, fmt.Errorf("%w: missing update object", ErrMalformedUpdate)
	}

	u := Update{
		SessionID: outer.Get("sessionId").String(),
		Kind:      UpdateKind(inner.Get("sessionUpdate").String()),
		Raw:       json.RawMessage(inner.Raw),
	}
	parser, ok := updateParsers[u.Kind]
	if !ok {
		return u, nil
	}
	u.Known = true
	if err := parser([]byte(inner.Raw), &u); err != nil {
		return u, fmt.Errorf("%w: %s: %w", ErrMalformedUpdate, u.Kind, err)
	}
	return u, nil
}

func parseNothing([]byte, *Update) error { return nil }

// parseContentChunk extracts content.text. Non-text blocks (images,
// resources) yield an empty Text.
func parseContentChunk(inner []byte, u *Update) error {
	c := gjson.GetBytes(inner, "content")
	if c.Exists() && !c.IsObject() {
		return errors.New("content is not an object")
	}
	u.Text = c.Get("text").String()
	return nil
}

func parseToolCall(inner []byte, u *Update) error {
	var d ToolCallUpdate
	if err := json.Unmarshal(inner, &d); err != nil {
		return err
	}
	if d.ToolCallID == "" {
		return errors.New("missing toolCallId")
	}
	u.Tool = &d
	return nil
}

func parsePlan(inner []byte, u *Update) error {
	var d struct {
		Entries []acpmux.PlanEntry `json:"entries"`
	}
	if err := json.Unmarshal(inner, &d); err != nil {
		return err
	}
	u.Plan = d.Entries
	if u.Plan == nil {
		u.Plan = []acpmux.PlanEntry{}
	}
	return nil
}

func parseCurrentMode(inner []byte, u *Update) error {
	id := gjson.GetBytes(inner, "currentModeId")
	if id.Type != gjson.String {
		return errors.New("currentModeId is not a string")
	}
	u.Text = id.String()
	return nil
}

func parseSessionInfo(inner []byte, u *Update) error {
	u.Text = gjson.GetBytes(inner, "title").String()
	return nil
}

func parseCommands(inner []byte, u *Update) error {
	var d struct {
		AvailableCommands []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Input       *struct {
				Hint string `json:"hint"`
			} `json:"input"`
		} `json:"availableCommands"`
	}
	if err := json.Unmarshal(inner, &d); err != nil {
		return err
	}
	u.Commands = make([]acpmux.Command, 0, len(d.AvailableCommands))
	for _, c := range d.AvailableCommands {
		cmd := acpmux.Command{Name: c.Name, Description: c.Description}
		if c.Input != nil {
			cmd.InputHint = c.Input.Hint
		}
		u.Commands = append(u.Commands, cmd)
	}
	return nil
}
