package session

import (
	"errors"
	"fmt"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/acp"
	"github.com/dmora/acpmux/codec"
	"github.com/dmora/acpmux/transport"
)

// readLoop is the session's only reader. Frames are dispatched in arrival
// order; anything that may block is handed to a goroutine. The loop runs
// until the transport's inbound sequence closes, also after a crash, so
// the transport never blocks on a full channel.
//
// Launchers sometimes print a banner before the agent speaks. Non-JSON
// lines before the first frame are reported as warnings; after it they
// are fatal.
func (s *Session) readLoop() {
	defer close(s.readDone)
	framed := false
	for in := range s.tr.Inbound() {
		switch {
		case in.Closed != nil:
			s.onClosed(in.Closed)
		case in.Err != nil:
			if !framed && errors.Is(in.Err, transport.ErrNotJSON) {
				s.logger.Warn("agent printed non-JSON output", "error", in.Err)
				s.warn(in.Err.Error())
				continue
			}
			s.crash(in.Err, nil)
		default:
			framed = true
			s.log.add(DirectionReceived, in.Frame)
			if !s.State().Terminal() {
				s.dispatch(in.Frame)
			}
		}
	}
}

func (s *Session) onClosed(c *transport.Closed) {
	s.mu.Lock()
	if s.exit == nil {
		s.exit = &acpmux.ExitStatus{Code: c.ExitCode, Signal: c.Signal}
	}
	ending := s.state == acpmux.StateEnding
	s.mu.Unlock()
	if ending {
		return
	}
	err := c.Err
	if err == nil {
		err = fmt.Errorf("%w: agent exited", acpmux.ErrTransportClosed)
	}
	s.crash(err, c)
}

func (s *Session) dispatch(frame []byte) {
	msg, err := codec.Decode(frame)
	if err != nil && !codec.IsSemantic(err) {
		s.crash(err, nil)
		return
	}
	switch m := msg.(type) {
	case *codec.Response:
		s.onResponse(m)
	case *codec.Request:
		if err != nil {
			s.logger.Warn("agent called unknown method", "method", m.Method, "id", m.ID.String())
			go s.replyError(m.ID, codec.CodeMethodNotFound, fmt.Errorf("method not found: %s", m.Method))
			return
		}
		s.onRequest(m)
	case *codec.Notification:
		if err != nil {
			s.logger.Debug("unknown notification", "method", m.Method)
			s.emit(acpmux.Event{Type: acpmux.EventUnknown, Method: m.Method, Raw: m.Params})
			return
		}
		s.onNotification(m)
	}
}

func (s *Session) onResponse(resp *codec.Response) {
	id, ok := resp.ID.Int()
	if !ok {
		s.logger.Warn("response with non-numeric id", "id", resp.ID.String(),
			"error", &acpmux.ProtocolError{Reason: "client ids are numeric"})
		return
	}
	if !s.table.Resolve(id, resp) {
		return
	}
	s.onPromptResponse(id, resp)
}

func (s *Session) onRequest(req *codec.Request) {
	switch req.Method {
	case acp.MethodRequestPermission:
		s.onPermissionRequest(req)
	default:
		go s.serve(req)
	}
}

func (s *Session) onNotification(n *codec.Notification) {
	if n.Method != acp.MethodSessionUpdate {
		// Every other inbound method is a request.
		s.emit(acpmux.Event{Type: acpmux.EventUnknown, Method: n.Method, Raw: n.Params})
		return
	}
	u, err := acp.ParseSessionUpdate(n.Params)
	if err != nil {
		s.logger.Warn("malformed session update", "error", err)
		s.warn(err.Error())
		return
	}
	s.applyUpdate(u)
}

// applyUpdate turns a session/update into an event.
func (s *Session) applyUpdate(u acp.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agentSID != "" && u.SessionID != "" && u.SessionID != s.agentSID {
		s.logger.Warn("update for foreign session", "agent_session", u.SessionID,
			"error", &acpmux.ProtocolError{Method: acp.MethodSessionUpdate, Reason: "unknown sessionId"})
		return
	}
	if !u.Known {
		s.emitLocked(acpmux.Event{Type: acpmux.EventUnknown, Method: acp.MethodSessionUpdate, Text: string(u.Kind), Raw: u.Raw})
		return
	}
	if u.Kind.TurnContent() && len(s.draining) > 0 {
		s.logger.Debug("discarding update of cancelled turn", "kind", u.Kind)
		return
	}

	var gen uint64
	if s.turn != nil {
		gen = s.turn.Generation
	}
	ev := acpmux.Event{Turn: gen}
	switch u.Kind {
	case acp.UpdateAgentMessage:
		ev.Type, ev.Text = acpmux.EventTextDelta, u.Text
	case acp.UpdateAgentThought:
		ev.Type, ev.Text = acpmux.EventThinkingDelta, u.Text
	case acp.UpdateUserMessage:
		ev.Type, ev.Text = acpmux.EventUserMessageDelta, u.Text
	case acp.UpdateToolCall:
		ev.Type, ev.Tool = acpmux.EventToolCall, s.tools.Start(u.Tool)
	case acp.UpdateToolCallEdit:
		ev.Type, ev.Tool = acpmux.EventToolCallUpdate, s.tools.Merge(u.Tool)
	case acp.UpdatePlan:
		ev.Type, ev.Plan = acpmux.EventPlan, u.Plan
	case acp.UpdateCurrentMode:
		ev.Type, ev.Text = acpmux.EventModeUpdate, u.Text
	case acp.UpdateCommands:
		ev.Type, ev.Commands = acpmux.EventCommandsUpdate, u.Commands
	default:
		// usage, config option and session info updates carry nothing the
		// event stream exposes.
		s.logger.Debug("session update consumed", "kind", u.Kind)
		return
	}
	s.emitLocked(ev)
}
