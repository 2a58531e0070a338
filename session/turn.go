package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/acp"
	"github.com/dmora/acpmux/codec"
	"github.com/dmora/acpmux/correlate"
	"github.com/dmora/acpmux/internal/errfmt"
)

// TurnResult is how a turn ended.
type TurnResult struct {
	Generation uint64
	Outcome    acpmux.TurnOutcome
	StopReason acpmux.StopReason
	Usage      *acpmux.Usage

	// Err is set for errored turns.
	Err error
}

// Turn is one user prompt and the agent's work on it. Its outcome is set
// exactly once.
type Turn struct {
	// Generation numbers the session's turns from 1.
	Generation uint64
	Text       string

	reqID  int64
	done   chan struct{}
	result TurnResult
}

// Done is closed when the turn has an outcome.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Result returns the outcome, or false while the turn is running.
func (t *Turn) Result() (TurnResult, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return TurnResult{}, false
	}
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// SendTurn starts a turn with text. It returns once the prompt is written;
// the outcome arrives as a turn_completed event and on the returned Turn.
// Writing the prompt is bounded by ctx, RequestTimeout and TurnTimeout. An
// agent that does not take the prompt in time crashes the session with
// ErrTimeout.
//
// Fails with ErrTurnActive while another turn runs, ErrNotReady before the
// handshake completes and ErrSessionEnded once the session is over.
func (s *Session) SendTurn(ctx context.Context, text string) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for len(s.draining) > 0 && s.state == acpmux.StateIdle {
		// Updates carry no prompt id, so a new prompt would have its
		// output discarded along with the cancelled one's.
		drained := s.drained
		s.mu.Unlock()
		select {
		case <-drained:
		case <-s.ended:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
	switch s.state {
	case acpmux.StateIdle:
	case acpmux.StateActive:
		s.mu.Unlock()
		return nil, acpmux.ErrTurnActive
	case acpmux.StateEnding, acpmux.StateEnded, acpmux.StateCrashed:
		s.mu.Unlock()
		return nil, acpmux.ErrSessionEnded
	default:
		s.mu.Unlock()
		return nil, acpmux.ErrNotReady
	}
	id, slot := s.table.Next(acp.MethodSessionPrompt)
	s.generation++
	t := &Turn{Generation: s.generation, Text: text, reqID: id, done: make(chan struct{})}
	s.turn = t
	s.prompts[id] = t
	s.state = acpmux.StateActive
	s.emitLocked(acpmux.Event{Type: acpmux.EventTurnStarted, Turn: t.Generation, Text: text})
	sid := s.agentSID
	s.mu.Unlock()

	params := acp.PromptParams{SessionID: sid, Prompt: []acp.ContentBlock{acp.TextBlock(text)}}
	req, err := codec.NewRequest(codec.NumberID(id), acp.MethodSessionPrompt, params)
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, min(s.opts.RequestTimeout, s.opts.TurnTimeout))
		err = s.sendContext(wctx, req)
		cancel()
	}
	if err != nil {
		s.table.Forget(id)
		s.mu.Lock()
		delete(s.prompts, id)
		s.finishTurnLocked(t, acpmux.OutcomeErrored, "", nil, err)
		s.mu.Unlock()
		return nil, fmt.Errorf("acpmux: session/prompt: %w", err)
	}
	s.logger.Debug("turn started", "turn", t.Generation, "id", id)

	go s.awaitPrompt(t, slot)
	return t, nil
}

// awaitPrompt bounds a prompt by TurnTimeout. The response itself is
// handled by the read loop; this only deals with expiry.
func (s *Session) awaitPrompt(t *Turn, slot *correlate.Slot) {
	_, err := slot.Wait(s.ctx, s.opts.TurnTimeout)
	if !errors.Is(err, acpmux.ErrTimeout) {
		return
	}
	s.mu.Lock()
	_, pending := s.prompts[t.reqID]
	draining := s.endDrainLocked(t.reqID)
	delete(s.prompts, t.reqID)
	s.mu.Unlock()
	if pending && !draining {
		s.crash(fmt.Errorf("acpmux: turn %d: %w", t.Generation, err), nil)
	}
}

// onPromptResponse ends the turn a session/prompt response belongs to.
// Responses of cancelled turns only end the drain.
func (s *Session) onPromptResponse(id int64, resp *codec.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.prompts[id]
	if !ok {
		return
	}
	delete(s.prompts, id)
	if s.endDrainLocked(id) {
		s.logger.Debug("cancelled turn drained", "turn", t.Generation)
		return
	}

	if resp.Error != nil {
		err := &acpmux.RPCError{Code: resp.Error.Code, Message: errfmt.Truncate(resp.Error.Message)}
		s.finishTurnLocked(t, acpmux.OutcomeErrored, "", nil, err)
		return
	}
	var result acp.PromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		s.finishTurnLocked(t, acpmux.OutcomeErrored, "", nil, fmt.Errorf("acpmux: session/prompt: decode result: %w", err))
		return
	}
	reason := errfmt.StopReason(result.StopReason)
	outcome := acpmux.OutcomeCompleted
	if reason == acpmux.StopCancelled {
		outcome = acpmux.OutcomeCancelled
	}
	s.finishTurnLocked(t, outcome, reason, usageFromWire(result.Usage), nil)
}

func usageFromWire(u *acp.WireUsage) *acpmux.Usage {
	if u == nil {
		return nil
	}
	return &acpmux.Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CachedReadTokens,
		CacheWriteTokens: u.CachedWriteTokens,
		ThinkingTokens:   u.ThoughtTokens,
	}
}

// finishTurnLocked sets t's outcome once, frees the session and emits
// turn_completed. Caller holds s.mu.
func (s *Session) finishTurnLocked(t *Turn, outcome acpmux.TurnOutcome, reason acpmux.StopReason, usage *acpmux.Usage, err error) {
	if t.result.Outcome != "" {
		return
	}
	t.result = TurnResult{Generation: t.Generation, Outcome: outcome, StopReason: reason, Usage: usage, Err: err}
	close(t.done)
	if s.turn == t {
		s.turn = nil
		if s.state == acpmux.StateActive {
			s.state = acpmux.StateIdle
		}
	}
	ev := acpmux.Event{
		Type:       acpmux.EventTurnCompleted,
		Turn:       t.Generation,
		Outcome:    outcome,
		StopReason: reason,
		Usage:      usage,
	}
	if err != nil {
		ev.Error = errfmt.Truncate(err.Error())
	}
	s.emitLocked(ev)
	s.logger.Debug("turn completed", "turn", t.Generation, "outcome", outcome, "stop_reason", reason)
}

// CancelTurn cancels the active turn. The turn ends as cancelled before
// CancelTurn returns. Pending permission requests of the turn are answered
// as cancelled. Updates the agent still sends for the cancelled prompt are
// discarded until its response arrives or RequestTimeout passes; a
// SendTurn in that window waits for the drain to end before it writes the
// new prompt, so the new turn's output is never discarded.
func (s *Session) CancelTurn() error {
	s.mu.Lock()
	if s.state.Terminal() || s.state == acpmux.StateEnding {
		s.mu.Unlock()
		return acpmux.ErrSessionEnded
	}
	c := s.cancelTurnLocked()
	s.mu.Unlock()
	if c == nil {
		return acpmux.ErrNoActiveTurn
	}
	s.sendCancellation(s.ctx, c)
	return nil
}

// cancellation is what remains to be sent after a turn was cancelled
// under the lock.
type cancellation struct {
	turn      *Turn
	sid       string
	drain     bool
	proposals []*proposal
}

func (s *Session) cancelTurnLocked() *cancellation {
	t := s.turn
	if t == nil {
		return nil
	}
	c := &cancellation{turn: t, sid: s.agentSID}
	if _, pending := s.prompts[t.reqID]; pending {
		if len(s.draining) == 0 {
			s.drained = make(chan struct{})
		}
		s.draining[t.reqID] = t.Generation
		c.drain = true
	}
	c.proposals = s.takeProposalsLocked(t.Generation)
	for _, p := range c.proposals {
		s.emitResolvedLocked(p, acp.CancelledPermission())
	}
	s.finishTurnLocked(t, acpmux.OutcomeCancelled, acpmux.StopCancelled, nil, nil)
	return c
}

func (s *Session) sendCancellation(ctx context.Context, c *cancellation) {
	if c == nil {
		return
	}
	note, err := codec.NewNotification(acp.MethodSessionCancel, acp.CancelParams{SessionID: c.sid})
	if err == nil {
		_ = s.sendContext(ctx, note)
	}
	for _, p := range c.proposals {
		s.replyContext(ctx, p.reqID, acp.CancelledPermission())
	}
	if c.drain {
		id := c.turn.reqID
		time.AfterFunc(s.opts.RequestTimeout, func() { s.expireDrain(id) })
	}
	s.logger.Info("turn cancelled", "turn", c.turn.Generation)
}

// endDrainLocked forgets cancelled prompt id and reports whether it was
// draining. SendTurn callers waiting on the drain are released once no
// cancelled prompt is left.
func (s *Session) endDrainLocked(id int64) bool {
	if _, ok := s.draining[id]; !ok {
		return false
	}
	delete(s.draining, id)
	if len(s.draining) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
	return true
}

// expireDrain gives up on a cancelled prompt the agent never answered.
func (s *Session) expireDrain(id int64) {
	s.mu.Lock()
	ok := s.endDrainLocked(id)
	delete(s.prompts, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn("cancelled prompt never answered", "id", id)
	s.table.Resolve(id, codec.Failure(codec.NumberID(id), codec.CodeTimeout, acpmux.ErrTimeout))
}
