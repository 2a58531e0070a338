//go:build !windows

package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/codec"
	"github.com/dmora/acpmux/internal/stubagent"
	"github.com/dmora/acpmux/transport"
)

const waitFor = 10 * time.Second

func TestMain(m *testing.M) {
	if stubagent.Enabled() {
		os.Exit(stubagent.Main())
	}
	os.Exit(m.Run())
}

// --- helpers ---

func stubSpec(t *testing.T, scenario string) acpmux.AgentSpec {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return acpmux.AgentSpec{
		Name:    "stub",
		Command: exe,
		Dir:     t.TempDir(),
		Env:     stubagent.Env(scenario),
	}
}

func newStub(t *testing.T, spec acpmux.AgentSpec, opts ...Option) *Session {
	t.Helper()
	base := []Option{WithHandshakeTimeout(waitFor), WithGracePeriod(time.Second)}
	s := New("", spec, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func startStub(t *testing.T, spec acpmux.AgentSpec, opts ...Option) *Session {
	t.Helper()
	s := newStub(t, spec, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	ev := nextEvent(t, s)
	require.Equal(t, acpmux.EventHandshakeComplete, ev.Type)
	return s
}

func nextEvent(t *testing.T, s *Session) acpmux.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return acpmux.Event{}
	}
}

// collectUntil reads events up to and including the first one matching
// stop.
func collectUntil(t *testing.T, s *Session, stop func(acpmux.Event) bool) []acpmux.Event {
	t.Helper()
	var evs []acpmux.Event
	for {
		ev := nextEvent(t, s)
		evs = append(evs, ev)
		if stop(ev) {
			return evs
		}
	}
}

func isType(typ acpmux.EventType) func(acpmux.Event) bool {
	return func(ev acpmux.Event) bool { return ev.Type == typ }
}

func runTurn(t *testing.T, s *Session, text string) []acpmux.Event {
	t.Helper()
	_, err := s.SendTurn(context.Background(), text)
	require.NoError(t, err)
	return collectUntil(t, s, isType(acpmux.EventTurnCompleted))
}

// drainAll reads until the stream closes.
func drainAll(t *testing.T, s *Session) []acpmux.Event {
	t.Helper()
	var evs []acpmux.Event
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("event stream never closed")
		}
	}
}

func typesOf(evs []acpmux.Event) []acpmux.EventType {
	out := make([]acpmux.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func texts(evs []acpmux.Event, typ acpmux.EventType) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev.Text)
		}
	}
	return out
}

func find(evs []acpmux.Event, typ acpmux.EventType) *acpmux.Event {
	for i := range evs {
		if evs[i].Type == typ {
			return &evs[i]
		}
	}
	return nil
}

func count(evs []acpmux.Event, typ acpmux.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *Session) drainingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.draining)
}

// --- handshake ---

func TestSession_HandshakeCapabilities(t *testing.T) {
	s := newStub(t, stubSpec(t, stubagent.ScenarioDefault))
	require.NoError(t, s.Start(context.Background()))

	ev := nextEvent(t, s)
	assert.Equal(t, acpmux.EventHandshakeComplete, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, s.ID(), ev.SessionID)
	require.NotNil(t, ev.Capabilities)
	assert.Equal(t, 1, ev.Capabilities.ProtocolVersion)
	assert.Equal(t, "stub", ev.Capabilities.AgentName)
	assert.Equal(t, "1.0.0", ev.Capabilities.AgentVersion)
	assert.True(t, ev.Capabilities.Has("loadSession"))
	assert.True(t, ev.Capabilities.Has("promptCapabilities.embeddedContext"))
	assert.False(t, ev.Capabilities.Has("promptCapabilities.image"))
	assert.Equal(t, []string{"none"}, ev.Capabilities.AuthMethods)
	assert.Equal(t, acpmux.ClientCapabilities{ReadTextFile: true, WriteTextFile: true, Terminal: true}, ev.Capabilities.Client)

	assert.Equal(t, acpmux.StateIdle, s.State())
	assert.Equal(t, stubagent.SessionID, s.AgentSessionID())
	assert.Equal(t, ev.Capabilities, s.Capabilities())
}

func TestSession_ClientCapabilitiesFromOptions(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	spec.Options = map[string]string{acpmux.OptionFileSystemWrite: "false", acpmux.OptionTerminal: "false"}
	s := startStub(t, spec)
	assert.Equal(t, acpmux.ClientCapabilities{ReadTextFile: true}, s.Capabilities().Client)
}

func TestSession_InitError(t *testing.T) {
	s := newStub(t, stubSpec(t, stubagent.ScenarioInitError))
	err := s.Start(context.Background())

	var rpcErr *acpmux.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, codec.CodeInternalError, rpcErr.Code)
	assert.Equal(t, acpmux.StateCrashed, s.State())

	evs := drainAll(t, s)
	assert.Equal(t, []acpmux.EventType{acpmux.EventSessionCrashed}, typesOf(evs))
	assert.Contains(t, evs[0].Error, "authentication required")
}

func TestSession_HandshakeTimeout(t *testing.T) {
	s := newStub(t, stubSpec(t, stubagent.ScenarioInitHang), WithHandshakeTimeout(300*time.Millisecond))
	begin := time.Now()
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, acpmux.ErrTimeout)
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Equal(t, acpmux.StateCrashed, s.State())
}

func TestSession_ExitOnStart(t *testing.T) {
	s := newStub(t, stubSpec(t, stubagent.ScenarioExitOnStart))
	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, acpmux.StateCrashed, s.State())

	evs := drainAll(t, s)
	assert.Equal(t, 1, count(evs, acpmux.EventSessionCrashed))
	assert.Eventually(t, func() bool {
		return strings.Contains(s.StderrTail(), "missing API key")
	}, waitFor, 20*time.Millisecond)
}

func TestSession_ProtocolVersionMismatch(t *testing.T) {
	s := newStub(t, stubSpec(t, stubagent.ScenarioProtocol2))
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol version 2")
	assert.Equal(t, acpmux.StateCrashed, s.State())
}

func TestSession_SpawnError(t *testing.T) {
	s := New("", acpmux.AgentSpec{Command: "/nonexistent/agent-binary"})
	err := s.Start(context.Background())

	var spawnErr *acpmux.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	evs := drainAll(t, s)
	assert.Equal(t, []acpmux.EventType{acpmux.EventSessionCrashed}, typesOf(evs))
	assert.Nil(t, evs[0].Exit)

	_, err = s.SendTurn(context.Background(), "hi")
	assert.ErrorIs(t, err, acpmux.ErrSessionEnded)
}

func TestSession_InvalidSpec(t *testing.T) {
	s := New("", acpmux.AgentSpec{Command: "agent", Dir: "relative/dir"})
	var spawnErr *acpmux.SpawnError
	assert.ErrorAs(t, s.Start(context.Background()), &spawnErr)
	assert.Equal(t, acpmux.StateCrashed, s.State())
}

func TestSession_SendTurnBeforeStart(t *testing.T) {
	s := New("", acpmux.AgentSpec{Command: "agent"})
	_, err := s.SendTurn(context.Background(), "hi")
	assert.ErrorIs(t, err, acpmux.ErrNotReady)
}

func TestSession_Resume(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	spec.Options = map[string]string{acpmux.OptionResumeID: "prev-1"}
	s := startStub(t, spec)

	assert.Equal(t, "prev-1", s.AgentSessionID())
	user := nextEvent(t, s)
	assert.Equal(t, acpmux.EventUserMessageDelta, user.Type)
	assert.Equal(t, "previous prompt", user.Text)
	agent := nextEvent(t, s)
	assert.Equal(t, acpmux.EventTextDelta, agent.Type)
	assert.Equal(t, "previous answer", agent.Text)
	assert.Equal(t, uint64(0), agent.Turn)
}

func TestSession_ResumeMissing(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	spec.Options = map[string]string{acpmux.OptionResumeID: "missing"}
	s := newStub(t, spec)
	assert.ErrorIs(t, s.Start(context.Background()), acpmux.ErrSessionNotFound)
}

func TestSession_SetMode(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	spec.Options = map[string]string{acpmux.OptionMode: "plan"}
	s := startStub(t, spec)

	ev := nextEvent(t, s)
	assert.Equal(t, acpmux.EventModeUpdate, ev.Type)
	assert.Equal(t, "plan", ev.Text)
}

func TestSession_SetModeFailureIsFatal(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	spec.Options = map[string]string{acpmux.OptionMode: "forbidden"}
	s := newStub(t, spec)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session/set_mode")
	assert.Equal(t, acpmux.StateCrashed, s.State())
}

// --- turns ---

func TestSession_TurnStreamsDeltas(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))

	assert.True(t, s.Capabilities().Has("streaming"))

	turn, err := s.SendTurn(context.Background(), "hi there")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), turn.Generation)

	evs := collectUntil(t, s, isType(acpmux.EventTurnCompleted))
	assert.Equal(t, []acpmux.EventType{
		acpmux.EventTurnStarted,
		acpmux.EventTextDelta,
		acpmux.EventTextDelta,
		acpmux.EventTextDelta,
		acpmux.EventTurnCompleted,
	}, typesOf(evs))
	assert.Equal(t, []string{"Hel", "lo, ", "world"}, texts(evs, acpmux.EventTextDelta))

	done := evs[len(evs)-1]
	assert.Equal(t, acpmux.OutcomeCompleted, done.Outcome)
	assert.Equal(t, acpmux.StopEndTurn, done.StopReason)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 10, done.Usage.InputTokens)
	assert.Equal(t, 3, done.Usage.OutputTokens)

	for i, ev := range evs {
		assert.Equal(t, uint64(i+2), ev.Seq, "seq increases by one")
		assert.Equal(t, uint64(1), ev.Turn)
	}

	res, ok := turn.Result()
	require.True(t, ok)
	assert.Equal(t, acpmux.OutcomeCompleted, res.Outcome)
	assert.Equal(t, acpmux.StateIdle, s.State())
}

func TestSession_GenerationsIncrease(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	runTurn(t, s, "echo one")
	evs := runTurn(t, s, "echo two")
	assert.Equal(t, []string{"two"}, texts(evs, acpmux.EventTextDelta))
	assert.Equal(t, uint64(2), evs[0].Turn)
}

func TestSession_TurnActive(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "slow")
	require.NoError(t, err)

	_, err = s.SendTurn(context.Background(), "hello")
	assert.ErrorIs(t, err, acpmux.ErrTurnActive)
	require.NoError(t, s.CancelTurn())
}

func TestSession_ErrorTurn(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	evs := runTurn(t, s, "error")

	done := evs[len(evs)-1]
	assert.Equal(t, acpmux.OutcomeErrored, done.Outcome)
	assert.Contains(t, done.Error, "model overloaded")
	assert.Equal(t, acpmux.StateIdle, s.State(), "an errored turn does not end the session")

	evs = runTurn(t, s, "echo still alive")
	assert.Equal(t, []string{"still alive"}, texts(evs, acpmux.EventTextDelta))
}

func TestSession_CrashMidTurn(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	turn, err := s.SendTurn(context.Background(), "crash")
	require.NoError(t, err)

	evs := drainAll(t, s)
	assert.Equal(t, []string{"about to crash"}, texts(evs, acpmux.EventTextDelta))
	assert.Equal(t, 1, count(evs, acpmux.EventSessionCrashed))
	assert.Equal(t, acpmux.EventSessionCrashed, evs[len(evs)-1].Type)

	completed := find(evs, acpmux.EventTurnCompleted)
	require.NotNil(t, completed)
	assert.Equal(t, acpmux.OutcomeErrored, completed.Outcome)

	crashed := evs[len(evs)-1]
	require.NotNil(t, crashed.Exit)
	assert.Equal(t, 1, crashed.Exit.Code)
	assert.Eventually(t, func() bool {
		return strings.Contains(s.StderrTail(), "panic: something broke")
	}, waitFor, 20*time.Millisecond)

	assert.Equal(t, acpmux.StateCrashed, s.State())
	code, ok := acpmux.ExitCode(s.Err())
	assert.True(t, ok)
	assert.Equal(t, 1, code)

	res, ok := turn.Result()
	require.True(t, ok)
	assert.Equal(t, acpmux.OutcomeErrored, res.Outcome)

	_, err = s.SendTurn(context.Background(), "hello")
	assert.ErrorIs(t, err, acpmux.ErrSessionEnded)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after crash")
	}
}

func TestSession_GarbageIsFatal(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "garbage")
	require.NoError(t, err)

	evs := drainAll(t, s)
	assert.Equal(t, 1, count(evs, acpmux.EventSessionCrashed))
	var de *codec.DecodeError
	require.ErrorAs(t, s.Err(), &de)
	assert.True(t, de.Fatal())
}

func TestSession_TurnTimeout(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault), WithTurnTimeout(300*time.Millisecond))
	_, err := s.SendTurn(context.Background(), "hang")
	require.NoError(t, err)

	evs := drainAll(t, s)
	assert.Equal(t, acpmux.EventSessionCrashed, evs[len(evs)-1].Type)
	assert.ErrorIs(t, s.Err(), acpmux.ErrTimeout)
}

func TestSession_UnknownMessagesAreNonFatal(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	evs := runTurn(t, s, "unknown")

	require.Equal(t, 2, count(evs, acpmux.EventUnknown))
	var methods, kinds []string
	for _, ev := range evs {
		if ev.Type == acpmux.EventUnknown {
			methods = append(methods, ev.Method)
			kinds = append(kinds, ev.Text)
		}
	}
	assert.Equal(t, []string{"session/brand_new_notification", "session/update"}, methods)
	assert.Equal(t, "future_update_kind", kinds[1])
	assert.Equal(t, []string{"ok"}, texts(evs, acpmux.EventTextDelta))
	assert.Equal(t, acpmux.OutcomeCompleted, evs[len(evs)-1].Outcome)
	assert.Equal(t, acpmux.StateIdle, s.State())
}

func TestSession_UnknownAgentRequest(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	evs := runTurn(t, s, "ask")
	assert.Equal(t, []string{"error -32601"}, texts(evs, acpmux.EventTextDelta))
}

// --- cancellation ---

func TestSession_CancelTurnIsSynchronous(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	turn, err := s.SendTurn(context.Background(), "slow")
	require.NoError(t, err)
	collectUntil(t, s, func(ev acpmux.Event) bool { return ev.Text == "working" })

	require.NoError(t, s.CancelTurn())

	res, ok := turn.Result()
	require.True(t, ok, "outcome is set before CancelTurn returns")
	assert.Equal(t, acpmux.OutcomeCancelled, res.Outcome)
	assert.Equal(t, acpmux.StateIdle, s.State())
	assert.ErrorIs(t, s.CancelTurn(), acpmux.ErrNoActiveTurn)

	ev := nextEvent(t, s)
	assert.Equal(t, acpmux.EventTurnCompleted, ev.Type)
	assert.Equal(t, acpmux.OutcomeCancelled, ev.Outcome)

	require.Eventually(t, func() bool { return s.drainingLen() == 0 }, waitFor, 10*time.Millisecond)
	evs := runTurn(t, s, "echo next")
	assert.Equal(t, []string{"next"}, texts(evs, acpmux.EventTextDelta), "late chunk of the cancelled turn is discarded")
	assert.Equal(t, acpmux.OutcomeCompleted, evs[len(evs)-1].Outcome)
}

func TestSession_SendTurnWaitsForCancelledPrompt(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "slow")
	require.NoError(t, err)
	collectUntil(t, s, isType(acpmux.EventTextDelta))
	require.NoError(t, s.CancelTurn())

	turn, err := s.SendTurn(context.Background(), "echo next")
	require.NoError(t, err)
	assert.Zero(t, s.drainingLen(), "prompt written only after the cancelled one was answered")

	evs := collectUntil(t, s, func(ev acpmux.Event) bool {
		return ev.Type == acpmux.EventTurnCompleted && ev.Turn == turn.Generation
	})
	var own []acpmux.Event
	for _, ev := range evs {
		if ev.Turn == turn.Generation {
			own = append(own, ev)
		}
	}
	assert.Equal(t, []string{"next"}, texts(own, acpmux.EventTextDelta))
	assert.Equal(t, acpmux.OutcomeCompleted, own[len(own)-1].Outcome)
}

func TestSession_SendTurnWaitHonorsContext(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "hang")
	require.NoError(t, err)
	collectUntil(t, s, isType(acpmux.EventTextDelta))
	require.NoError(t, s.CancelTurn())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = s.SendTurn(ctx, "echo next")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, acpmux.StateIdle, s.State())
}

func TestSession_CancelWithoutTurn(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	assert.ErrorIs(t, s.CancelTurn(), acpmux.ErrNoActiveTurn)
}

// --- permissions ---

func TestSession_PermissionAsk(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "permission")
	require.NoError(t, err)

	evs := collectUntil(t, s, isType(acpmux.EventPermissionRequest))
	call := find(evs, acpmux.EventToolCall)
	require.NotNil(t, call)
	assert.Equal(t, "call-1", call.Tool.ID)
	assert.Equal(t, "execute", call.Tool.Kind)

	req := evs[len(evs)-1].Permission
	require.NotNil(t, req)
	assert.Equal(t, "Run rm -rf build", req.ToolCall.Title)
	require.Len(t, req.Options, 3)
	assert.Len(t, s.Proposals(), 1)

	require.NoError(t, s.RespondToProposal(req.ProposalID, acpmux.Approve()))
	assert.ErrorIs(t, s.RespondToProposal(req.ProposalID, acpmux.Approve()), acpmux.ErrProposalNotFound)

	evs = collectUntil(t, s, isType(acpmux.EventTurnCompleted))
	resolved := find(evs, acpmux.EventPermissionResolved)
	require.NotNil(t, resolved)
	assert.Equal(t, "selected", resolved.Permission.Outcome)
	assert.Equal(t, "allow-1", resolved.Permission.Selected)

	update := find(evs, acpmux.EventToolCallUpdate)
	require.NotNil(t, update)
	assert.Equal(t, "Run rm -rf build", update.Tool.Title, "update merged into the tracked call")
	assert.Equal(t, "completed", update.Tool.Status)
	assert.JSONEq(t, `"removed"`, string(update.Tool.Output))

	assert.Equal(t, []string{"outcome selected:allow-1"}, texts(evs, acpmux.EventTextDelta))
}

func TestSession_PermissionSelectOption(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "permission")
	require.NoError(t, err)
	evs := collectUntil(t, s, isType(acpmux.EventPermissionRequest))

	require.NoError(t, s.RespondToProposal(evs[len(evs)-1].Permission.ProposalID, acpmux.SelectOption("always-1")))
	evs = collectUntil(t, s, isType(acpmux.EventTurnCompleted))
	assert.Equal(t, []string{"outcome selected:always-1"}, texts(evs, acpmux.EventTextDelta))
}

func TestSession_PermissionPolicies(t *testing.T) {
	for policy, want := range map[acpmux.PermissionPolicy]string{
		acpmux.PolicyAllow: "outcome selected:allow-1",
		acpmux.PolicyDeny:  "outcome selected:reject-1",
	} {
		t.Run(string(policy), func(t *testing.T) {
			s := startStub(t, stubSpec(t, stubagent.ScenarioDefault), WithPolicy(policy))
			evs := runTurn(t, s, "permission")
			assert.Zero(t, count(evs, acpmux.EventPermissionRequest))
			assert.Equal(t, 1, count(evs, acpmux.EventPermissionResolved))
			assert.Equal(t, []string{want}, texts(evs, acpmux.EventTextDelta))
		})
	}
}

func TestSession_CancelAnswersPendingPermission(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "permission")
	require.NoError(t, err)
	evs := collectUntil(t, s, isType(acpmux.EventPermissionRequest))
	id := evs[len(evs)-1].Permission.ProposalID

	require.NoError(t, s.CancelTurn())
	evs = collectUntil(t, s, isType(acpmux.EventTurnCompleted))
	assert.Equal(t, []acpmux.EventType{acpmux.EventPermissionResolved, acpmux.EventTurnCompleted}, typesOf(evs))
	assert.Equal(t, "cancelled", evs[0].Permission.Outcome)
	assert.Equal(t, id, evs[0].Permission.ProposalID)
	assert.ErrorIs(t, s.RespondToProposal(id, acpmux.Approve()), acpmux.ErrProposalNotFound)
	assert.Empty(t, s.Proposals())
}

// --- client services ---

func TestSession_ReadTextFile(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	path := filepath.Join(spec.Dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk"), 0o644))
	s := startStub(t, spec)

	evs := runTurn(t, s, "read "+path)
	assert.Equal(t, []string{"remember the milk"}, texts(evs, acpmux.EventTextDelta))

	evs = runTurn(t, s, "read /etc/hostname")
	got := texts(evs, acpmux.EventTextDelta)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "error "), got[0])
}

func TestSession_WriteTextFile(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	s := startStub(t, spec)
	path := filepath.Join(spec.Dir, "sub", "out.txt")

	evs := runTurn(t, s, "write "+path+" hello there")
	assert.Equal(t, []string{"written"}, texts(evs, acpmux.EventTextDelta))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(data))
}

func TestSession_WriteTextFileNotOffered(t *testing.T) {
	spec := stubSpec(t, stubagent.ScenarioDefault)
	spec.Options = map[string]string{acpmux.OptionFileSystemWrite: "false"}
	s := startStub(t, spec)
	path := filepath.Join(spec.Dir, "out.txt")

	evs := runTurn(t, s, "write "+path+" nope")
	got := texts(evs, acpmux.EventTextDelta)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "error -32601"), got[0])
	assert.NoFileExists(t, path)
}

func TestSession_Terminal(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	evs := runTurn(t, s, "terminal")
	assert.Equal(t, []string{"hi from terminal"}, texts(evs, acpmux.EventTextDelta))
}

func TestSession_PlanAndCommands(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	evs := runTurn(t, s, "plan")

	plan := find(evs, acpmux.EventPlan)
	require.NotNil(t, plan)
	require.Len(t, plan.Plan, 2)
	assert.Equal(t, "Read code", plan.Plan[0].Content)
	assert.Equal(t, "completed", plan.Plan[0].Status)

	cmds := find(evs, acpmux.EventCommandsUpdate)
	require.NotNil(t, cmds)
	require.Len(t, cmds.Commands, 1)
	assert.Equal(t, "test", cmds.Commands[0].Name)
}

// --- stop ---

func TestSession_Stop(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	runTurn(t, s, "hello")

	require.NoError(t, s.Stop(context.Background()))
	evs := drainAll(t, s)
	require.Equal(t, []acpmux.EventType{acpmux.EventSessionEnded}, typesOf(evs))
	require.NotNil(t, evs[0].Exit)

	assert.Equal(t, acpmux.StateEnded, s.State())
	assert.ErrorIs(t, s.Err(), acpmux.ErrSessionEnded)
	assert.False(t, s.EndedAt().IsZero())
	require.NoError(t, s.Stop(context.Background()), "stop is idempotent")

	_, err := s.SendTurn(context.Background(), "hello")
	assert.ErrorIs(t, err, acpmux.ErrSessionEnded)
	assert.ErrorIs(t, s.CancelTurn(), acpmux.ErrSessionEnded)
}

func TestSession_StopCancelsActiveTurn(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	turn, err := s.SendTurn(context.Background(), "slow")
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	res, ok := turn.Result()
	require.True(t, ok)
	assert.Equal(t, acpmux.OutcomeCancelled, res.Outcome)

	evs := drainAll(t, s)
	assert.Equal(t, acpmux.EventSessionEnded, evs[len(evs)-1].Type)
	assert.Zero(t, count(evs, acpmux.EventSessionCrashed))
}

func TestSession_StopWithoutShutdownReply(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioNoShutdown), WithShutdownTimeout(200*time.Millisecond))

	require.NoError(t, s.Stop(context.Background()))
	evs := drainAll(t, s)
	assert.Equal(t, []acpmux.EventType{acpmux.EventSessionEnded}, typesOf(evs))
	assert.Equal(t, acpmux.StateEnded, s.State())
}

func TestSession_StopBeforeStart(t *testing.T) {
	s := New("", acpmux.AgentSpec{Command: "agent"})
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, acpmux.StateEnded, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), acpmux.ErrSessionEnded)
}

// --- message log ---

func TestSession_LogAndTrace(t *testing.T) {
	var trace syncBuffer
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault), WithTraceWriter(&trace), WithMaxLogEntries(5))
	runTurn(t, s, "hello")
	require.NoError(t, s.Stop(context.Background()))

	log := s.Log()
	assert.Len(t, log, 5, "log is bounded")
	last := log[len(log)-1]
	assert.Equal(t, DirectionReceived, last.Direction)

	lines := strings.Split(strings.TrimSpace(trace.String()), "\n")
	assert.Greater(t, len(lines), 5, "trace is not bounded")
	assert.Contains(t, lines[0], `"direction":"sent"`)
	assert.Contains(t, lines[0], `"method":"initialize"`)
}

func TestMessageLog_InvalidFrameKeptAsString(t *testing.T) {
	l := newMessageLog(2, nil)
	l.add(DirectionReceived, []byte("{not json"))
	l.add(DirectionSent, []byte(`{"a":1}`))
	l.add(DirectionSent, []byte(`{"b":2}`))
	got := l.snapshot()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"a":1}`, string(got[0].Frame))

	l = newMessageLog(1, nil)
	l.add(DirectionReceived, []byte("{not json"))
	assert.JSONEq(t, `"{not json"`, string(l.snapshot()[0].Frame))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunTurn_Session(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	var sb strings.Builder
	res, err := RunTurn(context.Background(), s, "hello", func(ev acpmux.Event) error {
		if ev.Type == acpmux.EventTextDelta {
			sb.WriteString(ev.Text)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", sb.String())
	assert.Equal(t, acpmux.OutcomeCompleted, res.Outcome)
}

func TestNew_DefaultsID(t *testing.T) {
	a := New("", acpmux.AgentSpec{Command: "x"})
	b := New("", acpmux.AgentSpec{Command: "x"})
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "fixed", New("fixed", acpmux.AgentSpec{Command: "x"}).ID())
	assert.False(t, errors.Is(a.Err(), acpmux.ErrSessionEnded))
}

// --- misbehaving agents ---

func TestSession_PromptWriteTimeout(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDeaf), WithTurnTimeout(300*time.Millisecond))

	begin := time.Now()
	_, err := s.SendTurn(context.Background(), "echo "+strings.Repeat("x", 1<<20))
	assert.Less(t, time.Since(begin), 3*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, acpmux.ErrTimeout)

	evs := drainAll(t, s)
	assert.Equal(t, 1, count(evs, acpmux.EventSessionCrashed))
	assert.Equal(t, acpmux.StateCrashed, s.State())
	assert.ErrorIs(t, s.Err(), acpmux.ErrTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSession_StopWhilePromptWriteBlocked(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDeaf),
		WithRequestTimeout(time.Minute), WithTurnTimeout(time.Minute))

	sendErr := make(chan error, 1)
	go func() {
		_, err := s.SendTurn(context.Background(), "echo "+strings.Repeat("x", 1<<20))
		sendErr <- err
	}()
	require.Eventually(t, func() bool { return s.State() == acpmux.StateActive }, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		_ = s.Stop(ctx)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop blocked; state=%s", s.State())
	}
	assert.Equal(t, acpmux.StateEnded, s.State())

	select {
	case err := <-sendErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SendTurn never returned")
	}
}

func TestSession_AgentExitWithStdoutHeldOpen(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "orphan")
	require.NoError(t, err)

	evs := drainAll(t, s)
	assert.Equal(t, 1, count(evs, acpmux.EventSessionCrashed))
	crashed := evs[len(evs)-1]
	require.Equal(t, acpmux.EventSessionCrashed, crashed.Type)
	require.NotNil(t, crashed.Exit)
	assert.Equal(t, 3, crashed.Exit.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	begin := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(begin), time.Second)
}

func TestSession_BannerBeforeFirstFrameIsWarning(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioBanner))

	ev := nextEvent(t, s)
	require.Equal(t, acpmux.EventWarning, ev.Type)
	assert.Contains(t, ev.Text, "stub agent 1.0.0 starting")

	evs := runTurn(t, s, "hello")
	assert.Equal(t, acpmux.OutcomeCompleted, evs[len(evs)-1].Outcome)
}

func TestSession_NonJSONLineMidTurnIsFatal(t *testing.T) {
	s := startStub(t, stubSpec(t, stubagent.ScenarioDefault))
	_, err := s.SendTurn(context.Background(), "noise")
	require.NoError(t, err)

	evs := drainAll(t, s)
	assert.Equal(t, 1, count(evs, acpmux.EventSessionCrashed))
	assert.Empty(t, texts(evs, acpmux.EventTextDelta), "nothing after the bad line is delivered")
	assert.ErrorIs(t, s.Err(), transport.ErrNotJSON)
}
