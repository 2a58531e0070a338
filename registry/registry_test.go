//go:build !windows

package registry

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/internal/stubagent"
	"github.com/dmora/acpmux/session"
)

const waitFor = 10 * time.Second

func TestMain(m *testing.M) {
	if stubagent.Enabled() {
		os.Exit(stubagent.Main())
	}
	os.Exit(m.Run())
}

func stubSpec(t *testing.T, name string) acpmux.AgentSpec {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return acpmux.AgentSpec{
		Name:    name,
		Command: exe,
		Dir:     t.TempDir(),
		Env:     stubagent.Env(stubagent.ScenarioDefault),
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(WithSessionOptions(session.WithGracePeriod(time.Second)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

// readUntil reads the merged stream up to and including the first event
// matching stop.
func readUntil(t *testing.T, r *Registry, stop func(acpmux.Event) bool) []acpmux.Event {
	t.Helper()
	var evs []acpmux.Event
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-r.Events():
			require.True(t, ok, "merged stream closed")
			evs = append(evs, ev)
			if stop(ev) {
				return evs
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func bySession(evs []acpmux.Event) map[string][]acpmux.Event {
	out := make(map[string][]acpmux.Event)
	for _, ev := range evs {
		out[ev.SessionID] = append(out[ev.SessionID], ev)
	}
	return out
}

func TestRegistry_TwoConcurrentSessions(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		sessions [2]*session.Session
		errs     [2]error
	)
	for i, name := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = r.Create(ctx, stubSpec(t, name))
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	a, b := sessions[0], sessions[1]
	assert.NotEqual(t, a.ID(), b.ID())

	_, err := r.SendTurn(ctx, a.ID(), "echo from alpha")
	require.NoError(t, err)
	_, err = r.SendTurn(ctx, b.ID(), "echo from beta")
	require.NoError(t, err)

	completed := 0
	evs := readUntil(t, r, func(ev acpmux.Event) bool {
		if ev.Type == acpmux.EventTurnCompleted {
			completed++
		}
		return completed == 2
	})

	grouped := bySession(evs)
	require.Len(t, grouped, 2)
	want := map[string]string{a.ID(): "from alpha", b.ID(): "from beta"}
	for id, sevs := range grouped {
		var types []acpmux.EventType
		var text string
		for i, ev := range sevs {
			types = append(types, ev.Type)
			if ev.Type == acpmux.EventTextDelta {
				text += ev.Text
			}
			if i > 0 {
				assert.Equal(t, sevs[i-1].Seq+1, ev.Seq, "per-session order is preserved")
			}
		}
		assert.Equal(t, []acpmux.EventType{
			acpmux.EventHandshakeComplete,
			acpmux.EventTurnStarted,
			acpmux.EventTextDelta,
			acpmux.EventTurnCompleted,
		}, types)
		assert.Equal(t, want[id], text)
	}

	list := r.List()
	require.Len(t, list, 2)
	for _, sum := range list {
		assert.Equal(t, acpmux.StateIdle, sum.State)
	}
	assert.False(t, list[1].StartedAt.Before(list[0].StartedAt))
}

func TestRegistry_CrashedSessionIsRemoved(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	crashing, err := r.Create(ctx, stubSpec(t, "crashy"))
	require.NoError(t, err)
	healthy, err := r.Create(ctx, stubSpec(t, "healthy"))
	require.NoError(t, err)

	_, err = r.SendTurn(ctx, crashing.ID(), "crash")
	require.NoError(t, err)

	evs := readUntil(t, r, func(ev acpmux.Event) bool { return ev.Type == acpmux.EventSessionCrashed })
	crashed := evs[len(evs)-1]
	assert.Equal(t, crashing.ID(), crashed.SessionID)

	_, err = r.Get(crashing.ID())
	assert.ErrorIs(t, err, acpmux.ErrSessionNotFound, "removed before the crash event is published")
	_, err = r.SendTurn(ctx, crashing.ID(), "hello")
	assert.ErrorIs(t, err, acpmux.ErrSessionNotFound)

	sum, err := r.Summary(crashing.ID())
	require.NoError(t, err)
	assert.Equal(t, acpmux.StateCrashed, sum.State)
	require.NotNil(t, sum.Exit)
	assert.Equal(t, 1, sum.Exit.Code)
	assert.NotEmpty(t, sum.Reason)
	assert.Len(t, r.List(), 2, "finished sessions stay listed")

	// The other session is unaffected.
	_, err = r.SendTurn(ctx, healthy.ID(), "echo still here")
	require.NoError(t, err)
	evs = readUntil(t, r, func(ev acpmux.Event) bool {
		return ev.Type == acpmux.EventTurnCompleted && ev.SessionID == healthy.ID()
	})
	assert.Equal(t, acpmux.OutcomeCompleted, evs[len(evs)-1].Outcome)
}

func TestRegistry_RoutesCommands(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	s, err := r.Create(ctx, stubSpec(t, "router"))
	require.NoError(t, err)

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.SendTurn(ctx, s.ID(), "permission")
	require.NoError(t, err)
	evs := readUntil(t, r, func(ev acpmux.Event) bool { return ev.Type == acpmux.EventPermissionRequest })
	proposal := evs[len(evs)-1].Permission.ProposalID

	require.NoError(t, r.RespondToProposal(s.ID(), proposal, acpmux.Deny()))
	evs = readUntil(t, r, func(ev acpmux.Event) bool { return ev.Type == acpmux.EventTurnCompleted })
	var text string
	for _, ev := range evs {
		if ev.Type == acpmux.EventTextDelta {
			text += ev.Text
		}
	}
	assert.Equal(t, "outcome selected:reject-1", text)

	_, err = r.SendTurn(ctx, s.ID(), "slow")
	require.NoError(t, err)
	require.NoError(t, r.CancelTurn(s.ID()))
	evs = readUntil(t, r, func(ev acpmux.Event) bool { return ev.Type == acpmux.EventTurnCompleted })
	assert.Equal(t, acpmux.OutcomeCancelled, evs[len(evs)-1].Outcome)

	require.NoError(t, r.Stop(ctx, s.ID()))
	evs = readUntil(t, r, func(ev acpmux.Event) bool { return ev.Type.Terminal() })
	assert.Equal(t, acpmux.EventSessionEnded, evs[len(evs)-1].Type)
	_, err = r.Get(s.ID())
	assert.ErrorIs(t, err, acpmux.ErrSessionNotFound)
	sum, err := r.Summary(s.ID())
	require.NoError(t, err)
	assert.Equal(t, acpmux.StateEnded, sum.State)
	assert.Empty(t, sum.Reason)
}

func TestRegistry_UnknownSession(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, acpmux.ErrSessionNotFound)
	_, err = r.SendTurn(ctx, "nope", "hi")
	assert.ErrorIs(t, err, acpmux.ErrSessionNotFound)
	assert.ErrorIs(t, r.CancelTurn("nope"), acpmux.ErrSessionNotFound)
	assert.ErrorIs(t, r.RespondToProposal("nope", "p-1", acpmux.Approve()), acpmux.ErrSessionNotFound)
	assert.ErrorIs(t, r.Stop(ctx, "nope"), acpmux.ErrSessionNotFound)
	_, err = r.Summary("nope")
	assert.ErrorIs(t, err, acpmux.ErrSessionNotFound)
}

func TestRegistry_CreateFailureIsSummarized(t *testing.T) {
	r := newRegistry(t)
	s, err := r.Create(context.Background(), acpmux.AgentSpec{Name: "ghost", Command: "/nonexistent/agent-binary"})
	var spawnErr *acpmux.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.NotNil(t, s)

	evs := readUntil(t, r, func(ev acpmux.Event) bool { return ev.Type.Terminal() })
	assert.Equal(t, acpmux.EventSessionCrashed, evs[len(evs)-1].Type)

	sum, err := r.Summary(s.ID())
	require.NoError(t, err)
	assert.Equal(t, acpmux.StateCrashed, sum.State)
	assert.Equal(t, "ghost", sum.Agent)
	assert.Nil(t, sum.Exit)
}

func TestRegistry_Close(t *testing.T) {
	r := New(WithSessionOptions(session.WithGracePeriod(time.Second)))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	for _, name := range []string{"one", "two"} {
		_, err := r.Create(ctx, stubSpec(t, name))
		require.NoError(t, err)
	}
	require.NoError(t, r.Close(ctx))

	var ended int
	for ev := range r.Events() {
		if ev.Type == acpmux.EventSessionEnded {
			ended++
		}
	}
	assert.Equal(t, 2, ended, "stream closes after every terminal event")
	for _, sum := range r.List() {
		assert.Equal(t, acpmux.StateEnded, sum.State)
	}

	_, err := r.Create(ctx, stubSpec(t, "late"))
	assert.ErrorIs(t, err, acpmux.ErrRegistryClosed)
	require.NoError(t, r.Close(ctx))
}
