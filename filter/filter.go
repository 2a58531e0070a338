// Package filter provides composable channel middleware for acpmux event
// streams. Consumers wrap a session's or registry's Events() with these
// functions to select the events they need.
package filter

import (
	"context"
	"strings"

	"github.com/dmora/acpmux"
)

// Filter returns a channel that only passes events of the given types.
// Spawns a goroutine that exits when ctx is cancelled or ch is closed.
// The returned channel is closed when the goroutine exits.
func Filter(ctx context.Context, ch <-chan acpmux.Event, types ...acpmux.EventType) <-chan acpmux.Event {
	allowed := make(map[acpmux.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return pipe(ctx, ch, func(ev acpmux.Event) bool {
		_, ok := allowed[ev.Type]
		return ok
	})
}

// Completed returns a channel that drops all delta types, passing only
// complete events. Spawns a goroutine that exits when ctx is cancelled
// or ch is closed.
func Completed(ctx context.Context, ch <-chan acpmux.Event) <-chan acpmux.Event {
	return pipe(ctx, ch, func(ev acpmux.Event) bool {
		return !IsDelta(ev.Type)
	})
}

// ForSession returns a channel that passes only the events of session id,
// for consumers of a registry's merged stream.
func ForSession(ctx context.Context, ch <-chan acpmux.Event, id string) <-chan acpmux.Event {
	return pipe(ctx, ch, func(ev acpmux.Event) bool {
		return ev.SessionID == id
	})
}

// Outcomes returns a channel that passes only turn_completed and the
// terminal session events.
func Outcomes(ctx context.Context, ch <-chan acpmux.Event) <-chan acpmux.Event {
	return pipe(ctx, ch, func(ev acpmux.Event) bool {
		return ev.Type == acpmux.EventTurnCompleted || ev.Type.Terminal()
	})
}

// IsDelta reports whether t is a streaming delta (partial) event type.
// Convention: all delta types use the "_delta" suffix (text_delta,
// thinking_delta, user_message_delta).
func IsDelta(t acpmux.EventType) bool {
	return strings.HasSuffix(string(t), "_delta")
}

// pipe spawns a goroutine that reads from ch, passes events matching
// the predicate to the returned channel, and closes it when ch closes
// or ctx is cancelled. Callers must either drain the returned channel
// or cancel ctx to avoid goroutine leaks. Events accepted by the
// predicate may be silently dropped if ctx is cancelled mid-send.
func pipe(ctx context.Context, ch <-chan acpmux.Event, accept func(acpmux.Event) bool) <-chan acpmux.Event {
	out := make(chan acpmux.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if accept(ev) && !trySend(ctx, out, ev) {
					return
				}
			}
		}
	}()
	return out
}

// trySend sends ev on out, returning true on success.
// Returns false if ctx is cancelled before the send completes.
func trySend(ctx context.Context, out chan<- acpmux.Event, ev acpmux.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
