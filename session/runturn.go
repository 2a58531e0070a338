package session

import (
	"context"

	"github.com/dmora/acpmux"
)

// Runner is the part of a Session RunTurn needs.
type Runner interface {
	SendTurn(ctx context.Context, text string) (*Turn, error)
	Events() <-chan acpmux.Event
	Err() error
}

// RunTurn sends text and drains Events() until the turn's turn_completed
// event. handler is called for each event, including turn_completed and
// any events still queued from before the turn.
//
// If handler returns an error, the drain stops and RunTurn returns it; the
// turn keeps running. If the stream closes first, RunTurn returns the
// turn's result (errored by the crash) and r.Err().
// Context cancellation stops the drain, not the turn.
func RunTurn(ctx context.Context, r Runner, text string, handler func(acpmux.Event) error) (TurnResult, error) {
	t, err := r.SendTurn(ctx, text)
	if err != nil {
		return TurnResult{}, err
	}
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				res, _ := t.Result()
				return res, r.Err()
			}
			if err := handler(ev); err != nil {
				return TurnResult{}, err
			}
			if ev.Type == acpmux.EventTurnCompleted && ev.Turn == t.Generation {
				res, _ := t.Result()
				return res, nil
			}
		case <-ctx.Done():
			return TurnResult{}, ctx.Err()
		}
	}
}
