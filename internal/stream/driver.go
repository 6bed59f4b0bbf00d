package stream

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// EmitFunc writes one event to the client. A non-nil error means the
// client is gone and the stream should stop.
type EmitFunc func(Event) error

// Run drives t from deltas until a terminal event, emitting every event in
// order. A closed channel without a done marker ends the stream normally.
// If timeout elapses first, or ctx passes its deadline, the stream ends
// with upstream_timeout. Only cancellation of ctx (the client went away)
// stops the loop without a terminal event.
func Run(ctx context.Context, t *Transformer, deltas <-chan domain.Delta, timeout time.Duration, emit EmitFunc) error {
	if err := emitAll(emit, t.Start()); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for !t.State().Terminal() {
		var events []Event
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			events = t.Fail(domain.ErrUpstreamTimeout())
		case <-deadline:
			events = t.Fail(domain.ErrUpstreamTimeout())
		case d, ok := <-deltas:
			switch {
			case (!ok || d.Err != nil) && ctx.Err() != nil:
				// The upstream stopped because ctx ended; report that,
				// not the transport error it caused.
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				events = t.Fail(domain.ErrUpstreamTimeout())
			case !ok:
				events = t.Finish()
			default:
				events = t.Feed(d)
			}
		}
		if err := emitAll(emit, events); err != nil {
			return err
		}
	}
	return nil
}

func emitAll(emit EmitFunc, events []Event) error {
	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}
