package events

import (
	"context"
	"errors"
	"sync"
)

type outboxKey struct{}

// Outbox holds events raised inside a larger unit of work until that work
// commits. Events of a unit that fails are dropped with it, and so are the
// callbacks queued with AfterCommit.
type Outbox struct {
	mu      sync.Mutex
	pending []Event
	after   []func()
}

// WithOutbox returns a context whose events are held in the returned
// outbox instead of being published immediately.
func WithOutbox(ctx context.Context) (context.Context, *Outbox) {
	ob := &Outbox{}
	return context.WithValue(ctx, outboxKey{}, ob), ob
}

// OutboxFrom returns the outbox carried by ctx, or nil.
func OutboxFrom(ctx context.Context) *Outbox {
	ob, _ := ctx.Value(outboxKey{}).(*Outbox)
	return ob
}

// Add queues events.
func (o *Outbox) Add(evs ...Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, evs...)
}

// Len returns the number of queued events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush runs the queued callbacks, then publishes and clears the queued
// events. Every event is attempted; the joined publish errors are returned.
func (o *Outbox) Flush(ctx context.Context, p Publisher) error {
	o.mu.Lock()
	pending, after := o.pending, o.after
	o.pending, o.after = nil, nil
	o.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	var errs []error
	for _, ev := range pending {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit queues events on the context's outbox when there is one and
// publishes them right away otherwise.
func Emit(ctx context.Context, p Publisher, evs ...Event) error {
	if ob := OutboxFrom(ctx); ob != nil {
		ob.Add(evs...)
		return nil
	}
	var errs []error
	for _, ev := range evs {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AfterCommit queues fn on the context's outbox when there is one and runs
// it right away otherwise.
func AfterCommit(ctx context.Context, fn func()) {
	if ob := OutboxFrom(ctx); ob != nil {
		ob.mu.Lock()
		ob.after = append(ob.after, fn)
		ob.mu.Unlock()
		return
	}
	fn()
}
