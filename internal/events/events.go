package events

import (
	"context"
	"sync"
	"time"

	"tilgang.org/internal/delegation"
	"tilgang.org/internal/obs"
)

// ChangeEvent is published whenever a delegation is granted or revoked.
type ChangeEvent struct {
	Change delegation.Change `json:"change"`
}

// Queue accepts delegation-changed events for delivery. Implementations may
// fail; the dispatcher guarantees callers never see those failures.
type Queue interface {
	Enqueue(ctx context.Context, evt ChangeEvent) error
}

const dispatchTimeout = 5 * time.Second

// Dispatcher hands change records to the queue after a durable commit.
// Best effort by contract: each dispatch runs detached from the request,
// and an enqueue failure is logged and swallowed so grant/revoke success
// never depends on the event bus.
type Dispatcher struct {
	queue Queue
	wg    sync.WaitGroup
}

var _ delegation.ChangeDispatcher = (*Dispatcher)(nil)

// NewDispatcher constructs a dispatcher over the queue.
func NewDispatcher(queue Queue) *Dispatcher {
	return &Dispatcher{queue: queue}
}

// Dispatch enqueues the change in a detached goroutine.
func (d *Dispatcher) Dispatch(change delegation.Change) {
	if d == nil || d.queue == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := d.queue.Enqueue(ctx, ChangeEvent{Change: change}); err != nil {
			obs.LogRequest(map[string]any{
				"level":    "warn",
				"msg":      "delegation event enqueue failed",
				"resource": change.ResourceID,
				"grantor":  change.GrantorPartyID,
				"error":    err.Error(),
			})
		}
	}()
}

// Wait blocks until every in-flight dispatch has finished. Used by tests and
// by graceful shutdown.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
