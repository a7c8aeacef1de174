package router

import (
	"context"
	"log"
	"sync"
	"time"

	"betaline/internal/transport"
)

// Dispatcher serializes event handling per identity while letting distinct
// identities proceed concurrently. Two rapid messages from one sender are
// applied in arrival order, so a half-typed form answer cannot race its
// predecessor; senders never block each other.
type Dispatcher struct {
	router  *Router
	timeout time.Duration

	mu     sync.Mutex
	queues map[int64][]func(context.Context) error
	busy   map[int64]bool
	wg     sync.WaitGroup
}

func NewDispatcher(r *Router) *Dispatcher {
	return &Dispatcher{
		router:  r,
		timeout: 30 * time.Second,
		queues:  map[int64][]func(context.Context) error{},
		busy:    map[int64]bool{},
	}
}

// DispatchText enqueues a text event on the sender's lane.
func (d *Dispatcher) DispatchText(ev transport.TextEvent) {
	d.enqueue(ev.IdentityID, func(ctx context.Context) error {
		return d.router.HandleText(ctx, ev)
	})
}

// DispatchMedia enqueues a media event on the sender's lane.
func (d *Dispatcher) DispatchMedia(ev transport.MediaEvent) {
	d.enqueue(ev.IdentityID, func(ctx context.Context) error {
		return d.router.HandleMedia(ctx, ev)
	})
}

// DispatchAction enqueues a button press on the presser's lane.
func (d *Dispatcher) DispatchAction(ev transport.ActionEvent) {
	d.enqueue(ev.IdentityID, func(ctx context.Context) error {
		return d.router.HandleAction(ctx, ev)
	})
}

func (d *Dispatcher) enqueue(identityID int64, fn func(context.Context) error) {
	d.mu.Lock()
	if d.busy[identityID] {
		d.queues[identityID] = append(d.queues[identityID], fn)
		d.mu.Unlock()
		return
	}
	d.busy[identityID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.drain(identityID, fn)
}

func (d *Dispatcher) drain(identityID int64, fn func(context.Context) error) {
	defer d.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := fn(ctx); err != nil {
			log.Printf("dispatch: identity %d: %v", identityID, err)
		}
		cancel()

		d.mu.Lock()
		q := d.queues[identityID]
		if len(q) == 0 {
			d.busy[identityID] = false
			d.mu.Unlock()
			return
		}
		fn = q[0]
		d.queues[identityID] = q[1:]
		d.mu.Unlock()
	}
}

// Wait blocks until every enqueued event has been handled. Used on
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
