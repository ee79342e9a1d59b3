// Package processing delivers mail off the request path with a small pool of
// goroutines fed by a buffered channel. It is used when no Redis queue is
// configured.
package processing

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/notify"
)

// ErrQueueFull is returned by Send when every buffer slot is taken.
var ErrQueueFull = errors.New("mail queue full")

// ErrStopped is returned by Send after Stop.
var ErrStopped = errors.New("mail dispatcher stopped")

// Deliverer sends one message synchronously.
type Deliverer interface {
	Send(ctx context.Context, msg *notify.Message) error
}

// Dispatcher queues messages and hands them to a Deliverer from worker
// goroutines.
type Dispatcher struct {
	deliver Deliverer
	queue   chan *notify.Message
	workers int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// New builds a Dispatcher whose buffer scales with the worker count.
func New(deliver Deliverer, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		deliver: deliver,
		queue:   make(chan *notify.Message, workers*16),
		workers: workers,
	}
}

// Start launches the workers. They exit once Stop drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Send queues msg. It never blocks; a full buffer is reported to the caller.
func (d *Dispatcher) Send(_ context.Context, msg *notify.Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		log.WithField("kind", msg.Kind).Warn("mail queue full, dropping message")
		return ErrQueueFull
	}
}

// Stop refuses new messages and waits until queued ones are delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for msg := range d.queue {
		// Delivery outlives the request that queued it, so only the
		// dispatcher context's values are kept.
		if err := d.deliver.Send(context.WithoutCancel(ctx), msg); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"kind":   msg.Kind,
				"record": msg.Data.ID,
			}).Error("mail delivery failed")
		}
	}
}
