package dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kal997/block-notification-server/internal/endpoint"
	"github.com/kal997/block-notification-server/internal/metrics"
	"github.com/kal997/block-notification-server/internal/models"
)

// Dispatcher fans a matched notification out to subscriber endpoints.
//
// Dispatch only enqueues; each endpoint delivers on its own goroutine, so a
// slow or broken subscriber never holds up the caller or other subscribers.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints map[models.SubscriberID]*endpoint.Handle

	log     logrus.FieldLogger
	metrics metrics.Recorder
}

// New creates an empty dispatcher
func New(log logrus.FieldLogger, rec metrics.Recorder) *Dispatcher {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Dispatcher{
		endpoints: make(map[models.SubscriberID]*endpoint.Handle),
		log:       log.WithField("component", "dispatcher"),
		metrics:   rec,
	}
}

// Attach makes h reachable by its subscriber id. A previous handle with the
// same id is replaced.
func (d *Dispatcher) Attach(h *endpoint.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[h.ID()] = h
}

// Detach removes the handle for id and returns it, if any
func (d *Dispatcher) Detach(id models.SubscriberID) *endpoint.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.endpoints[id]
	if !ok {
		return nil
	}
	delete(d.endpoints, id)
	return h
}

// Handle returns the attached handle for id
func (d *Dispatcher) Handle(id models.SubscriberID) (*endpoint.Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.endpoints[id]
	return h, ok
}

// Len returns the number of attached endpoints
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.endpoints)
}

// Dispatch enqueues n on every subscriber's endpoint and returns how many
// accepted it. It never blocks on delivery. Per-endpoint failures are
// recorded and skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notification, subscribers []models.SubscriberID) int {
	if len(subscribers) == 0 {
		return 0
	}

	handles := make([]*endpoint.Handle, 0, len(subscribers))
	d.mu.RLock()
	for _, id := range subscribers {
		if h, ok := d.endpoints[id]; ok {
			handles = append(handles, h)
		} else {
			d.metrics.RecordDrop(ctx, metrics.DropNoEndpoint)
		}
	}
	d.mu.RUnlock()

	accepted := 0
	for _, h := range handles {
		err := h.Enqueue(n)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, endpoint.ErrQueueFull):
			d.metrics.RecordDrop(ctx, metrics.DropQueueFull)
			d.log.WithFields(logrus.Fields{
				"subscriber": h.ID(),
				"block_id":   n.BlockID,
				"op":         n.Op,
				"seq":        n.Seq,
			}).Warn("endpoint queue full, dropping notification")
		case errors.Is(err, endpoint.ErrClosed):
			d.metrics.RecordDrop(ctx, metrics.DropEndpointClosed)
		default:
			d.log.WithError(err).WithField("subscriber", h.ID()).Error("unexpected enqueue error")
		}
	}
	return accepted
}

// CloseAll closes every attached endpoint. Close hooks run as usual.
func (d *Dispatcher) CloseAll() {
	d.mu.RLock()
	handles := make([]*endpoint.Handle, 0, len(d.endpoints))
	for _, h := range d.endpoints {
		handles = append(handles, h)
	}
	d.mu.RUnlock()

	for _, h := range handles {
		h.Close()
	}
}
