package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kal997/block-notification-server/internal/models"
)

var (
	// ErrClosed is returned when enqueueing to a Closed endpoint
	ErrClosed = errors.New("endpoint closed")

	// ErrQueueFull is returned when the endpoint's queue has no room; the
	// notification is dropped for this endpoint only.
	ErrQueueFull = errors.New("endpoint queue full")
)

// Sender is the transport's per-subscriber send primitive
type Sender interface {
	Send(ctx context.Context, n models.Notification) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, n models.Notification) error

// Send calls f
func (f SenderFunc) Send(ctx context.Context, n models.Notification) error {
	return f(ctx, n)
}

// State of a Handle
type State int32

const (
	Active State = iota
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Defaults for Options
const (
	DefaultQueueDepth  = 256
	DefaultSendTimeout = 5 * time.Second
)

// Options configures a Handle
type Options struct {
	// QueueDepth bounds pending notifications. Default: 256
	QueueDepth int

	// SendTimeout bounds one Send call; exceeding it closes the endpoint.
	// Default: 5s
	SendTimeout time.Duration

	// OnClose runs exactly once when the handle becomes Closed. cause is nil
	// for an explicit Close.
	OnClose func(id models.SubscriberID, cause error)

	// OnDelivered is called after each Send attempt with its result
	OnDelivered func(id models.SubscriberID, n models.Notification, latency time.Duration, err error)
}

// Handle is a revocable reference to one subscriber's delivery channel.
//
// Notifications are queued and sent by a single goroutine, so a handle
// delivers in enqueue order. The first failed send moves the handle to
// Closed; anything still queued is dropped.
type Handle struct {
	id     models.SubscriberID
	sender Sender
	opts   Options

	queue chan models.Notification
	state atomic.Int32
	done  chan struct{}

	// ctx bounds every Send; closing the handle cancels an in-flight send
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	cause     error
}

// New creates an Active handle. Call Start to begin delivery.
func New(id models.SubscriberID, sender Sender, opts Options) *Handle {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		id:     id,
		sender: sender,
		opts:   opts,
		queue:  make(chan models.Notification, opts.QueueDepth),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the subscriber id this handle delivers to
func (h *Handle) ID() models.SubscriberID {
	return h.id
}

// State returns the current state
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed when the handle becomes Closed
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns what closed the handle, nil while Active or after an explicit
// Close.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.cause
	default:
		return nil
	}
}

// Pending returns the number of queued notifications
func (h *Handle) Pending() int {
	return len(h.queue)
}

// Start launches the delivery goroutine. Calling it more than once is a no-op.
func (h *Handle) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.run()
	})
}

// Enqueue queues n without blocking
func (h *Handle) Enqueue(n models.Notification) error {
	if h.State() == Closed {
		return ErrClosed
	}
	select {
	case h.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close moves the handle to Closed. Safe to call many times and from any
// goroutine.
func (h *Handle) Close() {
	h.closeWith(nil)
}

// Wait blocks until the delivery goroutine has exited
func (h *Handle) Wait() {
	h.wg.Wait()
}

func (h *Handle) closeWith(cause error) {
	h.closeOnce.Do(func() {
		h.cause = cause
		h.state.Store(int32(Closed))
		h.cancel()
		close(h.done)
		if h.opts.OnClose != nil {
			h.opts.OnClose(h.id, cause)
		}
	})
}

func (h *Handle) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.done:
			return
		case n := <-h.queue:
			if h.State() == Closed {
				return
			}
			if err := h.deliver(n); err != nil {
				if h.State() == Closed {
					// cancelled by Close, not a delivery failure
					return
				}
				h.closeWith(fmt.Errorf("deliver seq %d to %s: %w", n.Seq, h.id, err))
				return
			}
		}
	}
}

func (h *Handle) deliver(n models.Notification) error {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	err := h.sender.Send(ctx, n)
	if err != nil && h.State() == Closed {
		return err
	}
	if h.opts.OnDelivered != nil {
		h.opts.OnDelivered(h.id, n, time.Since(start), err)
	}
	return err
}
