package notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kal997/block-notification-server/internal/dispatcher"
	"github.com/kal997/block-notification-server/internal/endpoint"
	"github.com/kal997/block-notification-server/internal/metrics"
	"github.com/kal997/block-notification-server/internal/models"
	"github.com/kal997/block-notification-server/internal/registry"
)

// Options configures a Service
type Options struct {
	// ShardCount is the number of registry shards, a power of two.
	// Default: registry.DefaultShardCount
	ShardCount int

	// QueueDepth bounds each endpoint's pending notifications.
	// Default: endpoint.DefaultQueueDepth
	QueueDepth int

	// SendTimeout bounds one delivery attempt.
	// Default: endpoint.DefaultSendTimeout
	SendTimeout time.Duration

	// TracePublish logs every published event at debug level
	TracePublish bool

	Logger  logrus.FieldLogger
	Metrics metrics.Recorder
}

// Stats summarises a running service
type Stats struct {
	Registry  registry.Stats `json:"registry"`
	Endpoints int            `json:"endpoints"`
	LastSeq   uint64         `json:"last_seq"`
}

// Service owns one registry and one dispatcher and implements both
// Publisher and SubscriptionManager. Instances are independent; nothing is global.
type Service struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher

	// ingest stripes mirror the registry shards; holding a block's stripe
	// while assigning seq and enqueueing keeps per-block delivery in seq order
	ingest []sync.Mutex
	seq    atomic.Uint64

	opts    Options
	log     logrus.FieldLogger
	metrics metrics.Recorder
}

var (
	_ Publisher           = (*Service)(nil)
	_ SubscriptionManager = (*Service)(nil)
)

// New creates a Service
func New(opts Options) (*Service, error) {
	reg, err := registry.New(opts.ShardCount)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	return &Service{
		registry:   reg,
		dispatcher: dispatcher.New(opts.Logger, opts.Metrics),
		ingest:     make([]sync.Mutex, reg.ShardCount()),
		opts:       opts,
		log:        opts.Logger.WithField("component", "notifier"),
		metrics:    opts.Metrics,
	}, nil
}

// Connect creates and starts an endpoint for a new subscriber. The
// subscriber id is generated here so clients cannot pick (or spoof) one.
func (s *Service) Connect(sender endpoint.Sender) *endpoint.Handle {
	id := models.SubscriberID(uuid.NewString())
	h := endpoint.New(id, sender, endpoint.Options{
		QueueDepth:  s.opts.QueueDepth,
		SendTimeout: s.opts.SendTimeout,
		OnClose:     s.endpointClosed,
		OnDelivered: s.delivered,
	})
	s.dispatcher.Attach(h)
	h.Start()

	s.log.WithField("subscriber", id).Debug("subscriber connected")
	return h
}

// Subscribe merges ops into sub's subscription on block. Calls from unknown
// or already closed subscribers leave nothing behind.
func (s *Service) Subscribe(sub models.SubscriberID, block models.BlockID, ops []string) {
	set := models.NewOpSet(ops...)
	if len(set) == 0 {
		return
	}

	h, ok := s.dispatcher.Handle(sub)
	if !ok {
		s.log.WithField("subscriber", sub).Debug("subscribe from unknown subscriber ignored")
		return
	}

	s.registry.Subscribe(block, sub, set)

	// The endpoint may have closed while we were registering; its purge
	// could have run before our entry existed.
	if h.State() == endpoint.Closed {
		s.registry.Purge(sub)
		return
	}

	s.log.WithFields(logrus.Fields{
		"subscriber": sub,
		"block_id":   block,
		"ops":        set.Sorted(),
	}).Debug("subscribed")
}

// Unsubscribe removes ops from sub's subscription on block. Missing
// subscriptions are ignored.
func (s *Service) Unsubscribe(sub models.SubscriberID, block models.BlockID, ops []string) {
	set := models.NewOpSet(ops...)
	if len(set) == 0 {
		return
	}
	s.registry.Unsubscribe(block, sub, set)

	s.log.WithFields(logrus.Fields{
		"subscriber": sub,
		"block_id":   block,
		"ops":        set.Sorted(),
	}).Debug("unsubscribed")
}

// Disconnect closes sub's endpoint; the close hook purges its subscriptions
func (s *Service) Disconnect(sub models.SubscriberID) {
	if h, ok := s.dispatcher.Handle(sub); ok {
		h.Close()
		return
	}
	s.registry.Purge(sub)
}

// Publish assigns the next sequence number, matches and dispatches. It only
// waits for the block's ingest stripe, never for delivery.
func (s *Service) Publish(block models.BlockID, op models.Operation, payload []byte) models.Notification {
	ctx := context.Background()

	stripe := &s.ingest[s.registry.ShardOf(block)]
	stripe.Lock()
	n := models.NewNotification(s.seq.Add(1), block, op, payload)
	subs := registry.Match(s.registry, n)
	accepted := s.dispatcher.Dispatch(ctx, n, subs)
	stripe.Unlock()

	s.metrics.RecordPublish(ctx, string(op), len(subs))
	if s.opts.TracePublish {
		s.log.WithFields(logrus.Fields{
			"seq":      n.Seq,
			"block_id": block,
			"op":       op,
			"matched":  len(subs),
			"accepted": accepted,
		}).Debug("event published")
	}

	return n
}

// Subscriptions returns a copy of sub's subscriptions
func (s *Service) Subscriptions(sub models.SubscriberID) map[models.BlockID]models.OpSet {
	return s.registry.Subscriptions(sub)
}

// Stats returns current counters
func (s *Service) Stats() Stats {
	return Stats{
		Registry:  s.registry.Stats(),
		Endpoints: s.dispatcher.Len(),
		LastSeq:   s.seq.Load(),
	}
}

// Close closes every endpoint, purging all subscriptions
func (s *Service) Close() {
	s.dispatcher.CloseAll()
}

func (s *Service) endpointClosed(id models.SubscriberID, cause error) {
	s.dispatcher.Detach(id)
	removed := s.registry.Purge(id)
	s.metrics.RecordPurge(context.Background(), removed)

	entry := s.log.WithFields(logrus.Fields{
		"subscriber": id,
		"purged":     removed,
	})
	if cause != nil {
		entry.WithError(cause).Warn("delivery failed, endpoint closed")
		return
	}
	entry.Debug("subscriber disconnected")
}

func (s *Service) delivered(_ models.SubscriberID, _ models.Notification, latency time.Duration, err error) {
	s.metrics.RecordDelivery(context.Background(), latency, err)
}
