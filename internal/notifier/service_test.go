package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kal997/block-notification-server/internal/endpoint"
	"github.com/kal997/block-notification-server/internal/logger"
	"github.com/kal997/block-notification-server/internal/models"
)

// fakeConn stands in for a subscriber connection
type fakeConn struct {
	mu       sync.Mutex
	got      []models.Notification
	attempts atomic.Int32
	broken   atomic.Bool
}

func (c *fakeConn) Send(_ context.Context, n models.Notification) error {
	c.attempts.Add(1)
	if c.broken.Load() {
		return errors.New("use of closed network connection")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *fakeConn) received() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Notification, len(c.got))
	copy(out, c.got)
	return out
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	svc, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

// settle waits until every endpoint queue is drained
func settle(t *testing.T, handles ...*endpoint.Handle) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, h := range handles {
			if h.Pending() > 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
	// allow the in-flight send to finish
	time.Sleep(10 * time.Millisecond)
}

func TestNew_InvalidShardCount(t *testing.T) {
	svc, err := New(Options{ShardCount: 3, Logger: logger.Discard()})
	assert.Error(t, err)
	assert.Nil(t, svc)
	assert.Contains(t, err.Error(), "failed to create registry")
}

func TestService_Connect(t *testing.T) {
	svc := newTestService(t, Options{})

	a := svc.Connect(&fakeConn{})
	b := svc.Connect(&fakeConn{})

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, endpoint.Active, a.State())
	assert.Equal(t, 2, svc.Stats().Endpoints)
}

// A subscriber only hears the ops it asked for
func TestService_SubscribeMatchesOperation(t *testing.T) {
	svc := newTestService(t, Options{})
	conn := &fakeConn{}
	a := svc.Connect(conn)

	svc.Subscribe(a.ID(), 7, []string{"write"})
	svc.Publish(7, "write", []byte("data"))
	svc.Publish(7, "read", nil)
	settle(t, a)

	got := conn.received()
	require.Len(t, got, 1)
	assert.Equal(t, models.BlockID(7), got[0].BlockID)
	assert.Equal(t, models.Operation("write"), got[0].Op)
	assert.Equal(t, []byte("data"), got[0].Payload)
}

// Unsubscribing one op keeps the rest of the subscription
func TestService_PartialUnsubscribe(t *testing.T) {
	svc := newTestService(t, Options{})
	conn := &fakeConn{}
	a := svc.Connect(conn)

	svc.Subscribe(a.ID(), 7, []string{"read", "write"})
	svc.Unsubscribe(a.ID(), 7, []string{"write"})
	svc.Publish(7, "write", nil)
	svc.Publish(7, "read", nil)
	settle(t, a)

	got := conn.received()
	require.Len(t, got, 1)
	assert.Equal(t, models.Operation("read"), got[0].Op)
}

// Subscribers on the same block each get their own copy
func TestService_IndependentSubscribers(t *testing.T) {
	svc := newTestService(t, Options{})
	connA, connB := &fakeConn{}, &fakeConn{}
	a := svc.Connect(connA)
	b := svc.Connect(connB)

	svc.Subscribe(a.ID(), 3, []string{"evict"})
	svc.Subscribe(b.ID(), 3, []string{"evict"})
	svc.Publish(3, "evict", nil)
	settle(t, a, b)

	assert.Len(t, connA.received(), 1)
	assert.Len(t, connB.received(), 1)
}

// A failed delivery closes the endpoint and drops its subscriptions
func TestService_ClosedConnectionIsPurged(t *testing.T) {
	svc := newTestService(t, Options{})
	conn := &fakeConn{}
	a := svc.Connect(conn)

	svc.Subscribe(a.ID(), 5, []string{"read"})
	conn.broken.Store(true)

	svc.Publish(5, "read", nil)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("endpoint was not closed after failed delivery")
	}

	require.Eventually(t, func() bool {
		return len(svc.Subscriptions(a.ID())) == 0
	}, time.Second, time.Millisecond)
	assert.Empty(t, conn.received())
	assert.Equal(t, 0, svc.Stats().Endpoints)
	assert.Equal(t, 0, svc.Stats().Registry.Subscriptions)
}

func TestService_NoDeliveryAfterDisconnect(t *testing.T) {
	svc := newTestService(t, Options{})
	conn := &fakeConn{}
	a := svc.Connect(conn)

	for block := models.BlockID(0); block < 10; block++ {
		svc.Subscribe(a.ID(), block, []string{"read"})
	}
	svc.Disconnect(a.ID())

	for block := models.BlockID(0); block < 10; block++ {
		svc.Publish(block, "read", nil)
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), conn.attempts.Load())
	assert.Empty(t, svc.Subscriptions(a.ID()))
	assert.Equal(t, endpoint.Closed, a.State())

	// Subscribing after close leaves nothing registered
	svc.Subscribe(a.ID(), 1, []string{"read"})
	assert.Empty(t, svc.Subscriptions(a.ID()))
}

func TestService_SubscribeUnknownSubscriber(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.Subscribe("nobody", 1, []string{"read"})
	assert.Empty(t, svc.Subscriptions("nobody"))

	// Disconnect of an unknown subscriber is harmless
	assert.NotPanics(t, func() { svc.Disconnect("nobody") })
}

func TestService_EmptyOps(t *testing.T) {
	svc := newTestService(t, Options{})
	a := svc.Connect(&fakeConn{})

	svc.Subscribe(a.ID(), 1, nil)
	svc.Subscribe(a.ID(), 1, []string{""})
	assert.Empty(t, svc.Subscriptions(a.ID()))

	svc.Subscribe(a.ID(), 1, []string{"read"})
	svc.Unsubscribe(a.ID(), 1, []string{})
	assert.Equal(t, []string{"read"}, svc.Subscriptions(a.ID())[1].Sorted())
}

func TestService_IsolationFromFailingSubscriber(t *testing.T) {
	svc := newTestService(t, Options{})

	bad := &fakeConn{}
	bad.broken.Store(true)
	good := &fakeConn{}

	b := svc.Connect(bad)
	g := svc.Connect(good)
	svc.Subscribe(b.ID(), 9, []string{"write"})
	svc.Subscribe(g.ID(), 9, []string{"write"})

	svc.Publish(9, "write", nil)
	settle(t, g)

	assert.Len(t, good.received(), 1)
	<-b.Done()
}

func TestService_PerBlockOrdering(t *testing.T) {
	svc := newTestService(t, Options{QueueDepth: 4096})
	conn := &fakeConn{}
	a := svc.Connect(conn)

	const blocks = 4
	const perWorker = 200
	for block := models.BlockID(0); block < blocks; block++ {
		svc.Subscribe(a.ID(), block, []string{"write"})
	}

	// Concurrent publishers on the same blocks
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				svc.Publish(models.BlockID(i%blocks), "write", nil)
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(conn.received()) == 4*perWorker
	}, 5*time.Second, 5*time.Millisecond)

	last := make(map[models.BlockID]uint64)
	for _, n := range conn.received() {
		assert.Greater(t, n.Seq, last[n.BlockID], "block %d delivered out of order", n.BlockID)
		last[n.BlockID] = n.Seq
	}
}

func TestService_SequenceNumbers(t *testing.T) {
	svc := newTestService(t, Options{})

	first := svc.Publish(1, "read", nil)
	second := svc.Publish(2, "write", nil)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint64(2), svc.Stats().LastSeq)

	// No subscribers is not an error
	n := svc.Publish(404, "evict", nil)
	assert.Equal(t, models.BlockID(404), n.BlockID)
}

func TestService_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	svc := newTestService(t, Options{QueueDepth: 2, SendTimeout: time.Minute})

	release := make(chan struct{})
	defer close(release)
	slow := endpoint.SenderFunc(func(ctx context.Context, _ models.Notification) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	fast := &fakeConn{}

	s := svc.Connect(slow)
	f := svc.Connect(fast)
	svc.Subscribe(s.ID(), 1, []string{"write"})
	svc.Subscribe(f.ID(), 1, []string{"write"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			svc.Publish(1, "write", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.Eventually(t, func() bool { return len(fast.received()) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, endpoint.Active, s.State(), "overflow must not close the slow endpoint")
}

func TestService_ConcurrentChurnAndPublish(t *testing.T) {
	svc := newTestService(t, Options{ShardCount: 8})

	handles := make([]*endpoint.Handle, 8)
	for i := range handles {
		handles[i] = svc.Connect(&fakeConn{})
	}

	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *endpoint.Handle) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				block := models.BlockID(j % 32)
				svc.Subscribe(h.ID(), block, []string{"read", fmt.Sprintf("op-%d", i)})
				svc.Publish(block, "read", nil)
				svc.Unsubscribe(h.ID(), block, []string{"read"})
			}
		}(i, h)
	}
	wg.Wait()

	for i, h := range handles {
		for _, ops := range svc.Subscriptions(h.ID()) {
			assert.Equal(t, []string{fmt.Sprintf("op-%d", i)}, ops.Sorted())
		}
	}

	// Disconnecting half while publishing must not leave stale entries
	for _, h := range handles[:4] {
		wg.Add(1)
		go func(h *endpoint.Handle) {
			defer wg.Done()
			svc.Disconnect(h.ID())
		}(h)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				svc.Publish(models.BlockID(j%32), "op-0", nil)
			}
		}()
	}
	wg.Wait()

	for _, h := range handles[:4] {
		assert.Empty(t, svc.Subscriptions(h.ID()))
	}
	assert.Equal(t, 4, svc.Stats().Endpoints)
}

func TestService_MultipleInstancesAreIndependent(t *testing.T) {
	one := newTestService(t, Options{})
	two := newTestService(t, Options{})

	conn := &fakeConn{}
	a := one.Connect(conn)
	one.Subscribe(a.ID(), 1, []string{"read"})

	two.Publish(1, "read", nil)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, conn.received())
	assert.Equal(t, 0, two.Stats().Registry.Subscriptions)
}

func TestService_TracePublish(t *testing.T) {
	tests := []struct {
		name  string
		trace bool
		want  int
	}{
		{name: "enabled", trace: true, want: 2},
		{name: "disabled", trace: false, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			log.SetLevel(logrus.DebugLevel)

			svc, err := New(Options{Logger: log, TracePublish: tt.trace})
			require.NoError(t, err)
			defer svc.Close()

			svc.Publish(1, "write", nil)
			svc.Publish(2, "delete", nil)

			published := 0
			for _, entry := range hook.AllEntries() {
				if entry.Message == "event published" {
					published++
				}
			}
			assert.Equal(t, tt.want, published)
		})
	}
}

func TestService_Close(t *testing.T) {
	svc, err := New(Options{Logger: logger.Discard()})
	require.NoError(t, err)

	a := svc.Connect(&fakeConn{})
	svc.Subscribe(a.ID(), 1, []string{"read"})
	svc.Close()

	assert.Equal(t, endpoint.Closed, a.State())
	assert.Equal(t, Stats{LastSeq: 0}, svc.Stats())
}
