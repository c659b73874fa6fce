package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/substrateops/foreman/pkg/types"
)

// collect subscribes a handler that appends delivered messages.
func collect(b *Bus, topic, workerID string) (*[]*types.Message, *sync.Mutex) {
	var (
		mu   sync.Mutex
		msgs []*types.Message
	)
	b.Subscribe(topic, func(msg *types.Message) error {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
		return nil
	}, workerID)
	return &msgs, &mu
}

func TestPriorityDeliveryOrder(t *testing.T) {
	b := New(Config{})
	msgs, mu := collect(b, "job", "")

	for _, p := range []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityCritical} {
		_, err := b.Publish("job", string(p), PublishOptions{Priority: p})
		require.NoError(t, err)
	}
	b.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *msgs, 3)
	require.Equal(t, "critical", (*msgs)[0].Payload)
	require.Equal(t, "normal", (*msgs)[1].Payload)
	require.Equal(t, "low", (*msgs)[2].Payload)
}

func TestFIFOWithinPriority(t *testing.T) {
	b := New(Config{})
	msgs, mu := collect(b, "job", "")

	for _, payload := range []string{"a", "b", "c"} {
		_, err := b.Publish("job", payload, PublishOptions{})
		require.NoError(t, err)
	}
	b.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "a", (*msgs)[0].Payload)
	require.Equal(t, "b", (*msgs)[1].Payload)
	require.Equal(t, "c", (*msgs)[2].Payload)
}

func TestQueueFullBackpressure(t *testing.T) {
	b := New(Config{MaxQueueSize: 8})

	accepted := 0
	var lastErr error
	for i := 0; i < 10; i++ {
		if _, err := b.Publish("job", i, PublishOptions{}); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}
	require.Equal(t, 8, accepted)
	require.ErrorIs(t, lastErr, types.ErrQueueFull)

	m := b.Metrics()
	require.Equal(t, int64(8), m.Published)
	require.Equal(t, 8, m.QueueDepth["normal"])
}

func TestWildcardSubscriber(t *testing.T) {
	b := New(Config{})
	msgs, mu := collect(b, "*", "")

	_, err := b.Publish("alpha", nil, PublishOptions{})
	require.NoError(t, err)
	_, err = b.Publish("beta", nil, PublishOptions{})
	require.NoError(t, err)
	b.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *msgs, 2)
}

func TestDirectedDelivery(t *testing.T) {
	b := New(Config{})
	w1, mu1 := collect(b, "job", "w1")
	w2, mu2 := collect(b, "job", "w2")

	_, err := b.Publish("job", "for-w1", PublishOptions{Recipient: "w1"})
	require.NoError(t, err)
	b.Flush(context.Background())

	mu1.Lock()
	require.Len(t, *w1, 1)
	mu1.Unlock()
	mu2.Lock()
	require.Empty(t, *w2)
	mu2.Unlock()
}

func TestUnsubscribe(t *testing.T) {
	b := New(Config{})
	count := 0
	unsub := b.Subscribe("job", func(*types.Message) error {
		count++
		return nil
	}, "")

	_, err := b.Publish("job", nil, PublishOptions{})
	require.NoError(t, err)
	b.Flush(context.Background())
	require.Equal(t, 1, count)

	unsub()
	_, err = b.Publish("job", nil, PublishOptions{})
	require.NoError(t, err)
	b.Flush(context.Background())
	require.Equal(t, 1, count)
}

func TestExpiredMessageDropped(t *testing.T) {
	now := int64(10_000)
	b := New(Config{})
	b.clock = func() int64 { return now }

	var events []Event
	b.cfg.OnEvent = func(ev Event) { events = append(events, ev) }

	msgs, mu := collect(b, "job", "")
	_, err := b.Publish("job", nil, PublishOptions{TTL: 100 * time.Millisecond})
	require.NoError(t, err)

	now += 200
	b.Flush(context.Background())

	mu.Lock()
	require.Empty(t, *msgs)
	mu.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, EventMessageExpired, events[0].Kind)
	require.Equal(t, int64(1), b.Metrics().Expired)
}

func TestHandlerPanicContained(t *testing.T) {
	b := New(Config{})
	var events []Event
	b.cfg.OnEvent = func(ev Event) { events = append(events, ev) }

	b.Subscribe("job", func(*types.Message) error { panic("bad subscriber") }, "")
	ok, mu := collect(b, "job", "")

	_, err := b.Publish("job", nil, PublishOptions{})
	require.NoError(t, err)
	b.Flush(context.Background())

	// The panicking subscriber reports a delivery error; the healthy one
	// still gets the message.
	require.Len(t, events, 1)
	require.Equal(t, EventDeliveryError, events[0].Kind)
	mu.Lock()
	require.Len(t, *ok, 1)
	mu.Unlock()
}

func TestHandlerErrorEmitsEvent(t *testing.T) {
	b := New(Config{})
	var events []Event
	b.cfg.OnEvent = func(ev Event) { events = append(events, ev) }

	b.Subscribe("job", func(*types.Message) error { return errors.New("no thanks") }, "")
	_, err := b.Publish("job", nil, PublishOptions{})
	require.NoError(t, err)
	b.Flush(context.Background())

	require.Len(t, events, 1)
	require.Equal(t, EventDeliveryError, events[0].Kind)
}

func TestAtLeastOnceRetriesWithoutAck(t *testing.T) {
	b := New(Config{AckTimeout: 40 * time.Millisecond, MaxRetries: 5})
	delivered := 0
	b.Subscribe("job", func(*types.Message) error {
		delivered++
		return nil
	}, "")

	_, err := b.Publish("job", nil, PublishOptions{Guarantee: types.AtLeastOnce})
	require.NoError(t, err)
	b.Flush(context.Background())
	require.Equal(t, 1, delivered)

	// No ack: the pending record expires and the message re-enqueues.
	require.Eventually(t, func() bool {
		b.Flush(context.Background())
		return delivered >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAtLeastOnceAckStopsRetry(t *testing.T) {
	b := New(Config{AckTimeout: 40 * time.Millisecond})
	delivered := 0
	b.Subscribe("job", func(msg *types.Message) error {
		delivered++
		b.Ack(msg.ID)
		return nil
	}, "")

	_, err := b.Publish("job", nil, PublishOptions{Guarantee: types.AtLeastOnce})
	require.NoError(t, err)
	b.Flush(context.Background())
	require.Equal(t, 1, delivered)

	time.Sleep(200 * time.Millisecond)
	b.Flush(context.Background())
	require.Equal(t, 1, delivered)
	require.Zero(t, b.Metrics().PendingAcks)
}

func TestExactlyOnceDedupe(t *testing.T) {
	b := New(Config{AckTimeout: 40 * time.Millisecond, MaxRetries: 3})
	delivered := 0
	b.Subscribe("job", func(*types.Message) error {
		// Deliberately no ack: the redelivery path must hit the dedupe set.
		delivered++
		return nil
	}, "")

	msg, err := b.Publish("job", nil, PublishOptions{Guarantee: types.ExactlyOnce})
	require.NoError(t, err)
	b.Flush(context.Background())
	require.Equal(t, 1, delivered)

	// Wait for the ack window to lapse and the retry to re-enqueue, then
	// process it: the duplicate id is recognized and dropped.
	require.Eventually(t, func() bool {
		b.Flush(context.Background())
		return b.Metrics().QueueDepth["normal"] == 0 && b.Metrics().PendingAcks == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, delivered)
	require.True(t, b.dedupe.Contains(msg.ID))
}

func TestRetriesExhaustedEmitsFailed(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []Event
	)
	b := New(Config{
		AckTimeout: 30 * time.Millisecond,
		MaxRetries: 2,
		OnEvent: func(ev Event) {
			if ev.Kind == EventMessageFailed {
				mu.Lock()
				failed = append(failed, ev)
				mu.Unlock()
			}
		},
	})
	// No subscriber ever acks.
	b.Subscribe("job", func(*types.Message) error { return nil }, "")

	_, err := b.Publish("job", nil, PublishOptions{Guarantee: types.AtLeastOnce})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b.Flush(context.Background())
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), b.Metrics().Failed)
}

func TestPublishValidation(t *testing.T) {
	b := New(Config{})
	_, err := b.Publish("", nil, PublishOptions{})
	require.Error(t, err)
	_, err = b.Publish("job", nil, PublishOptions{Priority: types.Priority("bogus")})
	require.Error(t, err)
}

func TestDedupeWindowFlush(t *testing.T) {
	b := New(Config{DedupeLimit: 3})
	for i := 0; i < 3; i++ {
		b.rememberProcessed(string(rune('a' + i)))
	}
	require.Equal(t, 3, b.dedupe.Cardinality())
	b.rememberProcessed("overflow")
	require.Zero(t, b.dedupe.Cardinality())
}
