package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/metrics"
	"github.com/substrateops/foreman/pkg/types"
)

// Defaults for unset Config fields.
const (
	DefaultProcessingInterval = 10 * time.Millisecond
	DefaultBatchLimit         = 100
	DefaultMaxQueueSize       = 10000
	DefaultMaxRetries         = 3
	DefaultAckTimeout         = 5 * time.Second
	DefaultDedupeLimit        = 10000
)

// Handler consumes a delivered message. A returned error counts as a failed
// delivery: it is emitted as a delivery-error event and, for tracked
// guarantees, leaves the pending ack in place so the message retries.
type Handler func(msg *types.Message) error

// EventKind labels bus lifecycle events
type EventKind string

const (
	EventMessageFailed  EventKind = "message-failed"
	EventMessageExpired EventKind = "message-expired"
	EventDeliveryError  EventKind = "delivery-error"
)

// Event reports a message that failed, expired, or errored during delivery.
type Event struct {
	Kind    EventKind
	Message *types.Message
	Err     error
}

// Config holds message bus configuration
type Config struct {
	ProcessingInterval time.Duration
	BatchLimit         int
	MaxQueueSize       int
	MaxRetries         int
	AckTimeout         time.Duration
	DedupeLimit        int

	// OnEvent observes failed, expired, and errored deliveries. Optional.
	OnEvent func(Event)
}

func (c *Config) applyDefaults() {
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = DefaultProcessingInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DedupeLimit <= 0 {
		c.DedupeLimit = DefaultDedupeLimit
	}
}

// PublishOptions tune a single publish. Zero values mean normal priority,
// broadcast, at-most-once, no TTL.
type PublishOptions struct {
	Priority   types.Priority
	Sender     string
	Recipient  string
	Guarantee  types.DeliveryGuarantee
	TTL        time.Duration
	MaxRetries int
}

type subscription struct {
	id       uint64
	topic    string
	workerID string
	fn       Handler
}

// pendingAck tracks one at-least-once delivery awaiting acknowledgement.
// Entries live in a TTL cache; eviction by timeout triggers the retry path,
// eviction after Ack does not.
type pendingAck struct {
	msg   *types.Message
	acked atomic.Bool
}

// Bus is the priority-tiered message bus. Four FIFO subqueues are drained in
// priority order by a single processing loop that invokes subscriber
// callbacks synchronously.
type Bus struct {
	cfg Config

	mu      sync.Mutex
	queues  [4][]*types.Message
	subs    map[string][]*subscription
	budgets map[string]int
	nextID  uint64

	pending *gocache.Cache
	dedupe  mapset.Set[string]

	published atomic.Int64
	delivered atomic.Int64
	expired   atomic.Int64
	failed    atomic.Int64

	clock func() int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a message bus.
func New(cfg Config) *Bus {
	cfg.applyDefaults()
	b := &Bus{
		cfg:     cfg,
		subs:    make(map[string][]*subscription),
		budgets: make(map[string]int),
		dedupe:  mapset.NewSet[string](),
		clock:   types.NowMS,
		stopCh:  make(chan struct{}),
	}
	b.pending = gocache.New(cfg.AckTimeout, cfg.AckTimeout/2)
	b.pending.OnEvicted(b.onAckEvicted)
	return b
}

// Start launches the processing loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop halts the processing loop. Queued messages are not drained; call
// Flush first for a graceful stop.
func (b *Bus) Stop() {
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
	b.wg.Wait()
}

// Publish enqueues a message of the given type. It fails with QueueFull when
// the pending total already meets the configured limit.
func (b *Bus) Publish(msgType string, payload any, opts PublishOptions) (*types.Message, error) {
	if msgType == "" {
		return nil, types.Invalid("message type is required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return nil, types.Invalid("unknown priority %q", string(priority))
	}
	guarantee := opts.Guarantee
	if guarantee == "" {
		guarantee = types.AtMostOnce
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = b.cfg.MaxRetries
	}

	msg := &types.Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Priority:  priority,
		Sender:    opts.Sender,
		Recipient: opts.Recipient,
		Timestamp: b.clock(),
		Guarantee: guarantee,
		TTLMS:     opts.TTL.Milliseconds(),
	}
	if err := b.enqueue(msg, maxRetries); err != nil {
		return nil, err
	}
	b.published.Add(1)
	return msg, nil
}

func (b *Bus) enqueue(msg *types.Message, maxRetries int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	if total >= b.cfg.MaxQueueSize {
		return fmt.Errorf("publishing %q: %w", msg.Type, types.ErrQueueFull)
	}
	// Retry budgets ride alongside the wire envelope, keyed by message id.
	if msg.Guarantee != types.AtMostOnce {
		b.budgets[msg.ID] = maxRetries
	}
	b.queues[msg.Priority.Rank()] = append(b.queues[msg.Priority.Rank()], msg)
	return nil
}

func (b *Bus) lookupRetryBudget(msg *types.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if budget, ok := b.budgets[msg.ID]; ok {
		return budget
	}
	return b.cfg.MaxRetries
}

func (b *Bus) clearRetryBudget(msg *types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.budgets, msg.ID)
}

// Subscribe registers a callback for a message type. The topic "*" matches
// every type. workerID scopes directed delivery; pass "" for an unscoped
// subscriber. The returned function removes the subscription.
func (b *Bus) Subscribe(topic string, fn Handler, workerID string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, workerID: workerID, fn: fn}
	b.subs[topic] = append(b.subs[topic], sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Ack acknowledges a tracked delivery, clearing its pending record and
// retry budget.
func (b *Bus) Ack(messageID string) {
	if v, ok := b.pending.Get(messageID); ok {
		rec := v.(*pendingAck)
		rec.acked.Store(true)
		b.pending.Delete(messageID)
		b.clearRetryBudget(rec.msg)
	}
}

// Flush synchronously processes batches until the queues are empty or the
// context expires. Used during graceful shutdown.
func (b *Bus) Flush(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if b.processBatch() == 0 {
			return
		}
	}
}

// Metrics returns a point-in-time view of bus internals.
func (b *Bus) Metrics() *types.BusMetrics {
	b.mu.Lock()
	depth := map[string]int{}
	for i, p := range types.Priorities {
		depth[string(p)] = len(b.queues[i])
	}
	subscribers := 0
	for _, list := range b.subs {
		subscribers += len(list)
	}
	b.mu.Unlock()

	return &types.BusMetrics{
		QueueDepth:  depth,
		Subscribers: subscribers,
		PendingAcks: b.pending.ItemCount(),
		DedupeSize:  b.dedupe.Cardinality(),
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Expired:     b.expired.Load(),
		Failed:      b.failed.Load(),
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.processBatch()
		case <-b.stopCh:
			return
		}
	}
}

// processBatch drains up to the batch limit in priority order, strict FIFO
// within a priority. Returns the number of messages handled.
func (b *Bus) processBatch() int {
	handled := 0
	for handled < b.cfg.BatchLimit {
		msg, ok := b.dequeue()
		if !ok {
			break
		}
		b.deliver(msg)
		handled++
	}
	return handled
}

func (b *Bus) dequeue() (*types.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.queues {
		if len(b.queues[i]) > 0 {
			msg := b.queues[i][0]
			b.queues[i] = b.queues[i][1:]
			return msg, true
		}
	}
	return nil, false
}

func (b *Bus) deliver(msg *types.Message) {
	if msg.Expired(b.clock()) {
		b.expired.Add(1)
		b.emit(Event{Kind: EventMessageExpired, Message: msg})
		b.clearRetryBudget(msg)
		return
	}

	if msg.Guarantee == types.ExactlyOnce {
		if b.dedupe.Contains(msg.ID) {
			// Duplicate of an already-processed message: acknowledge and drop.
			b.Ack(msg.ID)
			b.clearRetryBudget(msg)
			return
		}
	}

	targets := b.selectTargets(msg)

	if msg.Guarantee != types.AtMostOnce {
		b.trackPending(msg)
	}

	deliveredAny := false
	for _, sub := range targets {
		if err := b.invoke(sub, msg); err != nil {
			b.emit(Event{Kind: EventDeliveryError, Message: msg, Err: err})
			continue
		}
		deliveredAny = true
		b.delivered.Add(1)
	}

	if deliveredAny && msg.Guarantee == types.ExactlyOnce {
		b.rememberProcessed(msg.ID)
	}
}

// selectTargets resolves recipients: a directed message goes to subscribers
// of its type registered under the recipient worker id; a broadcast goes to
// every subscriber of the type, plus wildcard subscribers.
func (b *Bus) selectTargets(msg *types.Message) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*subscription
	appendMatching := func(list []*subscription) {
		for _, sub := range list {
			if msg.Recipient != "" && sub.workerID != "" && sub.workerID != msg.Recipient {
				continue
			}
			out = append(out, sub)
		}
	}
	appendMatching(b.subs[msg.Type])
	appendMatching(b.subs["*"])
	return out
}

// invoke calls the handler, converting a panic into a delivery error so one
// bad subscriber cannot take down the processing loop.
func (b *Bus) invoke(sub *subscription, msg *types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.fn(msg)
}

func (b *Bus) trackPending(msg *types.Message) {
	b.pending.Set(msg.ID, &pendingAck{msg: msg}, gocache.DefaultExpiration)
}

// onAckEvicted fires when a pending-ack record leaves the cache: either the
// caller acknowledged (no-op) or the ack window lapsed, in which case
// the message retries until its budget runs out.
func (b *Bus) onAckEvicted(id string, v any) {
	rec, ok := v.(*pendingAck)
	if !ok || rec.acked.Load() {
		return
	}
	msg := rec.msg
	msg.Attempts++
	budget := b.lookupRetryBudget(msg)
	if msg.Attempts > budget {
		b.failed.Add(1)
		metrics.BusMessagesFailed.Inc()
		b.clearRetryBudget(msg)
		b.emit(Event{Kind: EventMessageFailed, Message: msg,
			Err: fmt.Errorf("ack timeout after %d attempts: %w", msg.Attempts, types.Precondition("retries exhausted"))})
		return
	}
	if err := b.enqueue(msg, budget); err != nil {
		b.failed.Add(1)
		metrics.BusMessagesFailed.Inc()
		b.emit(Event{Kind: EventMessageFailed, Message: msg, Err: err})
	}
}

func (b *Bus) rememberProcessed(id string) {
	b.dedupe.Add(id)
	// The dedupe window is count-bounded; flush wholesale once it grows past
	// the limit. Callers needing longer-tail deduplication must use ids wider
	// than this window.
	if b.dedupe.Cardinality() > b.cfg.DedupeLimit {
		b.dedupe.Clear()
	}
}

func (b *Bus) emit(ev Event) {
	if b.cfg.OnEvent != nil {
		b.cfg.OnEvent(ev)
		return
	}
	if ev.Err != nil {
		log.Logger.Warn().Err(ev.Err).Str("kind", string(ev.Kind)).Msg("bus event")
	}
}
