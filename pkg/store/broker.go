package store

import (
	"sync"

	"github.com/substrateops/foreman/pkg/types"
)

// Subscriber is a channel that receives change events
type Subscriber chan types.Change

// Broker distributes change events to subscribers. A single dispatch
// goroutine preserves mutation order for every subscriber; slow subscribers
// with full buffers are skipped rather than blocking commits.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan types.Change
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewBroker creates a new change broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan types.Change, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop stops the broker and waits for the loop to drain
func (b *Broker) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues a change for distribution
func (b *Broker) Publish(change types.Change) {
	select {
	case b.eventCh <- change:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case change := <-b.eventCh:
			b.broadcast(change)
		case <-b.stopCh:
			// Drain anything already queued before exiting.
			for {
				select {
				case change := <-b.eventCh:
					b.broadcast(change)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) broadcast(change types.Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- change:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
