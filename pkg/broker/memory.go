package broker

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process Broker used for tests and single-process
// deployments. Each subscription has its own ordered delivery queue, so
// messages published to one topic are handled in publish order per
// subscription, matching the per-topic ordering guarantee of the real broker.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   []*memorySubscription
	closed bool
	wg     sync.WaitGroup
}

type memorySubscription struct {
	pattern string
	handler Handler
	queue   chan *Message
}

const memoryQueueDepth = 256

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(pattern string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &TransportError{Op: "subscribe", Err: fmt.Errorf("broker closed")}
	}

	sub := &memorySubscription{
		pattern: pattern,
		handler: handler,
		queue:   make(chan *Message, memoryQueueDepth),
	}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range sub.queue {
			sub.handler(msg)
		}
	}()

	return nil
}

// Publish implements Broker. Delivery to each matching subscription is
// asynchronous but ordered within the subscription.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte, userProperties map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &TransportError{Op: "publish", Err: fmt.Errorf("broker closed")}
	}

	// Copy so a retained message is isolated from caller mutation.
	data := make([]byte, len(payload))
	copy(data, payload)
	props := make(map[string]string, len(userProperties))
	for k, v := range userProperties {
		props[k] = v
	}

	for _, sub := range b.subs {
		if !MatchTopic(sub.pattern, topic) {
			continue
		}
		msg := NewMessage(topic, data, props, nil, func() {
			// Nack redelivers to the same subscription.
			b.redeliver(sub, topic, data, props)
		})
		select {
		case sub.queue <- msg:
		default:
			// Queue full: drop for this subscriber. QoS 1 allows the peer
			// to recover via its own timeout path.
		}
	}
	return nil
}

func (b *MemoryBroker) redeliver(sub *memorySubscription, topic string, payload []byte, props map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	msg := NewMessage(topic, payload, props, nil, func() {
		b.redeliver(sub, topic, payload, props)
	})
	select {
	case sub.queue <- msg:
	default:
	}
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	b.wg.Wait()
	return nil
}
