// Package broker provides the pub/sub adapter the mesh runs on: topic-routed
// publish, wildcard subscriptions and per-message settlement.
//
// Delivery is at-least-once (QoS 1). Handlers must be idempotent; duplicate
// suppression is the responsibility of the layer above (destructive claims on
// correlation ids).
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler processes one delivered message. The handler owns settlement: it
// must call exactly one of msg.Ack or msg.Nack.
type Handler func(msg *Message)

// Broker is the transport the mesh publishes and subscribes through.
type Broker interface {
	// Subscribe registers a handler for topics matching pattern. Patterns
	// use "*" for exactly one level and ">" for the remainder of the topic.
	Subscribe(pattern string, handler Handler) error

	// Publish sends a payload to a topic, fire-and-forget at QoS 1.
	Publish(ctx context.Context, topic string, payload []byte, userProperties map[string]string) error

	// Close tears down all subscriptions and the connection.
	Close() error
}

// Message is one delivered broker message with its settlement handle.
type Message struct {
	Topic          string
	Payload        []byte
	UserProperties map[string]string

	settleOnce sync.Once
	ack        func()
	nack       func()
}

// NewMessage builds a message with the given settlement callbacks. Either
// callback may be nil for transports without explicit settlement.
func NewMessage(topic string, payload []byte, props map[string]string, ack, nack func()) *Message {
	return &Message{
		Topic:          topic,
		Payload:        payload,
		UserProperties: props,
		ack:            ack,
		nack:           nack,
	}
}

// Ack settles the message positively. Safe to call at most once; later calls
// to Ack or Nack are ignored.
func (m *Message) Ack() {
	m.settleOnce.Do(func() {
		if m.ack != nil {
			m.ack()
		}
	})
}

// Nack settles the message negatively, requesting redelivery.
func (m *Message) Nack() {
	m.settleOnce.Do(func() {
		if m.nack != nil {
			m.nack()
		}
	})
}

// Property returns a user property value, or "".
func (m *Message) Property(key string) string {
	if m.UserProperties == nil {
		return ""
	}
	return m.UserProperties[key]
}

// TransportError reports a broker operation that failed after the configured
// retry budget was exhausted.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MatchTopic reports whether a concrete topic matches a subscription pattern.
// "*" matches exactly one level, ">" matches one or more trailing levels.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == ">" {
			// ">" must be the last pattern segment and match at least one level.
			return i == len(pp)-1 && len(tp) > i
		}
		if i >= len(tp) {
			return false
		}
		if seg != "*" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
