package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on Redis pattern pub/sub.
//
// Topic wildcards are widened to Redis glob patterns for the server-side
// subscription and re-checked with MatchTopic before dispatch, because Redis
// "*" matches across "/" boundaries. User properties travel inside a JSON
// wrapper since Redis messages carry no headers.
type RedisBroker struct {
	client      *redis.Client
	maxAttempts int
	baseDelay   time.Duration

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// RedisOptions configures a RedisBroker.
type RedisOptions struct {
	URL               string
	PublishAttempts   int           // retry budget for Publish, default 5
	PublishBaseDelay  time.Duration // first backoff delay, default 100ms
	SubscribeBuffSize int           // per-subscription channel depth, default 256
}

type redisWire struct {
	Payload        []byte            `json:"payload"`
	UserProperties map[string]string `json:"userProperties,omitempty"`
}

// NewRedisBroker connects to Redis and returns a broker.
func NewRedisBroker(ctx context.Context, opts RedisOptions) (*RedisBroker, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	attempts := opts.PublishAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := opts.PublishBaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	return &RedisBroker{
		client:      client,
		maxAttempts: attempts,
		baseDelay:   delay,
	}, nil
}

// Subscribe implements Broker.
func (b *RedisBroker) Subscribe(pattern string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &TransportError{Op: "subscribe", Err: fmt.Errorf("broker closed")}
	}

	pubsub := b.client.PSubscribe(context.Background(), toRedisPattern(pattern))
	b.subs = append(b.subs, pubsub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range pubsub.Channel() {
			if !MatchTopic(pattern, msg.Channel) {
				continue
			}
			var wire redisWire
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				slog.Warn("Dropping malformed broker message", "topic", msg.Channel, "error", err)
				continue
			}
			topic := msg.Channel
			payload := wire.Payload
			props := wire.UserProperties
			handler(NewMessage(topic, payload, props, nil, func() {
				// Nack: republish after a short delay for redelivery.
				time.AfterFunc(b.baseDelay, func() {
					if err := b.Publish(context.Background(), topic, payload, props); err != nil {
						slog.Error("Failed to redeliver nacked message", "topic", topic, "error", err)
					}
				})
			}))
		}
	}()

	return nil
}

// Publish implements Broker. Failed publishes are retried with exponential
// backoff until the attempt budget is exhausted.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte, userProperties map[string]string) error {
	data, err := json.Marshal(redisWire{Payload: payload, UserProperties: userProperties})
	if err != nil {
		return fmt.Errorf("failed to marshal wire payload: %w", err)
	}

	delay := b.baseDelay
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		lastErr = b.client.Publish(ctx, topic, data).Err()
		if lastErr == nil {
			return nil
		}
		if attempt < b.maxAttempts {
			slog.Warn("Broker publish failed, retrying",
				"topic", topic,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &TransportError{Op: "publish", Err: ctx.Err()}
			}
			delay *= 2
		}
	}
	return &TransportError{Op: "publish", Err: lastErr}
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
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
		_ = sub.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}

// toRedisPattern widens a topic pattern to a Redis glob. The result may
// over-match; MatchTopic filters precisely on receipt.
func toRedisPattern(pattern string) string {
	p := strings.ReplaceAll(pattern, ">", "*")
	return p
}
