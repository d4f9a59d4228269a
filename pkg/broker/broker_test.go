package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"exact", "ns/a2a/v1/agent/request/math", "ns/a2a/v1/agent/request/math", true},
		{"exact mismatch", "ns/a2a/v1/agent/request/math", "ns/a2a/v1/agent/request/research", false},
		{"star one level", "ns/a2a/v1/agent/request/*", "ns/a2a/v1/agent/request/math", true},
		{"star not two levels", "ns/a2a/v1/agent/request/*", "ns/a2a/v1/agent/request/math/extra", false},
		{"gt trailing", "ns/a2a/v1/agent/response/math/>", "ns/a2a/v1/agent/response/math/sub-1", true},
		{"gt multiple levels", "ns/a2a/v1/agent/response/math/>", "ns/a2a/v1/agent/response/math/a/b", true},
		{"gt requires a level", "ns/a2a/v1/agent/response/math/>", "ns/a2a/v1/agent/response/math", false},
		{"pattern longer than topic", "a/b/c", "a/b", false},
		{"topic longer than pattern", "a/b", "a/b/c", false},
		{"star mid pattern", "a/*/c", "a/b/c", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestMemoryBrokerDelivers(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	received := make(chan *Message, 1)
	require.NoError(t, b.Subscribe("ns/agent/request/math", func(msg *Message) {
		msg.Ack()
		received <- msg
	}))

	err := b.Publish(context.Background(), "ns/agent/request/math", []byte("hello"), map[string]string{"replyTo": "ns/reply"})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg.Payload))
		assert.Equal(t, "ns/reply", msg.Property("replyTo"))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBrokerPreservesOrderPerTopic(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, b.Subscribe("t/>", func(msg *Message) {
		msg.Ack()
		mu.Lock()
		got = append(got, string(msg.Payload))
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "t/x", []byte{byte('0' + i)}, nil))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, got)
}

func TestMemoryBrokerNackRedelivers(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	var deliveries atomic.Int32
	done := make(chan struct{})
	require.NoError(t, b.Subscribe("t/x", func(msg *Message) {
		if deliveries.Add(1) == 1 {
			msg.Nack()
			return
		}
		msg.Ack()
		close(done)
	}))

	require.NoError(t, b.Publish(context.Background(), "t/x", []byte("again"), nil))

	select {
	case <-done:
		assert.Equal(t, int32(2), deliveries.Load())
	case <-time.After(time.Second):
		t.Fatal("nacked message was not redelivered")
	}
}

func TestMessageSettlesExactlyOnce(t *testing.T) {
	var acks, nacks atomic.Int32
	msg := NewMessage("t", nil, nil,
		func() { acks.Add(1) },
		func() { nacks.Add(1) })

	msg.Ack()
	msg.Ack()
	msg.Nack()

	assert.Equal(t, int32(1), acks.Load())
	assert.Equal(t, int32(0), nacks.Load())
}

func TestMemoryBrokerClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "t/x", nil, nil)
	require.Error(t, err)
	var terr *TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	var count atomic.Int32
	done := make(chan struct{}, 2)
	handler := func(msg *Message) {
		msg.Ack()
		count.Add(1)
		done <- struct{}{}
	}
	require.NoError(t, b.Subscribe("t/*", handler))
	require.NoError(t, b.Subscribe("t/>", handler))

	require.NoError(t, b.Publish(context.Background(), "t/x", []byte("fan"), nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("expected both subscriptions to receive the message")
		}
	}
	assert.Equal(t, int32(2), count.Load())
}
