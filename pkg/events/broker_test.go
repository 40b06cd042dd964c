package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerBroadcastReachesSubscribers(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "thread:1")
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, "thread:1")
	require.NoError(t, err)
	defer sub2.Close()
	other, err := b.Subscribe(ctx, "thread:2")
	require.NoError(t, err)
	defer other.Close()

	b.Broadcast("thread:1", []byte(`{"type":"token"}`))

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case payload := <-sub.C:
			assert.JSONEq(t, `{"type":"token"}`, string(payload))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}

	select {
	case <-other.C:
		t.Fatal("subscriber on unrelated channel received broadcast")
	default:
	}
}

func TestBrokerCloseDetachesSubscriber(t *testing.T) {
	b := NewBroker()
	sub, err := b.Subscribe(context.Background(), "thread:1")
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	// Channel is closed after Close.
	_, ok := <-sub.C
	assert.False(t, ok)

	// Broadcast after close must not panic.
	b.Broadcast("thread:1", []byte(`{}`))
}

func TestBrokerSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroker()
	sub, err := b.Subscribe(context.Background(), "thread:1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Broadcast("thread:1", []byte{byte(i)})
	}

	// Buffer is full but delivery never blocked; the newest payloads won.
	assert.Len(t, sub.c, subscriberBuffer)
}
