package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing the oldest notifications; SSE
// clients recover via catchup, run handles via the persisted messages.
const subscriberBuffer = 256

// listenTimeout bounds how long a LISTEN command may block when
// subscribing to a new PG channel.
const listenTimeout = 10 * time.Second

// Subscription is one local consumer of a channel.
type Subscription struct {
	id      string
	channel string
	// C delivers raw notification payloads (JSON).
	C <-chan []byte

	c      chan []byte
	cancel func()
	once   sync.Once
}

// Close detaches the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Broker fans NOTIFY payloads out to local subscribers (SSE handlers and
// run handles). Each process has one Broker instance; the NotifyListener
// feeds it notifications from every pod via Broadcast.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // channel -> sub id -> sub

	// listener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[string]*Subscription)}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after the listener has started. Channels
// subscribed before the listener attached get their LISTEN issued now.
func (b *Broker) SetListener(l *NotifyListener) {
	b.listenerMu.Lock()
	b.listener = l
	b.listenerMu.Unlock()
	if l == nil {
		return
	}

	b.mu.RLock()
	channels := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		channels = append(channels, ch)
	}
	b.mu.RUnlock()

	for _, ch := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
		if err := l.Subscribe(ctx, ch); err != nil {
			slog.Warn("LISTEN failed for pre-attached channel", "channel", ch, "error", err)
		}
		cancel()
	}
}

// Subscribe attaches a consumer to a channel. The first local subscriber
// of a channel triggers a PG LISTEN; the last one leaving triggers
// UNLISTEN.
func (b *Broker) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	sub := &Subscription{
		id:      uuid.NewString(),
		channel: channel,
		c:       make(chan []byte, subscriberBuffer),
	}
	sub.C = sub.c
	sub.cancel = func() { b.unsubscribe(sub) }

	b.mu.Lock()
	first := len(b.subs[channel]) == 0
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]*Subscription)
	}
	b.subs[channel][sub.id] = sub
	b.mu.Unlock()

	if first {
		if err := b.pgListen(ctx, channel); err != nil {
			sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

// Broadcast delivers a notification payload to every local subscriber of
// the channel. Slow subscribers lose their oldest pending payload rather
// than blocking delivery.
func (b *Broker) Broadcast(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub.c <- payload:
		default:
			select {
			case <-sub.c:
			default:
			}
			select {
			case sub.c <- payload:
			default:
			}
			slog.Debug("Dropped notification for slow subscriber", "channel", channel)
		}
	}
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subs[sub.channel]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subs, sub.channel)
		}
	}
	last := b.subs[sub.channel] == nil
	// Close under the lock so Broadcast never sends on a closed channel.
	close(sub.c)
	b.mu.Unlock()

	if last {
		b.pgUnlisten(sub.channel)
	}
}

func (b *Broker) pgListen(ctx context.Context, channel string) error {
	b.listenerMu.RLock()
	listener := b.listener
	b.listenerMu.RUnlock()
	if listener == nil {
		return nil // single-process mode, notifications arrive locally
	}

	listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	return listener.Subscribe(listenCtx, channel)
}

func (b *Broker) pgUnlisten(channel string) {
	b.listenerMu.RLock()
	listener := b.listener
	b.listenerMu.RUnlock()
	if listener == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
	defer cancel()
	if err := listener.Unsubscribe(ctx, channel); err != nil {
		slog.Warn("UNLISTEN failed", "channel", channel, "error", err)
	}
}
