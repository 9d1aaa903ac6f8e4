package mqttmesh

import (
	"context"
	"sync"
)

// MemoryBackplane is an in-process Backplane. All nodes sharing the
// instance see each other's channels, which makes it suitable for tests
// and for running a whole fleet inside one process.
//
// Delivery is synchronous in the publisher's goroutine. Handler errors
// are swallowed; a failing handler never detaches its subscription.
type MemoryBackplane struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemoryBackplane creates a new in-process backplane.
func NewMemoryBackplane() *MemoryBackplane {
	return &MemoryBackplane{
		subs: make(map[string][]*memorySubscription),
	}
}

// Subscribe attaches handler to the channel.
func (b *MemoryBackplane) Subscribe(_ context.Context, ch ChannelID, handler ChannelHandler) (Subscription, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBackplaneClosed
	}

	sub := &memorySubscription{backplane: b, channel: ch, handler: handler}
	key := ch.Key()
	b.subs[key] = append(b.subs[key], sub)
	return sub, nil
}

// Publish delivers the envelope to every subscriber of the channel.
func (b *MemoryBackplane) Publish(ctx context.Context, ch ChannelID, env Envelope) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if len(env.Payload) == 0 {
		return ErrEnvelopeNoPayload
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBackplaneClosed
	}
	subs := make([]*memorySubscription, len(b.subs[ch.Key()]))
	copy(subs, b.subs[ch.Key()])
	b.mu.RUnlock()

	for _, sub := range subs {
		// Handler failures are isolated per subscriber.
		_ = sub.handler(ctx, env)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions on a channel.
func (b *MemoryBackplane) SubscriberCount(ch ChannelID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[ch.Key()])
}

// Close drops all subscriptions.
func (b *MemoryBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

func (b *MemoryBackplane) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := sub.channel.Key()
	subs := b.subs[key]
	for i, s := range subs {
		if s == sub {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
}

type memorySubscription struct {
	backplane *MemoryBackplane
	channel   ChannelID
	handler   ChannelHandler

	mu       sync.Mutex
	detached bool
}

func (s *memorySubscription) Channel() ChannelID {
	return s.channel
}

func (s *memorySubscription) Unsubscribe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return nil
	}
	s.detached = true
	s.backplane.remove(s)
	return nil
}
