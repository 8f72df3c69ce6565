package cluster

import (
	"context"
	"sync"
)

// Bus carries adapter messages between the servers of a cluster. Every
// subscriber of a channel receives every payload published on it, its own
// included.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once handler is registered. Payloads are delivered
	// one at a time until ctx is done.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error)
}

type Subscription interface {
	// Wait blocks until delivery stopped.
	Wait() error
}

// MemoryBus is an in-process Bus connecting adapters of the same process.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{} // Map<Channel, Set<Subscription>>
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[channel] {
		sub.push(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		sub.run(ctx)

		b.mu.Lock()
		delete(b.subs[channel], sub)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
	}()

	return sub, nil
}

// memorySubscription queues payloads without bound so that a handler may
// publish on its own channel.
type memorySubscription struct {
	handler func([]byte)

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	done   chan struct{}
}

func (s *memorySubscription) push(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, payload := range queue {
			if ctx.Err() != nil {
				return
			}
			s.handler(payload)
		}
	}
}

func (s *memorySubscription) Wait() error {
	<-s.done
	return nil
}
