package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/progress"
)

const defaultStreamBuffer = 64

// Broadcaster fans events out to live subscribers such as SSE clients. A slow
// subscriber loses events instead of stalling the hub.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan progress.Event]struct{}
	buffer int
	closed bool
	logger *zap.Logger
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold buffer events.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[chan progress.Event]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new listener. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan progress.Event, func()) {
	ch := make(chan progress.Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(ch) })
	}
}

func (b *Broadcaster) remove(ch chan progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of active listeners.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Consume forwards each event to every subscriber without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, evt := range batch {
		for ch := range b.subs {
			select {
			case ch <- evt:
			default:
				dropped++
			}
		}
	}
	if dropped > 0 {
		b.logger.Debug("live progress events dropped", zap.Int("dropped", dropped))
	}
	return nil
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
