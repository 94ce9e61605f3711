package bus

import (
	"context"
	"log/slog"
	"sync"
)

const memoryBufferSize = 1024

// MemoryBus is the embedded in-process Bus used when Kafka is disabled. Each
// subscriber gets a buffered channel and a dispatch goroutine, so delivery
// order per topic matches publish order and handlers run sequentially.
type MemoryBus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[string][]chan []byte
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

// NewMemoryBus creates an embedded bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		logger: logger,
		subs:   make(map[string][]chan []byte),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish delivers the payload to every subscriber of the topic. Publishing
// to a topic with no subscribers is a no-op.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	// Copy so subscribers never observe caller mutations.
	msg := make([]byte, len(payload))
	copy(msg, payload)

	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrBusClosed
		}
	}
	return nil
}

// Subscribe registers a handler for the topic and starts its dispatch loop.
func (b *MemoryBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	ch := make(chan []byte, memoryBufferSize)
	b.subs[topic] = append(b.subs[topic], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				// Drain what was already published before shutdown.
				for {
					select {
					case msg := <-ch:
						b.dispatch(topic, handler, msg)
					default:
						return
					}
				}
			case msg := <-ch:
				b.dispatch(topic, handler, msg)
			}
		}
	}()

	b.logger.Info("embedded bus subscription started", "topic", topic)
	return nil
}

func (b *MemoryBus) dispatch(topic string, handler Handler, msg []byte) {
	// Background context so in-flight messages finish during shutdown drain.
	if err := handler(context.Background(), msg); err != nil {
		b.logger.Error("message handler failed", "error", err, "topic", topic)
	}
}

// Close stops dispatchers after draining pending messages.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
