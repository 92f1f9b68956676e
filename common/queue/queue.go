package queue

import (
	"context"
	"sync"

	"github.com/miniflow/engine/common/logger"
)

// Queue interface for in-process message passing.
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages from a topic.
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Message is a single queued item.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryQueue is a per-topic channel queue. Webhook dispatch runs through
// it so that inbound requests are acknowledged before the triggered run
// starts.
type MemoryQueue struct {
	topics map[string]chan *Message
	mu     sync.Mutex
	log    *logger.Logger
	closed bool
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan *Message),
		log:    log,
	}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan *Message, 1024)
		q.topics[name] = ch
	}
	return ch
}

// Publish enqueues a message. A full topic drops the message with a
// warning rather than blocking the caller.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	ch := q.topic(topic)
	q.mu.Unlock()

	select {
	case ch <- &Message{Topic: topic, Key: key, Value: message}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full, dropping message", "topic", topic, "key", key)
		return nil
	}
}

// Subscribe starts a goroutine that feeds topic messages to handler until
// ctx is cancelled. Handler errors are logged, not fatal.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	ch := q.topic(topic)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close closes all topics.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for name, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", name)
	}
	return nil
}
