// Package queue carries bounce events between the ingestion edge and the
// scheduler. Handlers returning an error are retried up to MaxRetries.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Handler func(ctx context.Context, payload []byte) error

type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// InMemoryQueue delivers to every subscriber of a topic on its own goroutine,
// retrying failed deliveries with linear backoff.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup

	MaxRetries int
	Backoff    time.Duration
	Log        *zap.Logger
}

func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		Log:        log,
	}
}

// job wraps a payload with its retry state.
type job struct {
	topic      string
	payload    []byte
	retryCount int
}

func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	for _, h := range handlers {
		q.wg.Add(1)
		go q.process(context.WithoutCancel(ctx), h, job{topic: topic, payload: payload})
	}
	return nil
}

func (q *InMemoryQueue) process(ctx context.Context, h Handler, j job) {
	defer q.wg.Done()
	for {
		err := h(ctx, j.payload)
		if err == nil {
			return
		}
		j.retryCount++
		if j.retryCount > q.MaxRetries {
			q.Log.Error("job dropped after retries",
				zap.String("topic", j.topic), zap.Int("attempts", j.retryCount), zap.Error(err))
			return
		}
		q.Log.Warn("job failed, retrying",
			zap.String("topic", j.topic), zap.Int("attempt", j.retryCount), zap.Error(err))
		time.Sleep(time.Duration(j.retryCount) * q.Backoff)
	}
}

func (q *InMemoryQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has been handled or dropped.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}
