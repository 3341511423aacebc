package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue maps topics onto durable RabbitMQ queues on the default exchange.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex

	MaxRetries int
	Log        *zap.Logger
}

func DialAMQP(url string, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPQueue{conn: conn, ch: ch, MaxRetries: 3, Log: log}, nil
}

func (q *AMQPQueue) declare(topic string) (amqp.Queue, error) {
	return q.ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	return q.publish(topic, payload, 0)
}

func (q *AMQPQueue) publish(topic string, payload []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.declare(topic); err != nil {
		return fmt.Errorf("declare %s: %w", topic, err)
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         payload,
	})
}

// Subscribe starts consuming topic in the background until ctx is done.
// A failed delivery is republished with its retry count bumped, then acked;
// after MaxRetries it is dropped.
func (q *AMQPQueue) Subscribe(ctx context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	if _, err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("declare %s: %w", topic, err)
	}
	deliveries, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck off; we ack after handling
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					q.Log.Warn("delivery channel closed", zap.String("topic", topic))
					return
				}
				q.handle(ctx, topic, d, handler)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	err := handler(ctx, d.Body)
	if err == nil {
		d.Ack(false)
		return
	}
	retries := retryCount(d.Headers) + 1
	if retries > q.MaxRetries {
		q.Log.Error("delivery dropped after retries", zap.String("topic", topic), zap.Int("attempts", retries), zap.Error(err))
		d.Ack(false)
		return
	}
	q.Log.Warn("delivery failed, requeueing", zap.String("topic", topic), zap.Int("attempt", retries), zap.Error(err))
	if perr := q.publish(topic, d.Body, retries); perr != nil {
		q.Log.Error("requeue failed", zap.String("topic", topic), zap.Error(perr))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

var (
	_ Queue = (*InMemoryQueue)(nil)
	_ Queue = (*AMQPQueue)(nil)
)
