package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueDelivers(t *testing.T) {
	q := NewInMemoryQueue(nil)
	got := make(chan string, 1)
	require.NoError(t, q.Subscribe(context.Background(), "bounces", func(_ context.Context, p []byte) error {
		got <- string(p)
		return nil
	}))

	require.NoError(t, q.Publish(context.Background(), "bounces", []byte(`{"id":1}`)))
	q.Wait()
	assert.Equal(t, `{"id":1}`, <-got)
}

func TestInMemoryQueueRetriesThenDrops(t *testing.T) {
	q := NewInMemoryQueue(nil)
	q.Backoff = time.Millisecond
	var calls atomic.Int32
	require.NoError(t, q.Subscribe(context.Background(), "bounces", func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("store down")
	}))

	require.NoError(t, q.Publish(context.Background(), "bounces", nil))
	q.Wait()
	assert.EqualValues(t, q.MaxRetries+1, calls.Load())
}

func TestInMemoryQueueRecoversOnRetry(t *testing.T) {
	q := NewInMemoryQueue(nil)
	q.Backoff = time.Millisecond
	var calls atomic.Int32
	require.NoError(t, q.Subscribe(context.Background(), "bounces", func(context.Context, []byte) error {
		if calls.Add(1) < 2 {
			return errors.New("blip")
		}
		return nil
	}))

	require.NoError(t, q.Publish(context.Background(), "bounces", nil))
	q.Wait()
	assert.EqualValues(t, 2, calls.Load())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(nil)
	assert.Error(t, q.Publish(context.Background(), "nobody", nil))
}

func TestRetryCountHeader(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 5, retryCount(amqp.Table{retryHeader: int64(5)}))
}
