package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "start miniredis")
	t.Cleanup(mr.Close)

	q, err := NewRedisQueue(RedisQueueConfig{
		Address:   mr.Addr(),
		Queue:     "copil:dispatch:test",
		BlockWait: 100 * time.Millisecond,
	})
	require.NoError(t, err, "new redis queue")
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string
	go func() {
		_ = q.Consume(ctx, 2, func(_ context.Context, workflowID string) error {
			mu.Lock()
			received = append(received, workflowID)
			mu.Unlock()
			return nil
		})
	}()

	require.NoError(t, q.Publish(ctx, "wf1"))
	require.NoError(t, q.Publish(ctx, "wf2"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond, "expected both workflows consumed")

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"wf1", "wf2"}, received)
}

func TestRedisQueueRequeuesOnHandlerError(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, workflowID string) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	require.NoError(t, q.Publish(ctx, "wf1"))

	// 处理失败的消息重新回到队列，第二次消费成功。
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 2*time.Second, 10*time.Millisecond, "expected the message to be redelivered")
}

func TestRedisQueueConsumeStopsOnCancel(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(context.Context, string) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop after cancellation")
	}
}
