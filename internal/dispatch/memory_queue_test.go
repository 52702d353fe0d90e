package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewMemoryQueue(4)
	defer q.Close()

	received := make(chan string, 1)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, workflowID string) error {
			received <- workflowID
			return nil
		})
	}()

	if err := q.Publish(ctx, "wf1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if got != "wf1" {
			t.Fatalf("expected wf1, got %s", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the message")
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close 可以重复调用。
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := q.Publish(context.Background(), "wf1"); err == nil {
		t.Fatal("publish on a closed queue must fail")
	}
}
