package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisQueuePublishAndConsume(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	queue := NewRedisQueueWithClient(client, "", 100*time.Millisecond)
	defer queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if n, err := client.LLen(ctx, "pharmassist:tasks").Result(); err != nil || n != 3 {
		t.Fatalf("expected 3 queued ids, got %d (%v)", n, err)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(consumeCtx, 1, func(_ context.Context, taskID string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, taskID)
			if len(seen) == 3 {
				stop()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("consumer did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Fatalf("expected FIFO delivery, got %v", seen)
	}
}

func TestNewRedisQueueRequiresAddress(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "x"); err == nil {
		t.Fatalf("expected publish on closed queue to fail")
	}
}
