package retry

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bimefy/slam-worker/internal/logging"
)

// newTestRedis connects to a local Redis on DB 15 and skips when none is running
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisLedgerRetryBudget(t *testing.T) {
	l := NewRedisLedger(newTestRedis(t), 3, logging.Discard())
	ctx := context.Background()
	key := "site/raw/redis.mp4"

	for i := 1; i <= 3; i++ {
		if got := l.IncrementRetryCount(ctx, key); got != i {
			t.Fatalf("expected count %d, got %d", i, got)
		}
	}
	if !l.HasExceededMaxRetries(ctx, key) {
		t.Error("expected exceeded after 3 attempts")
	}

	stats := l.Stats(ctx)
	if stats.TotalFiles != 1 || stats.FilesByRetryCount[3] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	l.RemoveRecord(ctx, key)
	if got := l.GetRetryCount(ctx, key); got != 0 {
		t.Errorf("expected 0 after remove, got %d", got)
	}
}

func TestRedisLedgerCleanupOlderThan(t *testing.T) {
	l := NewRedisLedger(newTestRedis(t), 3, logging.Discard())
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now.AddDate(0, 0, -10) }
	l.IncrementRetryCount(ctx, "old.mp4")
	l.now = func() time.Time { return now }
	l.IncrementRetryCount(ctx, "new.mp4")

	if cleaned := l.CleanupOlderThan(ctx, 7); cleaned != 1 {
		t.Fatalf("expected 1 cleaned, got %d", cleaned)
	}
	if _, ok := l.Record(ctx, "new.mp4"); !ok {
		t.Error("recent record should remain")
	}
}
