package retry

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bimefy/slam-worker/internal/model"
)

const (
	redisKeyPrefix = "slam:retry:"
	redisIndexKey  = "slam:retry:index"
)

// RedisLedger shares retry counts between worker instances. Each object key
// is a hash {retryCount, lastAttempt}; an index set lists tracked keys.
type RedisLedger struct {
	redis      *redis.Client
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

func NewRedisLedger(redisClient *redis.Client, maxRetries int, logger *slog.Logger) *RedisLedger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RedisLedger{
		redis:      redisClient,
		maxRetries: maxRetries,
		logger:     logger.With("component", "retry_ledger", "backend", "redis"),
		now:        time.Now,
	}
}

func recordKey(objectKey string) string {
	return redisKeyPrefix + objectKey
}

func (l *RedisLedger) GetRetryCount(ctx context.Context, objectKey string) int {
	count, err := l.redis.HGet(ctx, recordKey(objectKey), "retryCount").Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.logger.Error("failed to read retry count", "object_key", objectKey, "error", err)
		}
		return 0
	}
	return count
}

func (l *RedisLedger) IncrementRetryCount(ctx context.Context, objectKey string) int {
	key := recordKey(objectKey)
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, "retryCount", 1)
		pipe.HSet(ctx, key, "lastAttempt", l.now().UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, redisIndexKey, objectKey)
		return nil
	})
	if err != nil {
		l.logger.Error("failed to increment retry count", "object_key", objectKey, "error", err)
		return 0
	}

	count := int(incr.Val())
	l.logger.Info("incremented retry count", "object_key", objectKey, "retry_count", count)
	return count
}

func (l *RedisLedger) ShouldRetry(ctx context.Context, objectKey string) bool {
	count := l.GetRetryCount(ctx, objectKey)
	should := count < l.maxRetries
	l.logger.Info("retry check", "object_key", objectKey, "retry_count", count, "max_retries", l.maxRetries, "should_retry", should)
	return should
}

func (l *RedisLedger) HasExceededMaxRetries(ctx context.Context, objectKey string) bool {
	return l.GetRetryCount(ctx, objectKey) >= l.maxRetries
}

func (l *RedisLedger) RemoveRecord(ctx context.Context, objectKey string) {
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(objectKey))
		pipe.SRem(ctx, redisIndexKey, objectKey)
		return nil
	})
	if err != nil {
		l.logger.Error("failed to remove retry record", "object_key", objectKey, "error", err)
		return
	}
	l.logger.Info("removed retry record", "object_key", objectKey)
}

func (l *RedisLedger) CleanupOlderThan(ctx context.Context, days int) int {
	cutoff := l.now().AddDate(0, 0, -days)
	cleaned := 0
	for _, record := range l.records(ctx) {
		if record.LastAttempt.Before(cutoff) {
			l.RemoveRecord(ctx, record.ObjectKey)
			cleaned++
		}
	}
	if cleaned > 0 {
		l.logger.Info("cleaned up old retry records", "count", cleaned)
	}
	return cleaned
}

func (l *RedisLedger) Record(ctx context.Context, objectKey string) (model.RetryRecord, bool) {
	fields, err := l.redis.HGetAll(ctx, recordKey(objectKey)).Result()
	if err != nil {
		l.logger.Error("failed to read retry record", "object_key", objectKey, "error", err)
		return model.RetryRecord{}, false
	}
	if len(fields) == 0 {
		return model.RetryRecord{}, false
	}
	return parseRecord(objectKey, fields), true
}

func (l *RedisLedger) Stats(ctx context.Context) model.RetryStats {
	return ComputeStats(l.records(ctx))
}

func (l *RedisLedger) records(ctx context.Context) []model.RetryRecord {
	keys, err := l.redis.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		l.logger.Error("failed to list retry records", "error", err)
		return nil
	}

	records := make([]model.RetryRecord, 0, len(keys))
	for _, objectKey := range keys {
		record, ok := l.Record(ctx, objectKey)
		if !ok {
			// hash expired or was deleted without the index
			l.redis.SRem(ctx, redisIndexKey, objectKey)
			continue
		}
		records = append(records, record)
	}
	return records
}

func parseRecord(objectKey string, fields map[string]string) model.RetryRecord {
	record := model.RetryRecord{ObjectKey: objectKey}
	record.RetryCount, _ = strconv.Atoi(fields["retryCount"])
	record.LastAttempt, _ = time.Parse(time.RFC3339Nano, fields["lastAttempt"])
	return record
}
