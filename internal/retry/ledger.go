// Package retry tracks per-object processing attempts across worker restarts.
package retry

import (
	"context"
	"sort"

	"github.com/bimefy/slam-worker/internal/model"
)

// DefaultMaxRetries is the attempt budget per object key
const DefaultMaxRetries = 3

// Ledger records how many times each object key has been attempted.
// Storage failures are logged by implementations and never surface to
// callers; an unreadable ledger behaves as an empty one.
type Ledger interface {
	GetRetryCount(ctx context.Context, objectKey string) int
	IncrementRetryCount(ctx context.Context, objectKey string) int
	ShouldRetry(ctx context.Context, objectKey string) bool
	HasExceededMaxRetries(ctx context.Context, objectKey string) bool
	RemoveRecord(ctx context.Context, objectKey string)
	CleanupOlderThan(ctx context.Context, days int) int
	Record(ctx context.Context, objectKey string) (model.RetryRecord, bool)
	Stats(ctx context.Context) model.RetryStats
}

// ComputeStats summarises a set of records. Oldest and newest are chosen by
// last attempt time, ties broken by key.
func ComputeStats(records []model.RetryRecord) model.RetryStats {
	stats := model.RetryStats{
		TotalFiles:        len(records),
		FilesByRetryCount: make(map[int]int),
	}
	if len(records) == 0 {
		return stats
	}

	sorted := append([]model.RetryRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].LastAttempt.Equal(sorted[j].LastAttempt) {
			return sorted[i].ObjectKey < sorted[j].ObjectKey
		}
		return sorted[i].LastAttempt.Before(sorted[j].LastAttempt)
	})

	for _, r := range sorted {
		stats.FilesByRetryCount[r.RetryCount]++
	}
	stats.OldestRecord = sorted[0].ObjectKey
	stats.NewestRecord = sorted[len(sorted)-1].ObjectKey
	return stats
}
