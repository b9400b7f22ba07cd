package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bimefy/slam-worker/internal/model"
)

// DefaultFilePath is where the ledger document lives unless configured otherwise
const DefaultFilePath = "/tmp/stella-retry-tracker.json"

// FileLedger keeps the ledger as one JSON document on local disk. Every
// operation loads and replaces the whole document.
type FileLedger struct {
	path       string
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewFileLedger creates the ledger file if it does not exist yet
func NewFileLedger(path string, maxRetries int, logger *slog.Logger) *FileLedger {
	if path == "" {
		path = DefaultFilePath
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	l := &FileLedger{
		path:       path,
		maxRetries: maxRetries,
		logger:     logger.With("component", "retry_ledger"),
		now:        time.Now,
	}
	l.ensureFile()
	return l
}

// WithClock replaces the time source. Used by tests.
func (l *FileLedger) WithClock(now func() time.Time) *FileLedger {
	l.now = now
	return l
}

func (l *FileLedger) ensureFile() {
	if _, err := os.Stat(l.path); err == nil {
		return
	} else if !errors.Is(err, fs.ErrNotExist) {
		l.logger.Error("failed to stat retry file", "path", l.path, "error", err)
		return
	}
	if err := l.write(model.RetryData{}); err != nil {
		l.logger.Error("failed to create retry file", "path", l.path, "error", err)
		return
	}
	l.logger.Info("created retry tracking file", "path", l.path)
}

func (l *FileLedger) read() model.RetryData {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Error("failed to read retry data, using empty ledger", "path", l.path, "error", err)
		return model.RetryData{}
	}
	var data model.RetryData
	if err := json.Unmarshal(raw, &data); err != nil {
		l.logger.Error("failed to parse retry data, using empty ledger", "path", l.path, "error", err)
		return model.RetryData{}
	}
	if data == nil {
		data = model.RetryData{}
	}
	return data
}

// write replaces the document via a temp file in the same directory
func (l *FileLedger) write(data model.RetryData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal retry data: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write retry data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to replace retry file: %w", err)
	}
	return nil
}

func (l *FileLedger) save(data model.RetryData) {
	if err := l.write(data); err != nil {
		l.logger.Error("failed to write retry data", "path", l.path, "error", err)
	}
}

func (l *FileLedger) GetRetryCount(_ context.Context, objectKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()[objectKey].RetryCount
}

// IncrementRetryCount bumps the count, stamps the attempt time and returns the new count
func (l *FileLedger) IncrementRetryCount(_ context.Context, objectKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := l.read()
	count := data[objectKey].RetryCount + 1
	data[objectKey] = model.RetryRecord{
		ObjectKey:   objectKey,
		RetryCount:  count,
		LastAttempt: l.now().UTC(),
	}
	l.save(data)

	l.logger.Info("incremented retry count", "object_key", objectKey, "retry_count", count)
	return count
}

func (l *FileLedger) ShouldRetry(ctx context.Context, objectKey string) bool {
	count := l.GetRetryCount(ctx, objectKey)
	should := count < l.maxRetries
	l.logger.Info("retry check", "object_key", objectKey, "retry_count", count, "max_retries", l.maxRetries, "should_retry", should)
	return should
}

func (l *FileLedger) HasExceededMaxRetries(ctx context.Context, objectKey string) bool {
	return l.GetRetryCount(ctx, objectKey) >= l.maxRetries
}

func (l *FileLedger) RemoveRecord(_ context.Context, objectKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := l.read()
	if _, ok := data[objectKey]; !ok {
		return
	}
	delete(data, objectKey)
	l.save(data)
	l.logger.Info("removed retry record", "object_key", objectKey)
}

// CleanupOlderThan drops records whose last attempt is older than days and
// returns how many were removed
func (l *FileLedger) CleanupOlderThan(_ context.Context, days int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().AddDate(0, 0, -days)
	data := l.read()

	cleaned := 0
	for key, record := range data {
		if record.LastAttempt.Before(cutoff) {
			delete(data, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		l.save(data)
		l.logger.Info("cleaned up old retry records", "count", cleaned)
	}
	return cleaned
}

func (l *FileLedger) Record(_ context.Context, objectKey string) (model.RetryRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.read()[objectKey]
	return r, ok
}

func (l *FileLedger) Stats(_ context.Context) model.RetryStats {
	l.mu.Lock()
	data := l.read()
	l.mu.Unlock()

	records := make([]model.RetryRecord, 0, len(data))
	for _, r := range data {
		records = append(records, r)
	}
	return ComputeStats(records)
}
