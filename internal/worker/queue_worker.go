package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bimefy/slam-worker/internal/client"
	"github.com/bimefy/slam-worker/internal/config"
	"github.com/bimefy/slam-worker/internal/model"
	"github.com/bimefy/slam-worker/internal/retry"
)

const scaleDownTimeout = 30 * time.Second

// JobProcessor runs the pipeline for one object key
type JobProcessor interface {
	Process(ctx context.Context, objectKey string) bool
}

// StatusReporter reports terminal retry exhaustion
type StatusReporter interface {
	UpdateStatus(ctx context.Context, objectKey string, status model.ProcessingStatus)
}

// QueueWorker polls the job queue and processes one job at a time
type QueueWorker struct {
	queue     client.MessageQueue
	ledger    retry.Ledger
	processor JobProcessor
	reporter  StatusReporter
	scaler    client.CapacityScaler
	cfg       config.WorkerConfig
	validate  *validator.Validate
	logger    *slog.Logger

	running    atomic.Bool
	mu         sync.Mutex
	stop       context.CancelFunc
	emptyPolls int
	background sync.WaitGroup
}

// NewQueueWorker creates a queue worker. scaler may be nil.
func NewQueueWorker(
	queue client.MessageQueue,
	ledger retry.Ledger,
	processor JobProcessor,
	reporter StatusReporter,
	scaler client.CapacityScaler,
	cfg config.WorkerConfig,
	logger *slog.Logger,
) *QueueWorker {
	if cfg.MaxEmptyPolls <= 0 {
		cfg.MaxEmptyPolls = 10
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	return &QueueWorker{
		queue:     queue,
		ledger:    ledger,
		processor: processor,
		reporter:  reporter,
		scaler:    scaler,
		cfg:       cfg,
		validate:  validator.New(),
		logger:    logger.With("component", "queue_worker"),
	}
}

// Start polls until Stop is called or ctx is done. A job in flight when the
// worker stops runs to completion first. Calling Start on a running worker
// logs a warning and returns.
func (w *QueueWorker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("queue worker is already running")
		return nil
	}
	defer w.running.Store(false)

	loopCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.stop = cancel
	w.mu.Unlock()
	defer cancel()

	w.logger.Info("starting queue worker")

	for iteration := 1; loopCtx.Err() == nil; iteration++ {
		w.pollOnce(loopCtx)

		if iteration%w.cfg.SweepEvery == 0 {
			w.sweep(context.WithoutCancel(loopCtx))
		}

		select {
		case <-loopCtx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}

	w.background.Wait()
	w.logger.Info("queue worker stopped")
	return nil
}

// Running reports whether the poll loop is active
func (w *QueueWorker) Running() bool {
	return w.running.Load()
}

// Stop ends the poll loop after the current iteration
func (w *QueueWorker) Stop() {
	w.logger.Info("stopping queue worker")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		w.stop()
	}
}

// pollOnce receives one batch and handles every message in it
func (w *QueueWorker) pollOnce(ctx context.Context) {
	messages, err := w.queue.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to poll queue", "error", err)
		}
		return
	}

	if len(messages) == 0 {
		w.emptyPolls++
		w.logger.Debug("no messages received", "empty_polls", w.emptyPolls)
		if w.emptyPolls%w.cfg.MaxEmptyPolls == 0 {
			w.scaleToZero(ctx)
		}
		return
	}

	w.emptyPolls = 0
	w.logger.Info("received messages", "count", len(messages))

	// jobs are not interrupted by Stop
	jobCtx := context.WithoutCancel(ctx)
	for _, msg := range messages {
		w.handleMessage(jobCtx, msg)
	}
}

func (w *QueueWorker) handleMessage(ctx context.Context, msg client.Message) {
	logger := w.logger.With("message_id", msg.ID)

	if msg.Body == "" || msg.ReceiptHandle == "" {
		logger.Warn("received message with no body or receipt handle")
		return
	}

	ack, err := w.dispatch(ctx, msg.Body, logger)
	if err != nil {
		logger.Error("failed to handle message, leaving it for redelivery", "error", err)
		return
	}
	if !ack {
		logger.Info("processing failed, message will return to queue for retry")
		return
	}

	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		logger.Error("failed to delete message", "error", err)
		return
	}
	logger.Debug("message deleted")
}

// dispatch decodes a body and decides whether the message can be acknowledged
func (w *QueueWorker) dispatch(ctx context.Context, body string, logger *slog.Logger) (bool, error) {
	job, err := model.DecodeJobMessage(body)
	if err != nil {
		return false, err
	}

	var key string
	switch job.Kind {
	case model.MessageKindStorageEvent:
		for _, record := range job.Event.Records {
			if record.IsObjectCreated() {
				key = record.ObjectKey()
				break
			}
		}
		if key == "" {
			logger.Debug("no object creation record in storage event")
			return true, nil
		}
	case model.MessageKindDirect:
		if err := w.validate.Struct(job.Direct); err != nil {
			logger.Debug("skipping incomplete message", "error", err)
			return true, nil
		}
		key = job.Direct.ObjectKey
	default:
		return false, fmt.Errorf("unrecognized message kind %s", job.Kind)
	}

	if !model.IsVideoKey(key) {
		logger.Debug("skipping non video object", "object_key", key)
		return true, nil
	}
	return w.handleKey(ctx, key), nil
}

// handleKey applies the retry budget around one processing attempt
func (w *QueueWorker) handleKey(ctx context.Context, key string) bool {
	logger := w.logger.With("object_key", key)

	if w.ledger.HasExceededMaxRetries(ctx, key) {
		logger.Warn("retry budget exhausted, dropping job", "retry_count", w.ledger.GetRetryCount(ctx, key))
		w.giveUp(ctx, key)
		return true
	}

	attempt := w.ledger.IncrementRetryCount(ctx, key)
	logger.Info("processing video", "attempt", attempt)

	if w.process(ctx, key, logger) {
		w.ledger.RemoveRecord(ctx, key)
		return true
	}

	if w.ledger.HasExceededMaxRetries(ctx, key) {
		logger.Warn("job failed on its last attempt", "attempt", attempt)
		w.giveUp(ctx, key)
		return true
	}
	return false
}

func (w *QueueWorker) giveUp(ctx context.Context, key string) {
	w.reporter.UpdateStatus(ctx, key, model.StatusFailTooMuchRetry)
	w.ledger.RemoveRecord(ctx, key)
}

// process runs the job, converting a panic into a failure
func (w *QueueWorker) process(ctx context.Context, key string, logger *slog.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return w.processor.Process(ctx, key)
}

func (w *QueueWorker) scaleToZero(ctx context.Context) {
	if !w.cfg.ScaleToZero || w.scaler == nil {
		return
	}
	w.logger.Info("no messages for consecutive polls, scaling worker group to zero", "empty_polls", w.emptyPolls)

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		scaleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scaleDownTimeout)
		defer cancel()
		if err := w.scaler.SetDesiredCapacity(scaleCtx, 0); err != nil {
			w.logger.Error("failed to update auto scaling group", "error", err)
			return
		}
		w.logger.Info("desired capacity set to zero")
	}()
}

func (w *QueueWorker) sweep(ctx context.Context) {
	cleaned := w.ledger.CleanupOlderThan(ctx, w.cfg.RetentionDays)
	stats := w.ledger.Stats(ctx)
	w.logger.Info("retry ledger sweep",
		"cleaned", cleaned,
		"tracked", stats.TotalFiles,
		"by_retry_count", stats.FilesByRetryCount,
		"oldest", stats.OldestRecord,
		"newest", stats.NewestRecord)
}
