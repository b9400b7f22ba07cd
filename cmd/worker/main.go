package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bimefy/slam-worker/internal/client"
	"github.com/bimefy/slam-worker/internal/config"
	"github.com/bimefy/slam-worker/internal/handler"
	"github.com/bimefy/slam-worker/internal/logging"
	"github.com/bimefy/slam-worker/internal/middleware"
	"github.com/bimefy/slam-worker/internal/process"
	"github.com/bimefy/slam-worker/internal/retry"
	"github.com/bimefy/slam-worker/internal/service"
	"github.com/bimefy/slam-worker/internal/slam"
	ws "github.com/bimefy/slam-worker/internal/websocket"
	"github.com/bimefy/slam-worker/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// AWS clients
	awsCfg, err := client.LoadAWSConfig(ctx, &cfg.AWS)
	if err != nil {
		logger.Error("failed to load aws config", "error", err)
		os.Exit(1)
	}
	store := client.NewS3Client(awsCfg, &cfg.S3, cfg.AWS.Endpoint != "")
	queue := client.NewSQSClient(awsCfg, &cfg.SQS)

	var scaler client.CapacityScaler
	if cfg.AutoScaling.GroupName != "" {
		scaler = client.NewAutoScalingClient(awsCfg, cfg.AutoScaling.GroupName)
	} else if cfg.Worker.ScaleToZero {
		logger.Warn("AUTOSCALING_GROUP_NAME not set, scale-to-zero disabled")
	}

	// Backend clients
	insv := client.NewInsvClient(&cfg.Insv, logger)
	if !insv.IsConfigured() {
		logger.Warn("no INSV server urls configured, status updates are disabled")
	}
	terminator := client.NewControlClient(cfg.SLAM.TerminateURL)

	ledger, closeLedger := newLedger(ctx, cfg, logger)
	defer closeLedger()

	// Live events
	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	// Services
	controller := slam.NewController(cfg.SLAM, process.NewSupervisor(logger), terminator, logger)
	transfer := service.NewTransferService(store, cfg.S3.ChunkSize, cfg.S3.PresignExpiry, logger)
	screenshots := service.NewScreenshotService(transfer, service.NewZipService(logger), cfg.FFmpeg, logger)
	status := service.NewStatusService(insv, hub)
	pipeline := service.NewPipelineService(
		transfer, controller, screenshots, status, insv,
		cfg.Worker.WorkspaceRoot, cfg.SLAM.OutputDirName, logger,
	)

	queueWorker := worker.NewQueueWorker(queue, ledger, pipeline, status, scaler, cfg.Worker, logger)

	// Admin server
	if cfg.Server.AdminPort != "" {
		auth := middleware.NewAuthMiddleware(cfg.Server.AdminJWTSecret)
		if !auth.Enabled() {
			logger.Warn("ADMIN_JWT_SECRET not set, admin api is unauthenticated")
		}
		app := handler.NewAdminApp(handler.AdminDeps{
			Ledger:    ledger,
			Hub:       hub,
			Auth:      auth,
			Running:   queueWorker.Running,
			AccessLog: os.Stdout,
		})

		go func() {
			addr := ":" + cfg.Server.AdminPort
			logger.Info("admin server starting", "addr", addr)
			if err := app.Listen(addr); err != nil {
				logger.Error("admin server error", "error", err)
			}
		}()
		defer func() {
			if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
				logger.Error("admin server shutdown error", "error", err)
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		logger.Info("shutting down worker", "signal", sig.String())
		queueWorker.Stop()
	}()

	if err := queueWorker.Start(ctx); err != nil {
		logger.Error("worker error", "error", err)
	}
	logger.Info("worker exited")
}

// newLedger builds the retry ledger selected by RETRY_BACKEND
func newLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (retry.Ledger, func()) {
	if cfg.Retry.Backend != "redis" {
		return retry.NewFileLedger(cfg.Retry.FilePath, cfg.Retry.MaxRetries, logger), func() {}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	return retry.NewRedisLedger(redisClient, cfg.Retry.MaxRetries, logger), func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}
}
