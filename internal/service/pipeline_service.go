package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bimefy/slam-worker/internal/model"
	"github.com/bimefy/slam-worker/internal/slam"
	"github.com/bimefy/slam-worker/internal/trajectory"
)

// SLAMRunner runs SLAM on a local video, writing outputs into outputDir
type SLAMRunner interface {
	Run(ctx context.Context, videoPath, outputDir string) error
}

// ScreenshotExtractor derives and uploads screenshots at the given time codes
type ScreenshotExtractor interface {
	ExtractAndUpload(ctx context.Context, videoPath string, timeCodes []float64, workspace, baseKey string) int
}

// PipelineService processes one video end to end
type PipelineService struct {
	transfer      *TransferService
	slam          SLAMRunner
	screenshots   ScreenshotExtractor
	status        JobReporter
	metadata      MetadataReporter
	workspaceRoot string
	outputDirName string
	logger        *slog.Logger
}

func NewPipelineService(
	transfer *TransferService,
	slamRunner SLAMRunner,
	screenshots ScreenshotExtractor,
	status JobReporter,
	metadata MetadataReporter,
	workspaceRoot, outputDirName string,
	logger *slog.Logger,
) *PipelineService {
	if outputDirName == "" {
		outputDirName = "slam"
	}
	return &PipelineService{
		transfer:      transfer,
		slam:          slamRunner,
		screenshots:   screenshots,
		status:        status,
		metadata:      metadata,
		workspaceRoot: workspaceRoot,
		outputDirName: outputDirName,
		logger:        logger.With("component", "pipeline"),
	}
}

// Process runs the pipeline for key and reports whether it succeeded. The
// temporary workspace is always removed.
func (s *PipelineService) Process(ctx context.Context, key string) (ok bool) {
	logger := s.logger.With("object_key", key, "run_id", uuid.NewString())
	logger.Info("starting job")

	s.status.UpdateStatus(ctx, key, model.StatusInProgress)

	workspace, err := os.MkdirTemp(s.workspaceRoot, "slam-job-*")
	if err != nil {
		logger.Error("failed to create workspace", "error", err)
		s.status.ReportFailure(ctx, key, fmt.Errorf("failed to create workspace: %w", err))
		return false
	}
	defer s.cleanup(ctx, key, workspace, &ok, logger)

	if err := s.run(ctx, key, workspace, logger); err != nil {
		logger.Error("job failed", "error", err)
		s.status.ReportFailure(ctx, key, err)
		return false
	}

	logger.Info("job completed")
	return true
}

func (s *PipelineService) run(ctx context.Context, key, workspace string, logger *slog.Logger) error {
	videoPath := filepath.Join(workspace, path.Base(key))
	if !s.transfer.Download(ctx, key, videoPath) {
		return fmt.Errorf("failed to download %s", key)
	}
	info, err := os.Stat(videoPath)
	if err != nil {
		return fmt.Errorf("failed to stat downloaded video: %w", err)
	}

	s.status.UpdateStatus(ctx, key, model.StatusParsingSlam)

	outputDir := filepath.Join(workspace, s.outputDirName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := s.slam.Run(ctx, videoPath, outputDir); err != nil {
		return fmt.Errorf("slam run failed: %w", err)
	}

	baseKey := KeyDir(key)
	for _, name := range slam.OutputFiles {
		target := ObjectKey(baseKey, s.outputDirName, name)
		if _, ok := s.transfer.UploadFile(ctx, filepath.Join(outputDir, name), target, nil); !ok {
			return fmt.Errorf("failed to upload %s", name)
		}
	}
	logger.Info("uploaded slam outputs", "count", len(slam.OutputFiles))

	samples, err := trajectory.ParseFile(filepath.Join(outputDir, slam.KeyframeTrajectoryFile))
	if err != nil {
		return fmt.Errorf("failed to parse keyframe trajectory: %w", err)
	}
	normalized := trajectory.Normalize(samples)
	logger.Info("trajectory normalized", "keyframes", len(normalized))

	s.metadata.UpdateMetadata(ctx, key, info.Size(), normalized)

	n := s.screenshots.ExtractAndUpload(ctx, videoPath, trajectory.TimeCodes(normalized), workspace, baseKey)
	logger.Info("screenshot step finished", "screenshots", n)
	return nil
}

func (s *PipelineService) cleanup(ctx context.Context, key, workspace string, ok *bool, logger *slog.Logger) {
	if *ok {
		s.status.UpdateStatus(ctx, key, model.StatusProcessed)
	}
	if err := os.RemoveAll(workspace); err != nil {
		logger.Error("failed to remove workspace", "workspace", workspace, "error", err)
		s.status.ReportFailure(ctx, key, fmt.Errorf("failed to remove workspace: %w", err))
		return
	}
	logger.Debug("workspace removed", "workspace", workspace)
}
