package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bimefy/slam-worker/internal/config"
	"github.com/bimefy/slam-worker/internal/process"
)

const (
	ScreenshotDir     = "screenshots"
	ScreenshotZipFile = "screenshots.zip"
)

// Resolution is one screenshot output size
type Resolution struct {
	Suffix string
	Height int
}

// Resolutions are extracted for every time code
var Resolutions = []Resolution{
	{Suffix: "low", Height: 1080},
	{Suffix: "high", Height: 3840},
}

// CommandRunner runs one external command to completion
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, opts process.RunOptions) (int, error)
}

// ScreenshotService extracts still frames at trajectory time codes, uploads
// them per resolution and archives the high resolution set. Nothing it does
// fails the job.
type ScreenshotService struct {
	transfer  *TransferService
	zip       *ZipService
	cfg       config.FFmpegConfig
	newRunner func() CommandRunner
	logger    *slog.Logger
}

func NewScreenshotService(transfer *TransferService, zip *ZipService, cfg config.FFmpegConfig, logger *slog.Logger) *ScreenshotService {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	logger = logger.With("component", "screenshots")
	return &ScreenshotService{
		transfer: transfer,
		zip:      zip,
		cfg:      cfg,
		newRunner: func() CommandRunner {
			return process.NewSupervisor(logger)
		},
		logger: logger,
	}
}

// ExtractAndUpload runs the whole screenshot step and returns how many
// images were extracted
func (s *ScreenshotService) ExtractAndUpload(ctx context.Context, videoPath string, timeCodes []float64, workspace, baseKey string) int {
	screenshotsDir := filepath.Join(workspace, ScreenshotDir)

	byRes := s.Extract(ctx, videoPath, timeCodes, screenshotsDir)
	total := 0
	for _, paths := range byRes {
		total += len(paths)
	}
	if total == 0 {
		s.logger.Warn("no screenshots were extracted")
		return 0
	}

	for _, res := range Resolutions {
		paths := byRes[res.Suffix]
		if len(paths) == 0 {
			continue
		}
		key := ObjectKey(baseKey, ScreenshotDir+"-"+res.Suffix)
		metadata := map[string]string{
			"content-type":      "image/webp",
			"total-screenshots": strconv.Itoa(len(paths)),
		}
		urls, ok := s.transfer.UploadDirectory(ctx, resolutionDir(screenshotsDir, res), key, metadata)
		if !ok {
			s.logger.Error("failed to upload screenshots", "resolution", res.Suffix, "uploaded", len(urls), "total", len(paths))
			continue
		}
		s.logger.Info("uploaded screenshots", "resolution", res.Suffix, "count", len(urls), "key", key)
	}

	s.uploadArchive(ctx, byRes["high"], workspace, baseKey)
	return total
}

// Extract writes <index>.webp for every non-zero time code and resolution,
// running up to cfg.Concurrency time codes at once. It returns the paths
// that were produced, keyed by resolution suffix and ordered by index.
func (s *ScreenshotService) Extract(ctx context.Context, videoPath string, timeCodes []float64, outputDir string) map[string][]string {
	result := make(map[string][]string, len(Resolutions))
	if len(timeCodes) == 0 {
		s.logger.Warn("no time codes provided for screenshot extraction")
		return result
	}

	for _, res := range Resolutions {
		if err := os.MkdirAll(resolutionDir(outputDir, res), 0o755); err != nil {
			s.logger.Error("failed to create screenshot directory", "error", err)
			return result
		}
	}

	produced := make([][]string, len(timeCodes))
	for start := 0; start < len(timeCodes); start += s.cfg.Concurrency {
		end := min(start+s.cfg.Concurrency, len(timeCodes))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			if timeCodes[i] == 0 {
				s.logger.Warn("skipping zero time code", "index", i)
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				produced[i] = s.extractOne(ctx, videoPath, timeCodes[i], outputDir, i+1, len(timeCodes))
			}(i)
		}
		wg.Wait()
	}

	for _, paths := range produced {
		for _, p := range paths {
			for _, res := range Resolutions {
				if filepath.Base(filepath.Dir(p)) == ScreenshotDir+"-"+res.Suffix {
					result[res.Suffix] = append(result[res.Suffix], p)
				}
			}
		}
	}
	s.logger.Info("extracted screenshots", "low", len(result["low"]), "high", len(result["high"]), "time_codes", len(timeCodes))
	return result
}

func (s *ScreenshotService) extractOne(ctx context.Context, videoPath string, timeCode float64, outputDir string, index, total int) []string {
	var paths []string
	for _, res := range Resolutions {
		out := filepath.Join(resolutionDir(outputDir, res), fmt.Sprintf("%d.webp", index))
		args := s.ffmpegArgs(videoPath, timeCode, res, out)

		var stderr strings.Builder
		code, err := s.newRunner().Run(ctx, s.cfg.Path, args, process.RunOptions{
			OnOutput: func(o process.Output) {
				if o.Stream == process.Stderr {
					stderr.WriteString(o.Text)
					stderr.WriteByte('\n')
				}
			},
		})
		if err != nil || code != 0 {
			s.logger.Error("failed to extract screenshot",
				"resolution", res.Suffix, "time_code", timeCode, "index", index, "exit_code", code, "error", err,
				"stderr", tail(stderr.String(), 512))
			continue
		}

		if info, err := os.Stat(out); err != nil || info.Size() == 0 {
			s.logger.Warn("screenshot missing or empty", "resolution", res.Suffix, "time_code", timeCode, "index", index)
			continue
		}
		s.logger.Debug("screenshot extracted", "resolution", res.Suffix, "index", index, "total", total)
		paths = append(paths, out)
	}
	return paths
}

func (s *ScreenshotService) ffmpegArgs(videoPath string, timeCode float64, res Resolution, out string) []string {
	threads := s.cfg.Threads
	if threads <= 0 {
		threads = 8
	}
	return []string{
		"-accurate_seek",
		"-ss", strconv.FormatFloat(timeCode, 'f', -1, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=-1:%d:flags=lanczos,format=yuv420p", res.Height),
		"-c:v", "libwebp",
		"-quality", "95",
		"-compression_level", "6",
		"-preset", "photo",
		"-color_range", "2",
		"-threads", strconv.Itoa(threads),
		"-y",
		out,
	}
}

func (s *ScreenshotService) uploadArchive(ctx context.Context, highRes []string, workspace, baseKey string) {
	if len(highRes) == 0 {
		s.logger.Error("no high resolution screenshots for archive")
		return
	}

	zipPath := filepath.Join(workspace, ScreenshotZipFile)
	count, err := s.zip.CreateArchive(highRes, zipPath)
	if err != nil {
		s.logger.Error("failed to create screenshot archive", "error", err)
		return
	}

	key := ObjectKey(baseKey, ScreenshotZipFile)
	metadata := map[string]string{
		"content-type":     "application/zip",
		"screenshot-count": strconv.Itoa(count),
	}
	if _, ok := s.transfer.UploadFile(ctx, zipPath, key, metadata); ok {
		s.logger.Info("uploaded screenshot archive", "key", key)
	}
}

func resolutionDir(base string, res Resolution) string {
	return filepath.Join(base, ScreenshotDir+"-"+res.Suffix)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
