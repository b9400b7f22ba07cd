package service

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// ZipService packages files into a deflate-compressed archive
type ZipService struct {
	logger *slog.Logger
}

func NewZipService(logger *slog.Logger) *ZipService {
	return &ZipService{logger: logger.With("component", "zip")}
}

// CreateArchive writes the readable, non-empty files among files to
// outputPath, naming entries 1<ext>, 2<ext>, ... in order. It returns the
// number of entries written and fails when there is nothing to archive.
func (s *ZipService) CreateArchive(files []string, outputPath string) (int, error) {
	var valid []string
	for _, f := range files {
		if s.isValidFile(f) {
			valid = append(valid, f)
		}
	}
	if len(valid) == 0 {
		return 0, fmt.Errorf("no valid files to add to archive")
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for i, f := range valid {
		name := fmt.Sprintf("%d%s", i+1, filepath.Ext(f))
		if err := addFile(zw, f, name); err != nil {
			zw.Close()
			return 0, err
		}
		s.logger.Debug("added file to archive", "file", f, "entry", name)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}

	s.logger.Info("archive created", "path", outputPath, "entries", len(valid))
	return len(valid), nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *ZipService) isValidFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Warn("file does not exist", "file", path)
		return false
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		s.logger.Warn("file is empty or not a regular file", "file", path)
		return false
	}
	return true
}
