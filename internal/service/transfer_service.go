package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bimefy/slam-worker/internal/client"
	"github.com/bimefy/slam-worker/internal/model"
)

const (
	// DefaultChunkSize is the multipart part size
	DefaultChunkSize int64 = 150 * 1024 * 1024

	downloadBufferSize = 1024 * 1024
	progressInterval   = time.Second
	mb                 = 1024 * 1024
)

var duplicateSlashes = regexp.MustCompile(`/+`)

// TransferService moves files between local disk and the blob store. Its
// operations report failure as a boolean after logging the cause.
type TransferService struct {
	store         client.ObjectStore
	httpClient    *http.Client
	chunkSize     int64
	presignExpiry time.Duration
	logger        *slog.Logger
}

func NewTransferService(store client.ObjectStore, chunkSize int64, presignExpiry time.Duration, logger *slog.Logger) *TransferService {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	return &TransferService{
		store:         store,
		httpClient:    &http.Client{},
		chunkSize:     chunkSize,
		presignExpiry: presignExpiry,
		logger:        logger.With("component", "transfer"),
	}
}

// PartCount is the number of multipart parts for a file of size bytes
func PartCount(size, chunkSize int64) int64 {
	if size <= 0 {
		return 1
	}
	return (size + chunkSize - 1) / chunkSize
}

// Download streams the object at key into localPath through a presigned URL
func (s *TransferService) Download(ctx context.Context, key, localPath string) bool {
	logger := s.logger.With("object_key", key)

	url, err := s.store.GetSignedURL(ctx, key, s.presignExpiry)
	if err != nil {
		logger.Error("failed to generate presigned URL", "error", err)
		return false
	}

	if err := s.download(ctx, url, localPath, logger); err != nil {
		logger.Error("failed to download file", "path", localPath, "error", err)
		_ = os.Remove(localPath)
		return false
	}
	return true
}

func (s *TransferService) download(ctx context.Context, url, localPath string, logger *slog.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	contentLength := resp.ContentLength
	buf := make([]byte, downloadBufferSize)

	var written, sinceLast int64
	start := time.Now()
	lastLog := start

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
			written += int64(n)
			sinceLast += int64(n)

			if elapsed := time.Since(lastLog); elapsed >= progressInterval {
				attrs := []any{
					"speed_mbps", fmt.Sprintf("%.2f", float64(sinceLast)/mb/elapsed.Seconds()),
					"total_mb", written / mb,
				}
				if contentLength > 0 {
					attrs = append(attrs, "percent", written*100/contentLength, "size_mb", contentLength/mb)
				}
				logger.Info("download progress", attrs...)
				sinceLast = 0
				lastLog = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read response: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	total := time.Since(start).Seconds()
	avg := 0.0
	if total > 0 {
		avg = float64(written) / mb / total
	}
	logger.Info("download completed",
		"size_mb", fmt.Sprintf("%.2f", float64(written)/mb),
		"duration", fmt.Sprintf("%.2fs", total),
		"avg_mbps", fmt.Sprintf("%.2f", avg))
	return nil
}

// UploadFile uploads localPath to key as a multipart upload and returns the
// object URL. A failed part fails the whole upload; the session is left for
// the bucket lifecycle policy to collect.
func (s *TransferService) UploadFile(ctx context.Context, localPath, key string, metadata map[string]string) (string, bool) {
	logger := s.logger.With("object_key", key, "file", filepath.Base(localPath))

	url, err := s.upload(ctx, localPath, key, metadata, logger)
	if err != nil {
		logger.Error("upload failed", "error", err)
		return "", false
	}
	return url, true
}

func (s *TransferService) upload(ctx context.Context, localPath, key string, metadata map[string]string, logger *slog.Logger) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	size := info.Size()

	contentType := metadata["content-type"]
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(localPath))
	}

	uploadID, err := s.store.CreateMultipartUpload(ctx, key, contentType, metadata)
	if err != nil {
		return "", err
	}

	numParts := PartCount(size, s.chunkSize)
	logger.Info("starting multipart upload", "size", size, "parts", numParts)

	parts := make([]model.CompletedPart, 0, numParts)
	for i := int64(0); i < numParts; i++ {
		offset := i * s.chunkSize
		length := min(s.chunkSize, size-offset)
		partNumber := int32(i + 1)

		etag, err := s.store.UploadPart(ctx, key, uploadID, partNumber, io.NewSectionReader(f, offset, length), length)
		if err != nil {
			return "", err
		}
		parts = append(parts, model.CompletedPart{PartNumber: partNumber, ETag: etag})

		progress := int64(100)
		if size > 0 {
			progress = (offset + length) * 100 / size
		}
		logger.Debug("uploaded part", "part", partNumber, "parts", numParts, "percent", progress)
	}

	url, err := s.store.CompleteMultipartUpload(ctx, key, uploadID, parts)
	if err != nil {
		return "", err
	}

	logger.Info("upload complete", "size", size)
	return url, nil
}

// UploadDirectory uploads every regular file directly inside dir to
// baseKey/<name>, in name order. It returns the URLs of the files that
// succeeded and reports true only when all of them did.
func (s *TransferService) UploadDirectory(ctx context.Context, dir, baseKey string, metadata map[string]string) ([]string, bool) {
	logger := s.logger.With("dir", dir, "base_key", baseKey)

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("failed to read directory", "error", err)
		return nil, false
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		logger.Warn("no files found in directory")
		return []string{}, true
	}

	logger.Info("uploading directory", "files", len(files))

	urls := make([]string, 0, len(files))
	for i, name := range files {
		fileMetadata := make(map[string]string, len(metadata)+1)
		for k, v := range metadata {
			fileMetadata[k] = v
		}
		fileMetadata["filename"] = name

		key := ObjectKey(baseKey, name)
		url, ok := s.UploadFile(ctx, filepath.Join(dir, name), key, fileMetadata)
		if !ok {
			logger.Warn("failed to upload file", "file", name)
			continue
		}
		urls = append(urls, url)
		logger.Info("uploaded file", "file", name, "index", i+1, "total", len(files))
	}

	if len(urls) < len(files) {
		logger.Warn("partially uploaded directory", "uploaded", len(urls), "total", len(files))
		return urls, false
	}
	logger.Info("uploaded all files in directory", "total", len(files))
	return urls, true
}

// ObjectKey joins key segments with '/', collapsing duplicate slashes and
// dropping a leading one
func ObjectKey(parts ...string) string {
	key := strings.ReplaceAll(strings.Join(parts, "/"), `\`, "/")
	return strings.TrimPrefix(duplicateSlashes.ReplaceAllString(key, "/"), "/")
}

// KeyDir returns the key prefix without the file name
func KeyDir(key string) string {
	dir := path.Dir(key)
	if dir == "." {
		return ""
	}
	return dir
}
