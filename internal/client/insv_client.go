package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bimefy/slam-worker/internal/config"
	"github.com/bimefy/slam-worker/internal/model"
)

const secretHeader = "x-insv-meta-secret"

// InsvClient pushes processing status and metadata to every configured
// backend server. Failures are logged per server and never returned to the
// pipeline.
type InsvClient struct {
	httpClient *http.Client
	serverURLs []string
	secret     string
	logger     *slog.Logger
}

// StatusRequest is the body of a status push
type StatusRequest struct {
	ObjectKey string                 `json:"object_key"`
	Status    model.ProcessingStatus `json:"status"`
}

// MetadataRequest is the body of a metadata push
type MetadataRequest struct {
	ObjectKey    string `json:"object_key"`
	Size         int64  `json:"size"`
	Path         string `json:"path"`
	KeyframeData any    `json:"keyframeData,omitempty"`
}

// NewInsvClient creates a new status/metadata client
func NewInsvClient(cfg *config.InsvConfig, logger *slog.Logger) *InsvClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InsvClient{
		httpClient: &http.Client{Timeout: timeout},
		serverURLs: cfg.ServerURLs,
		secret:     cfg.Secret,
		logger:     logger.With("component", "insv_client"),
	}
}

// UpdateStatus posts the status of objectKey to every server
func (c *InsvClient) UpdateStatus(ctx context.Context, objectKey string, status model.ProcessingStatus) {
	if !c.IsConfigured() {
		c.logger.Warn("BIMEFY_SERVER_URL or INSV_META_SECRET is not set, skipping status request", "object_key", objectKey)
		return
	}

	if !status.IsValid() {
		c.logger.Error("refusing to push unknown status", "object_key", objectKey, "status", status)
		return
	}

	body := StatusRequest{ObjectKey: objectKey, Status: status}
	for _, serverURL := range c.serverURLs {
		if err := c.post(ctx, serverURL+"/api/insv/status", body); err != nil {
			c.logger.Error("failed to update processing status",
				"object_key", objectKey, "server", serverURL, "status", status, "error", err)
			continue
		}
		c.logger.Info("processing status updated", "object_key", objectKey, "server", serverURL, "status", status)
	}
}

// UpdateMetadata posts the source size and normalized keyframe data of
// objectKey. A transport failure to a server also reports the job as failed.
func (c *InsvClient) UpdateMetadata(ctx context.Context, objectKey string, size int64, keyframeData any) {
	if !c.IsConfigured() {
		c.logger.Warn("BIMEFY_SERVER_URL or INSV_META_SECRET is not set, skipping metadata request", "object_key", objectKey)
		return
	}

	body := MetadataRequest{
		ObjectKey:    objectKey,
		Size:         size,
		Path:         MetadataPath(objectKey),
		KeyframeData: keyframeData,
	}
	for _, serverURL := range c.serverURLs {
		err := c.post(ctx, serverURL+"/api/insv/meta", body)
		if err == nil {
			c.logger.Info("metadata updated", "object_key", objectKey, "server", serverURL)
			continue
		}
		c.logger.Error("failed to update metadata", "object_key", objectKey, "server", serverURL, "error", err)

		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			c.UpdateStatus(ctx, objectKey, model.StatusFailed)
		}
	}
}

// IsConfigured returns true if at least one server and the secret are set
func (c *InsvClient) IsConfigured() bool {
	return len(c.serverURLs) > 0 && c.secret != ""
}

// MetadataPath returns the recording path the backend indexes metadata by:
// the part of the key before "/raw/", or the whole key.
func MetadataPath(objectKey string) string {
	path, _, _ := strings.Cut(objectKey, "/raw/")
	return path
}

// StatusError is a non-2xx reply from a backend server
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.Code, e.Body)
}

func (c *InsvClient) post(ctx context.Context, url string, body interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
