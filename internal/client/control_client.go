package client

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Terminator asks the companion process-control endpoint to stop the SLAM run
type Terminator interface {
	Terminate(ctx context.Context) error
}

// ControlClient implements Terminator with a loopback HTTP GET
type ControlClient struct {
	httpClient *http.Client
	url        string
}

// NewControlClient creates a companion control client
func NewControlClient(url string) *ControlClient {
	return &ControlClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		url:        url,
	}
}

// Terminate requests termination. Any transport error or non-2xx status is
// returned so the caller can fall back to killing the child itself.
func (c *ControlClient) Terminate(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("termination endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("termination request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("termination endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
