package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bimefy/slam-worker/internal/logging"
	"github.com/bimefy/slam-worker/internal/middleware"
	"github.com/bimefy/slam-worker/internal/model"
	"github.com/bimefy/slam-worker/internal/retry"
	ws "github.com/bimefy/slam-worker/internal/websocket"
	"github.com/bimefy/slam-worker/pkg/response"
)

type testAdmin struct {
	app    *fiber.App
	ledger *retry.FileLedger
	auth   *middleware.AuthMiddleware
}

func newTestAdmin(t *testing.T, secret string) *testAdmin {
	t.Helper()
	ledger := retry.NewFileLedger(filepath.Join(t.TempDir(), "retry.json"), 3, logging.Discard())
	auth := middleware.NewAuthMiddleware(secret)
	app := NewAdminApp(AdminDeps{
		Ledger:  ledger,
		Hub:     ws.NewHub(logging.Discard()),
		Auth:    auth,
		Running: func() bool { return true },
	})
	return &testAdmin{app: app, ledger: ledger, auth: auth}
}

func (a *testAdmin) get(t *testing.T, target, token string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s: %v", target, err)
	}
	defer resp.Body.Close()

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", target, err)
	}
	return resp, body
}

func TestHealth(t *testing.T) {
	a := newTestAdmin(t, "secret")

	resp, body := a.get(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" || health["worker_running"] != true {
		t.Errorf("unexpected body %s", body)
	}
}

func TestRetryStatsAndRecord(t *testing.T) {
	a := newTestAdmin(t, "")
	ctx := context.Background()
	a.ledger.IncrementRetryCount(ctx, "site/raw/my video.mp4")
	a.ledger.IncrementRetryCount(ctx, "site/raw/my video.mp4")
	a.ledger.IncrementRetryCount(ctx, "other.mp4")

	resp, body := a.get(t, "/api/retries/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var stats model.RetryStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalFiles != 2 || stats.FilesByRetryCount[1] != 1 || stats.FilesByRetryCount[2] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	resp, body = a.get(t, "/api/retries/site/raw/my%20video.mp4", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var record model.RetryRecord
	if err := json.Unmarshal(body, &record); err != nil {
		t.Fatal(err)
	}
	if record.ObjectKey != "site/raw/my video.mp4" || record.RetryCount != 2 {
		t.Errorf("unexpected record %+v", record)
	}
}

func TestRetryRecordNotFound(t *testing.T) {
	a := newTestAdmin(t, "")

	resp, body := a.get(t, "/api/retries/missing.mp4", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var errResp response.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.Code != response.CodeNotFound {
		t.Errorf("unexpected error code %q", errResp.Error.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	a := newTestAdmin(t, "secret")

	resp, _ := a.get(t, "/api/retries/stats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, _ = a.get(t, "/api/retries/stats", "garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for malformed token, got %d", resp.StatusCode)
	}

	token, err := a.auth.GenerateToken("ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = a.get(t, "/api/retries/stats", token)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", resp.StatusCode)
	}

	resp, _ = a.get(t, "/api/retries/stats?token="+token, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with query token, got %d", resp.StatusCode)
	}

	expired, err := a.auth.GenerateToken("ops", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = a.get(t, "/api/retries/stats", expired)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired token, got %d", resp.StatusCode)
	}

	viewer := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.AdminClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "slam-worker",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	viewerToken, err := viewer.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = a.get(t, "/api/retries/stats", viewerToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for non admin role, got %d", resp.StatusCode)
	}
}

func TestUnhandledErrorUsesEnvelope(t *testing.T) {
	a := newTestAdmin(t, "")
	a.app.Get("/boom", func(c *fiber.Ctx) error {
		panic("ledger exploded")
	})

	resp, body := a.get(t, "/boom", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var errResp response.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.Code != response.CodeServiceError || errResp.Error.Message != "Internal Server Error" {
		t.Errorf("unexpected error %+v", errResp.Error)
	}
}

func TestJobEventsRequiresUpgrade(t *testing.T) {
	a := newTestAdmin(t, "")

	resp, body := a.get(t, "/ws/jobs/site/raw/video.mp4", "")
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
	var errResp response.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.Code != response.CodeServiceError {
		t.Errorf("unexpected error code %q", errResp.Error.Code)
	}
}
