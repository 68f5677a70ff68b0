package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// TestHealth はロードバランサーが使う GET/HEAD の応答とキャッシュ無効化を検証します。
func TestHealth(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.GET("/healthz", Health)
	r.HEAD("/healthz", Health)

	tests := []struct {
		method   string
		wantBody bool
	}{
		{http.MethodGet, true},
		{http.MethodHead, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, "/healthz", nil))

			if w.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
			}
			if got := w.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("expected Cache-Control 'no-store', got %q", got)
			}
			if !tt.wantBody {
				if w.Body.Len() != 0 {
					t.Errorf("expected empty body, got %d bytes", w.Body.Len())
				}
				return
			}
			var response map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if response["status"] != "ok" {
				t.Errorf("expected status 'ok', got %q", response["status"])
			}
		})
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestReady(t *testing.T) {
	t.Parallel()

	ok := pingerFunc(func(ctx context.Context) error { return nil })
	down := pingerFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name           string
		deps           map[string]Pinger
		expectedStatus int
		expectedChecks map[string]string
	}{
		{"all healthy", map[string]Pinger{"db": ok}, http.StatusOK, map[string]string{"db": "ok"}},
		{"db down", map[string]Pinger{"db": down, "redis": ok}, http.StatusServiceUnavailable, map[string]string{"db": "connection refused", "redis": "ok"}},
		{"no deps", map[string]Pinger{}, http.StatusOK, map[string]string{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := gin.New()
			r.GET("/readyz", Ready(tt.deps, time.Second))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if got := w.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("expected Cache-Control 'no-store', got %q", got)
			}
			var body struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if len(body.Checks) != len(tt.expectedChecks) {
				t.Fatalf("expected %d checks, got %v", len(tt.expectedChecks), body.Checks)
			}
			for k, v := range tt.expectedChecks {
				if body.Checks[k] != v {
					t.Errorf("check %s: expected %q, got %q", k, v, body.Checks[k])
				}
			}
		})
	}
}
