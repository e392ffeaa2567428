package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/bridge"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/config"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/metrics"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/registry"
)

func newTestServer(t *testing.T, draining func() bool) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("test")
	cfg := config.Config{
		UpstreamURL:              "ws://127.0.0.1:1/unused",
		StartupQueueLimit:        16,
		MaxFrameBytes:            1 << 20,
		UpstreamHandshakeTimeout: time.Second,
		WSWriteTimeout:           time.Second,
		WSPingInterval:           time.Minute,
		SessionTTL:               time.Hour,
	}
	b := bridge.NewHandler(cfg, nil, registry.New(cfg.SessionTTL), m, logger)
	srv := httptest.NewServer(New(Deps{
		Bridge:   b,
		Metrics:  m,
		Logger:   logger,
		Draining: draining,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, path := range []string{"/health", "/api/health"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", path, resp.StatusCode)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		resp.Body.Close()
		if body["status"] != "OK" || body["service"] != "lingzhi-relay" {
			t.Fatalf("%s: body = %v", path, body)
		}
		if _, ok := body["timestamp"].(string); !ok {
			t.Fatalf("%s: missing timestamp", path)
		}
	}
}

func TestHealthFailsWhileDraining(t *testing.T) {
	srv := newTestServer(t, func() bool { return true })
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID should be set")
	}
}
