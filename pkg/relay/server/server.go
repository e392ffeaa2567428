// Package server wires the relay's HTTP surface: health probes, metrics, and
// the WebSocket bridge endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/bridge"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/metrics"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/mw"
)

const serviceName = "lingzhi-relay"

type Deps struct {
	Bridge  *bridge.Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Draining reports whether the process is shutting down; health checks
	// fail during drain so load balancers stop routing new sessions here.
	Draining func() bool
}

// New builds the relay's root handler with the middleware chain applied.
func New(d Deps) http.Handler {
	muxer := http.NewServeMux()

	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Draining != nil && d.Draining() {
			writeHealth(w, http.StatusServiceUnavailable, "DRAINING")
			return
		}
		writeHealth(w, http.StatusOK, "OK")
	})
	// Both paths are probed in production; the bare one by the orchestrator,
	// the /api one by the web app.
	muxer.Handle("GET /health", health)
	muxer.Handle("GET /api/health", health)

	muxer.Handle("GET /metrics", d.Metrics.Handler())
	muxer.Handle("GET /ws", d.Bridge)

	var h http.Handler = muxer
	h = mw.AccessLog(d.Logger, h)
	h = mw.Recover(d.Logger, h)
	h = mw.RequestID(h)
	return h
}

func writeHealth(w http.ResponseWriter, status int, state string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    state,
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
