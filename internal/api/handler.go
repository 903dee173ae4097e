package api

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"relay-bridge/internal/bridge"
	"relay-bridge/internal/config"
)

// Handler serves the daemon's observability surface: which streams are being
// bridged right now and whether both relay connections are up.
type Handler struct {
	cfg     *config.Config
	bridges *bridge.ActiveBridges
	home    *bridge.Supervisor
	remote  *bridge.Supervisor
	tracer  trace.Tracer
}

func NewHandler(cfg *config.Config, bridges *bridge.ActiveBridges, home, remote *bridge.Supervisor) *Handler {
	return &Handler{
		cfg:     cfg,
		bridges: bridges,
		home:    home,
		remote:  remote,
		tracer:  otel.Tracer("http-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/bridges", h.handleBridges)
	mux.HandleFunc("/healthz", h.handleHealth)
}

type BridgesResponse struct {
	Active []string `json:"active"`
	Count  int      `json:"count"`
}

func (h *Handler) handleBridges(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.Bridges", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	active := h.bridges.Snapshot()
	h.respondJSON(w, BridgesResponse{Active: active, Count: len(active)})
}

type HealthResponse struct {
	HomeConnected   bool   `json:"home_connected"`
	RemoteConnected bool   `json:"remote_connected"`
	BridgeOrigin    string `json:"bridge_origin"`
	PollIntervalSec int    `json:"poll_interval_sec"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "http.Health", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.respondJSON(w, HealthResponse{
		HomeConnected:   h.home.Connected(),
		RemoteConnected: h.remote.Connected(),
		BridgeOrigin:    h.cfg.BridgeOrigin,
		PollIntervalSec: h.cfg.PollIntervalSec,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
