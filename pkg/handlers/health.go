package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/config"
	"github.com/ekaya-inc/ekaya-streams/pkg/services"
)

// RunStatusSource exposes the state of the stabilization runs.
type RunStatusSource interface {
	Snapshot() []services.RunStatus
	Healthy() bool
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Runs []services.RunStatus `json:"runs"`
}

// HealthHandler handles health check, ping and run status endpoints.
type HealthHandler struct {
	cfg    *config.Config
	runs   RunStatusSource
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. runs may be nil.
func NewHealthHandler(cfg *config.Config, runs RunStatusSource, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, runs: runs, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	mux.HandleFunc("GET /status", h.Status)
}

// Health handles GET /health requests.
// Returns 503 once any stabilization run has failed.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if h.runs != nil && !h.runs.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if err := WriteJSON(w, code, HealthResponse{Status: status}); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		if err := ErrorResponse(w, http.StatusInternalServerError, "hostname_unavailable", "failed to get hostname"); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "ekaya-streams",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

// Status handles GET /status requests with one entry per base entity.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{Runs: []services.RunStatus{}}
	if h.runs != nil {
		response.Runs = h.runs.Snapshot()
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode status response", zap.Error(err))
	}
}
