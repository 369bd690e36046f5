package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/metrics"
	"github.com/cuemby/rackpatch/pkg/storage"
	"github.com/cuemby/rackpatch/pkg/types"
)

// Store is the part of the coordination store served over HTTP
type Store interface {
	Ping(ctx context.Context) error
	GetRequest(ctx context.Context, uuid string) (*types.Request, error)
	ListRequests(ctx context.Context, status types.RequestStatus) ([]*types.Request, error)
}

// HealthServer provides the HTTP health, readiness, metrics and request
// status endpoints
type HealthServer struct {
	store   Store
	version string
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewHealthServer creates the HTTP server. store may be nil, in which case
// the process never reports ready.
func NewHealthServer(store Store, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		store:   store,
		version: version,
		mux:     mux,
		logger:  log.WithComponent("api"),
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("GET /requests", hs.listRequestsHandler)
	mux.HandleFunc("GET /requests/{uuid}", hs.getRequestHandler)

	return hs
}

// Start serves on addr until Shutdown is called
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hs.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	err := hs.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// RequestView is the JSON form of a request
type RequestView struct {
	UUID        string     `json:"uuid"`
	Status      string     `json:"status"`
	StatusInfo  string     `json:"status_info,omitempty"`
	ClusterName string     `json:"cluster_name,omitempty"`
	CmdType     string     `json:"cmd_type,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorStr    string     `json:"error_str,omitempty"`
	Data        string     `json:"data,omitempty"`
}

func viewOf(r *types.Request) RequestView {
	return RequestView{
		UUID:        r.UUID,
		Status:      string(r.Status),
		StatusInfo:  r.StatusInfo,
		ClusterName: r.ClusterName,
		CmdType:     r.CmdType,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Error:       r.Error,
		ErrorStr:    r.ErrorStr,
		Data:        r.Data,
	}
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	})
}

// readyHandler implements the /ready endpoint. The store must answer a
// ping and every registered component must be healthy.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.store == nil {
		checks[metrics.ComponentStore] = "not initialized"
		ready = false
		message = "Store not initialized"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := hs.store.Ping(ctx)
		cancel()
		if err != nil {
			checks[metrics.ComponentStore] = "error: " + err.Error()
			ready = false
			message = "Store not reachable"
			metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		} else {
			checks[metrics.ComponentStore] = "ok"
			metrics.UpdateComponent(metrics.ComponentStore, true, "reachable")
		}
	}

	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		if _, ok := checks[name]; !ok {
			checks[name] = state
		}
	}
	if ready && readiness.Status != "ready" {
		ready = false
		message = readiness.Message
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// getRequestHandler implements GET /requests/{uuid}
func (hs *HealthServer) getRequestHandler(w http.ResponseWriter, r *http.Request) {
	if hs.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}
	req, err := hs.store.GetRequest(r.Context(), r.PathValue("uuid"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "request not found", http.StatusNotFound)
		return
	case err != nil:
		hs.logger.Error().Err(err).Msg("Failed to read request")
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

// listRequestsHandler implements GET /requests?status=Pending
func (hs *HealthServer) listRequestsHandler(w http.ResponseWriter, r *http.Request) {
	if hs.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}
	status := types.RequestStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.RequestStatusPending
	}
	switch status {
	case types.RequestStatusPending, types.RequestStatusRunning, types.RequestStatusDone, types.RequestStatusFailed:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	reqs, err := hs.store.ListRequests(r.Context(), status)
	if err != nil {
		hs.logger.Error().Err(err).Msg("Failed to list requests")
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	views := make([]RequestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, viewOf(req))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
