package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yndnr/tokmesh-go/internal/server/clusterserver"
)

// ClusterServer is the subset of clusterserver.Server the HTTP handlers need.
// Defined as an interface so handler tests can supply a fake cluster without
// standing up Raft and gossip.
type ClusterServer interface {
	IsLeader() bool
	Leader() (string, string)
	GetShardMap() *clusterserver.ShardMap
	GetStats() clusterserver.Stats
}

// Handler is the main HTTP handler that routes requests to appropriate handlers.
type Handler struct {
	cluster ClusterServer
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a new Handler backed by the given cluster server.
func New(cluster ClusterServer, logger *slog.Logger) *Handler {
	h := &Handler{
		cluster: cluster,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all HTTP routes.
func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /ready", h.handleReady)
	h.mux.HandleFunc("GET /v1/slot-table", h.handleSlotTable)
	h.mux.HandleFunc("GET /v1/cluster/stats", h.handleClusterStats)
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := getRequestID(r)
	response := NewResponse(requestID, data)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := getRequestID(r)
	response := NewErrorResponse(requestID, code, message, nil)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// getRequestID extracts the request ID from the X-Request-ID request header;
// the request context is not consulted.
func getRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return ""
}
