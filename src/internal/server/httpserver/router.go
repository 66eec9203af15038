// Package httpserver provides the HTTP/HTTPS server for TokMesh.
package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/tokmesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/tokmesh-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Cluster backs the slot-table and cluster-stats endpoints.
	Cluster handler.ClusterServer

	// Metrics is the registry scraped by GET /metrics. Defaults to
	// metric.Global() when nil.
	Metrics *metric.Registry

	// Logger for request logging.
	Logger *slog.Logger

	// AdminAllowList is the IP/CIDR allowlist for the slot-table and cluster
	// stats endpoints (empty = no restriction).
	AdminAllowList []string

	// CORSAllowedOrigins is the list of allowed CORS origins (empty = allow all).
	CORSAllowedOrigins []string

	// GlobalRateLimit is the global rate limit per IP (requests/second).
	GlobalRateLimit int

	// EnableAudit enables audit logging for all requests.
	EnableAudit bool
}

// NewRouter creates and configures the HTTP router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	h := handler.New(cfg.Cluster, cfg.Logger)

	mux := http.NewServeMux()

	// Health endpoints - no restriction, no rate limit.
	probeHandler := Chain(h, RequestID(), Recover(cfg.Logger))
	mux.Handle("GET /health", probeHandler)
	mux.Handle("GET /ready", probeHandler)

	// Metrics endpoint, optionally restricted to an operator network. Served
	// directly off the metrics registry rather than through h, since
	// scraping is a telemetry concern, not a cluster-status one.
	metricsRegistry := cfg.Metrics
	if metricsRegistry == nil {
		metricsRegistry = metric.Global()
	}
	metricsMiddlewares := []Middleware{RequestID(), Recover(cfg.Logger)}
	if len(cfg.AdminAllowList) > 0 {
		metricsMiddlewares = append(metricsMiddlewares, NetworkACL(&NetworkACLConfig{
			AllowList: cfg.AdminAllowList,
			Logger:    cfg.Logger,
		}))
	}
	mux.Handle("GET /metrics", Chain(metricsRegistry.Handler(), metricsMiddlewares...))

	// Slot-table and cluster-stats endpoints - same operator-network
	// restriction as metrics, plus CORS/rate-limit/audit like any other API.
	statusMiddlewares := []Middleware{RequestID(), Trace(), Recover(cfg.Logger)}
	if len(cfg.CORSAllowedOrigins) > 0 {
		statusMiddlewares = append(statusMiddlewares, CORS(cfg.CORSAllowedOrigins))
	}
	if len(cfg.AdminAllowList) > 0 {
		statusMiddlewares = append(statusMiddlewares, NetworkACL(&NetworkACLConfig{
			AllowList: cfg.AdminAllowList,
			Logger:    cfg.Logger,
		}))
	}
	if cfg.GlobalRateLimit > 0 {
		statusMiddlewares = append(statusMiddlewares, RateLimit(cfg.GlobalRateLimit))
	}
	if cfg.EnableAudit {
		statusMiddlewares = append(statusMiddlewares, Audit(cfg.Logger))
	}
	statusHandler := Chain(h, statusMiddlewares...)

	mux.Handle("GET /v1/slot-table", statusHandler)
	mux.Handle("GET /v1/cluster/stats", statusHandler)

	return mux
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		GlobalRateLimit: 1000, // 1000 requests/second per IP
		EnableAudit:     true,
	}
}
