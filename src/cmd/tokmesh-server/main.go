// Package main provides the entry point for tokmesh-server.
//
// tokmesh-server is the core service process for TokMesh, a slot-table
// balancer for a sharded service-registry cluster. It runs the Raft +
// gossip cluster membership, drives rebalancing on membership change, and
// exposes cluster health and status over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/yndnr/tokmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/tokmesh-go/internal/infra/confloader"
	"github.com/yndnr/tokmesh-go/internal/infra/shutdown"
	"github.com/yndnr/tokmesh-go/internal/server/clusterserver"
	"github.com/yndnr/tokmesh-go/internal/server/config"
	"github.com/yndnr/tokmesh-go/internal/server/httpserver"
	"github.com/yndnr/tokmesh-go/internal/server/localserver"
	"github.com/yndnr/tokmesh-go/internal/telemetry/logger"
	"github.com/yndnr/tokmesh-go/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command line flags
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Println(buildinfo.String())
		return nil
	}

	// Load configuration
	cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger
	log, slogLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	log.Info("starting tokmesh-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit,
		"config", *configFile)

	// Metrics registry, shared between the rebalance manager and /metrics.
	metrics := metric.NewRegistry()

	// Build and start the cluster server (Raft + gossip + rebalance manager).
	clusterCfg, err := config.ToClusterConfig(cfg, slogLogger)
	if err != nil {
		return fmt.Errorf("build cluster config: %w", err)
	}
	clusterCfg.Rebalance.Metrics = metrics

	clusterSrv, err := clusterserver.NewServer(clusterCfg)
	if err != nil {
		return fmt.Errorf("create cluster server: %w", err)
	}

	ctx := context.Background()
	if err := clusterSrv.Start(ctx); err != nil {
		return fmt.Errorf("start cluster server: %w", err)
	}

	metrics.Registerer().MustRegister(metric.NewCollector(&clusterStatsAdapter{srv: clusterSrv}))

	// Create HTTP router (health, ready, metrics, slot-table, cluster stats).
	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Cluster:         clusterSrv,
		Metrics:         metrics,
		Logger:          slogLogger,
		GlobalRateLimit: httpserver.DefaultRouterConfig().GlobalRateLimit,
		EnableAudit:     true,
	})

	// Create HTTP server
	httpServer := httpserver.New(cfg.Server.HTTP.Addr, router)

	// Optional local management socket (status/drain), bypassing HTTP
	// entirely for emergency operator access.
	var localSrv *localserver.Server
	if cfg.Server.Local.Path != "" {
		localSrv = localserver.New(cfg.Server.Local.Path, localserver.NewHandler(clusterSrv))
	}

	// Setup graceful shutdown
	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	// Register shutdown hooks (reverse order of startup)
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return httpServer.Shutdown(ctx)
	})

	if localSrv != nil {
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down local management socket")
			return localSrv.Shutdown(ctx)
		})
	}

	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down cluster server")
		return clusterSrv.Stop(ctx)
	})

	// Start HTTP server in goroutine
	go func() {
		log.Info("HTTP server listening", "addr", cfg.Server.HTTP.Addr)

		var err error
		if cfg.Server.HTTP.TLSCertFile != "" && cfg.Server.HTTP.TLSKeyFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.Server.HTTP.TLSCertFile, cfg.Server.HTTP.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	if localSrv != nil {
		go func() {
			log.Info("local management socket listening", "path", cfg.Server.Local.Path)
			if err := localSrv.ListenAndServe(); err != nil {
				log.Error("local management socket error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*config.ServerConfig, error) {
	// Start with defaults
	cfg := config.Default()

	// Create loader with optional config file
	opts := []confloader.Option{}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}

	loader := confloader.NewLoader(opts...)

	// Load and unmarshal
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// initLogger initializes the structured logger.
// Returns both the logger interface and slog.Logger for components that need it.
func initLogger(cfg *config.ServerConfig) (logger.Logger, *slog.Logger, error) {
	// Create logger with redaction
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return nil, nil, err
	}

	// Set as default logger
	logger.SetDefault(log)

	// Create a standard slog.Logger for components that need it
	slogLogger := slog.Default()

	return log, slogLogger, nil
}

// clusterStatsAdapter adapts clusterserver.Server to metric.StatsProvider.
type clusterStatsAdapter struct {
	srv *clusterserver.Server
}

func (a *clusterStatsAdapter) ClusterNodeCount() int {
	return a.srv.GetStats().MemberCount
}

func (a *clusterStatsAdapter) SlotTableEpoch() uint64 {
	return a.srv.GetStats().ShardMapStats.Epoch
}

func (a *clusterStatsAdapter) ShardsAssigned() int {
	return a.srv.GetStats().ShardMapStats.AssignedShards
}
