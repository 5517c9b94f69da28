// Package app provides the unified application lifecycle management for the
// Strata engine.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/alert"
	httpapi "github.com/stratadb/strata/internal/api/http"
	"github.com/stratadb/strata/internal/archive"
	"github.com/stratadb/strata/internal/config"
	"github.com/stratadb/strata/internal/hot"
	"github.com/stratadb/strata/internal/ingest"
	"github.com/stratadb/strata/internal/lifecycle"
	"github.com/stratadb/strata/internal/notify"
	"github.com/stratadb/strata/internal/observability"
	"github.com/stratadb/strata/internal/query"
	"github.com/stratadb/strata/internal/registry"
	"github.com/stratadb/strata/internal/rollup"
	"github.com/stratadb/strata/internal/server"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/pkg/types"
)

// App owns every Strata component and their lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	registry *registry.SQLiteRegistry
	hot      *hot.Store
	storage  storage.ObjectStorage
	hub      *notify.Hub
	alerts   *alert.ChannelNotifier
	shutdown *server.ShutdownManager

	// Pipeline components
	writer     *ingest.PartitionWriter
	loader     *ingest.Loader
	stream     *ingest.StreamBuffer
	pipeline   *archive.Pipeline
	controller *lifecycle.Controller
	router     *query.Router
	rollup     *rollup.Cache

	httpServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start initializes all components and begins serving.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initComponents(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	a.startHTTPServer()
	a.startLifecycleLoop(ctx)
	a.stream.Start()

	log.Printf("Strata started, listening on %s", a.cfg.HTTP.Addr)
	return nil
}

func (a *App) initComponents(ctx context.Context) error {
	var err error

	// Cold object storage
	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		}
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Storage initialized: type=%s", a.cfg.Storage.Type)

	// Partition registry
	a.registry, err = registry.NewRegistry(a.cfg.RegistryPath())
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	log.Printf("Registry initialized: %s", a.cfg.RegistryPath())

	// Hot tier
	a.hot, err = hot.NewStore(a.cfg.Ingest.HotDir)
	if err != nil {
		return fmt.Errorf("failed to initialize hot store: %w", err)
	}

	// Notifications and alerts
	a.hub = notify.NewHub(256)
	a.alerts = alert.NewChannelNotifier(256)
	notifier := alert.NewMultiNotifier(alert.NewLogNotifier(), a.alerts)

	// Ingestion
	thresholds := ingest.Thresholds{
		MaxRows:  a.cfg.Lifecycle.RowThreshold,
		MaxBytes: a.cfg.Lifecycle.SizeThreshold,
	}
	a.writer = ingest.NewPartitionWriter(a.registry, a.hot, thresholds).WithHub(a.hub)
	a.loader = ingest.NewLoader(a.registry, a.writer, a.cfg.Ingest.BatchSubBatchSize)
	a.stream = ingest.NewStreamBuffer(ingest.StreamConfig{
		QueueCapacity:  a.cfg.Ingest.StreamingQueueCapacity,
		OverflowPolicy: a.cfg.Ingest.StreamingMode,
		DrainBatchSize: a.cfg.Ingest.DrainBatchSize,
	}, a.registry, a.writer)

	// Archival and lifecycle
	workDir := filepath.Join(a.cfg.DataDir, "archive")
	a.pipeline = archive.NewPipeline(a.registry, a.hot, a.storage, notifier, workDir)
	a.controller = lifecycle.NewController(lifecycle.Config{
		AgeThreshold:           a.cfg.Lifecycle.AgeThreshold,
		MaxConcurrentArchivals: int64(a.cfg.Lifecycle.MaxConcurrentArchivals),
		RetentionAfterRetire:   a.cfg.Lifecycle.RetentionAfterRetire,
	}, a.registry, a.hot, a.pipeline)

	// Query federation
	cache, err := query.NewDownloadCache(a.cfg.Query.DownloadDir, a.cfg.Query.MaxCacheBytes, a.storage)
	if err != nil {
		return fmt.Errorf("failed to initialize download cache: %w", err)
	}
	a.router = query.NewRouter(a.registry, a.hot, cache, a.cfg.Query.Concurrency, a.cfg.Query.SubQueryTimeout)

	// Rollup cache
	a.rollup = rollup.NewCache(rollup.Config{
		StalenessBound: a.cfg.Rollup.StalenessBound,
		Mode:           a.cfg.Rollup.RefreshMode,
	}, a.registry, a.router, a.hub)

	a.registerPartitionGauges()

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	return nil
}

// registerPartitionGauges exposes per-state partition counts. Gauges are
// evaluated at scrape time, so they use a background context rather than
// the app's cancelable one.
func (a *App) registerPartitionGauges() {
	for _, state := range []types.PartitionState{
		types.StateOpen, types.StateSealed, types.StateArchiving, types.StateCold, types.StateRetired,
	} {
		state := state
		observability.PartitionGauge(string(state), func() float64 {
			n, err := a.registry.CountInState(context.Background(), state)
			if err != nil {
				return 0
			}
			return float64(n)
		})
	}
}

func (a *App) startHTTPServer() {
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)

	mux.Handle("/v1/batch", middleware(httpapi.NewBatchHandler(a.loader)))
	mux.Handle("/v1/events", middleware(httpapi.NewEventHandler(a.stream)))
	mux.Handle("/v1/query", middleware(httpapi.NewQueryHandler(a.router)))
	mux.Handle("/v1/rollup", middleware(httpapi.NewRollupHandler(a.rollup)))
	mux.Handle("/v1/tick", middleware(httpapi.NewTickHandler(a.controller)))
	mux.Handle("/v1/partitions", middleware(httpapi.NewPartitionsHandler(a.registry, a.pipeline)))
	mux.Handle("/v1/partitions/", middleware(httpapi.NewPartitionsHandler(a.registry, a.pipeline)))
	mux.Handle("/v1/alerts", middleware(httpapi.NewAlertsHandler(a.alerts)))
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", a.healthHandler())

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
}

func (a *App) startLifecycleLoop(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.controller.Run(ctx, a.cfg.Lifecycle.TickInterval)
	}()
	log.Printf("Lifecycle controller started: interval=%s", a.cfg.Lifecycle.TickInterval)
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	// Flush buffered streaming events before the writer goes away.
	if a.stream != nil {
		a.stream.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	log.Printf("Strata stopped")
	return nil
}

// cleanup releases all shared resources.
func (a *App) cleanup() {
	if a.rollup != nil {
		a.rollup.Close()
	}
	if a.hot != nil {
		a.hot.Close()
	}
	if a.registry != nil {
		a.registry.Close()
	}
}

// healthHandler reports liveness plus a shallow registry probe.
func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := a.registry.CountInState(r.Context(), types.StateOpen); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"healthy","service":"strata"}`)
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
