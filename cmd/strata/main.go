// Package main implements the unified strata binary: ingestion, lifecycle,
// query federation, and rollup caching in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/stratadb/strata/internal/app"
	"github.com/stratadb/strata/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		storageType string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&storageType, "storage-type", "", "Cold storage type: local, s3")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Strata - Tiered Data Lifecycle Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: strata [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  strata --data-dir /data/strata\n")
		fmt.Fprintf(os.Stderr, "  strata --config /etc/strata/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  strata --storage-type s3 --data-dir /data/strata\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  STRATA_DATA_DIR         Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  STRATA_HTTP_ADDR        HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  STRATA_STORAGE_TYPE     Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_S3_BUCKET        S3 bucket for cold storage\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("strata version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, httpAddr, storageType)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers file, environment, then flags, highest priority last.
func loadConfig(configFile, dataDir, httpAddr, storageType string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}

	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("Strata - Tiered Data Lifecycle Engine")
	log.Printf("Configuration:")
	log.Printf("  Data Dir:  %s", cfg.DataDir)
	log.Printf("  HTTP:      %s", cfg.HTTP.Addr)
	log.Printf("  Storage:   %s", cfg.Storage.Type)
	log.Printf("  Lifecycle: tick=%v age=%v archivals=%d",
		cfg.Lifecycle.TickInterval, cfg.Lifecycle.AgeThreshold, cfg.Lifecycle.MaxConcurrentArchivals)
	log.Printf("  Rollup:    mode=%s staleness=%v", cfg.Rollup.RefreshMode, cfg.Rollup.StalenessBound)
}
