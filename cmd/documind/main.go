package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/documind/documind/internal/api"
	"github.com/documind/documind/internal/config"
	"github.com/documind/documind/internal/events"
	"github.com/documind/documind/internal/logging"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/processing"
	"github.com/documind/documind/internal/tracker"
)

const (
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.UploadDir(), cfg.WorkDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting documind",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
	)

	// Records do not survive a restart, so files staged by a previous run
	// can never be picked up again.
	if n := removeStale(cfg.UploadDir(), cfg.WorkDir()); n > 0 {
		logger.Info("removed stale files from previous run", "count", n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	hub := events.NewHub(events.DefaultBuffer)
	regOpts := []tracker.Option{
		tracker.WithRetention(cfg.Retention()),
		tracker.WithCapacity(cfg.Capacity()),
		tracker.WithObserver(hub),
		tracker.WithLogger(logging.WithComponent(logger, "registry")),
	}
	if b.publisher != nil {
		regOpts = append(regOpts, tracker.WithObserver(b.publisher))
	}
	registry := tracker.NewRegistry(regOpts...)

	// Jobs outlive the signal context: they are cancelled only after the
	// HTTP server has stopped accepting uploads.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	t := cfg.StageTimeouts()
	runner, err := processing.NewRunner(jobsCtx, registry, b.collaborators(), processing.Config{
		Timeouts: processing.Timeouts{
			Validate:  t.Validate,
			Detect:    t.Detect,
			Extract:   t.Extract,
			Summarize: t.Summarize,
			Finalize:  t.Finalize,
		},
		MaxConcurrent: cfg.MaxConcurrent(),
		WorkDir:       cfg.WorkDir(),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create stage driver: %w", err)
	}

	server := api.NewServer(api.ServerConfig{
		Addr:           net.JoinHostPort("", strconv.Itoa(cfg.Port())),
		Registry:       registry,
		Runner:         runner,
		Load:           runner,
		Hub:            hub,
		Store:          b.store,
		StorePing:      b.storePing,
		Answerer:       b.summarizer,
		Probe:          b.probe,
		Backends:       b.describe(),
		UploadDir:      cfg.UploadDir(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		AskTimeout:     t.Summarize,
		APIToken:       cfg.APIToken(),
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger,
		StartTime:      startTime,
		Version:        config.Version,
	})

	if cfg.APIToken() != "" {
		logger.Info("bearer token auth enabled", "token", logging.SanitizeToken(cfg.APIToken()))
	} else {
		logger.Warn("bearer token auth disabled", "hint", config.EnvAPIToken)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		return registry.RunJanitor(gctx, cfg.JanitorInterval())
	})

	if b.publisher != nil {
		g.Go(func() error {
			return b.publisher.Run(gctx)
		})
	}

	if b.probe != nil {
		g.Go(func() error {
			return keepProbeFresh(gctx, b.probe, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}

		cancelJobs()
		runner.Wait()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// keepProbeFresh probes the detector at startup and again whenever the
// cached result expires, so /health can report it without blocking.
func keepProbeFresh(ctx context.Context, probe *pipelines.CachedProbe, logger *slog.Logger) error {
	ticker := time.NewTicker(probe.TTL())
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		caps, err := probe.Get(probeCtx)
		cancel()
		if err != nil {
			logger.Warn("detector probe failed", "error", err)
		} else {
			logger.Debug("detector capabilities", "can_crop", caps.CanCrop, "python", caps.Python.Version)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// removeStale empties the given directories and reports how many entries
// were removed.
func removeStale(dirs ...string) int {
	n := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if os.RemoveAll(filepath.Join(dir, e.Name())) == nil {
				n++
			}
		}
	}
	return n
}
