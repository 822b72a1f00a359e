package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"depot/internal/config"
	"depot/internal/depot"
	"depot/internal/server"
)

func Run(ctx context.Context) error {

	configPath := flag.String("config", "", "path to the YAML configuration file")
	listen := flag.String("listen", "", "HTTP listen address, overriding the configuration file")
	root := flag.String("root", ".", "directory relative cache paths resolve under")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}

	handler := log.NewWithOptions(out, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Resolve the root so cache paths in logs are absolute.
	absRoot, err := filepath.Abs(*root)
	if err != nil {
		return fmt.Errorf("failed to resolve root directory: %w", err)
	}

	engine, cleanup, err := config.BuildEngine(cfg, absRoot)
	if err != nil {
		return fmt.Errorf("failed to build the storage backend: %w", err)
	}

	mirrors, err := config.BuildMirrors(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build mirrors: %w", err)
	}
	if len(mirrors) > 0 {
		names := lo.Map(mirrors, func(m depot.Replicator, _ int) string { return m.Name() })
		slog.Info("Mirrors configured", "targets", names)
	}

	var opts []depot.CacheOption
	if cfg.Cache.HighReliability {
		opts = append(opts,
			depot.WithHighReliability(cfg.Cache.HighReliabilityOptions.ReliabilityThreshold),
			depot.WithMirrors(mirrors...),
		)
	}

	cache := depot.NewCache(engine, opts...)
	if err := cache.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize the cache: %w", err)
	}
	defer func() {
		if err := cache.Shutdown(context.Background()); err != nil {
			slog.Error("Cache shutdown", "error", err)
		}
	}()

	maxAge, err := cfg.MaxAge()
	if err != nil {
		return fmt.Errorf("failed to parse transaction_max_age: %w", err)
	}

	srv, err := server.NewServer(server.Config{
		Cache:             cache,
		Auth:              config.BuildAuth(cfg),
		Cleanup:           cleanup,
		TransactionMaxAge: maxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create depot server: %w", err)
	}
	defer srv.Close(context.Background())

	// No read or write timeouts: artifact uploads and downloads may stream
	// for longer than any fixed bound.
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := srv.ExpireStaleTransactions(ctx); n > 0 {
					slog.Debug("Transaction janitor pass", "reaped", n)
				}
			}
		}
	})

	eg.Go(func() error {
		slog.Info("Starting Depot HTTP server", "listen", cfg.Listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Depot started", "module", cfg.Cache.Module, "high_reliability", cfg.Cache.HighReliability)
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Depot exited with error", "error", err)
		os.Exit(1)
	}
}
