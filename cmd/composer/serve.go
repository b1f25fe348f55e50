package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ddevcap/vllm-composer/admin"
	"github.com/ddevcap/vllm-composer/api"
	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/cache"
	"github.com/ddevcap/vllm-composer/config"
	"github.com/ddevcap/vllm-composer/dispatch"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
	"github.com/ddevcap/vllm-composer/metrics"
	"github.com/ddevcap/vllm-composer/probe"
	"github.com/ddevcap/vllm-composer/scheduler"
	"github.com/ddevcap/vllm-composer/streaming"
)

const (
	metricsCacheTTL   = 500 * time.Millisecond
	modelCacheTTL     = time.Minute
	probeTimeout      = 2 * time.Second
	shutdownTimeout   = 15 * time.Second
	defaultListenPort = ":9000"
)

func newServeCmd() *cobra.Command {
	var (
		configPath  string
		secretsPath string
		listenAddr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the composer's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, secretsPath, listenAddr)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.yml", "path to config.yml")
	cmd.Flags().StringVar(&secretsPath, "secrets", "secrets.yml", "path to secrets.yml")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "override the listen address (default :9000)")

	return cmd
}

func runServe(configPath, secretsPath, listenAddr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	file, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", configPath, err)
	}
	secrets, err := config.LoadSecrets(secretsPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", secretsPath, err)
	}
	settings := file.Settings()
	var level slog.Level
	if err := level.UnmarshalText([]byte(settings.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("composer starting", "log_level", settings.LogLevel, "max_failures", settings.MaxFailures)

	expanded := config.ExpandHosts(file.VLLMHosts)
	sources := make([]fleet.Source, 0, len(expanded))
	urls := make([]string, 0, len(expanded))
	for _, b := range expanded {
		sources = append(sources, fleet.Source{URL: b.URL, AllowedGroups: b.AllowedGroups})
		urls = append(urls, b.URL)
	}

	registry := fleet.NewRegistry(sources)
	breaker := health.NewBreaker(urls, settings.MaxFailures, settings.CooldownPeriod)
	cacheLayer := cache.NewLayer(metricsCacheTTL, modelCacheTTL)
	defer cacheLayer.Stop()

	groupEntries := secrets.GroupTokens()
	authGroups := make([]auth.GroupEntry, 0, len(groupEntries))
	for _, g := range groupEntries {
		authGroups = append(authGroups, auth.GroupEntry{Group: g.Group, Tokens: g.Tokens})
	}
	directory := auth.NewDirectory(authGroups, secrets.AdminGroups)

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)
	breaker.SetOnTrip(func(url string) {
		metricsRegistry.BreakerTrips.WithLabelValues(url).Inc()
	})

	prober := probe.New(cacheLayer, breaker, secrets.VLLMToken, probeTimeout)
	dispatcher := dispatch.New(registry, directory, breaker, cacheLayer, prober, settings.ModelOwner, secrets.VLLMToken)
	streamer := streaming.New(streaming.DefaultTimeouts)

	sched := scheduler.New(registry, prober)
	sched.SetActiveBackendsGauge(breaker, metricsRegistry.ActiveBackends)

	reloader := &admin.Reloader{
		Registry:    registry,
		Directory:   directory,
		Breaker:     breaker,
		ConfigPath:  configPath,
		SecretsPath: secretsPath,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)

	watchErrs := make(chan error, 1)
	go func() {
		if err := reloader.Watch(ctx); err != nil {
			watchErrs <- err
		}
	}()

	router := api.NewRouter(registry, directory, breaker, cacheLayer, dispatcher, streamer, reloader, metricsRegistry)

	addr := listenAddrOr(listenAddr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("composer listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
	case err := <-serveErrs:
		logger.Error("server error", "error", err)
	case err := <-watchErrs:
		logger.Error("config watcher error", "error", err)
	}

	cancel()
	sched.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return err
	}
	logger.Info("composer stopped")
	return nil
}

// listenAddrOr resolves the effective listen address: the CLI flag wins,
// otherwise fall back to the composer's default.
func listenAddrOr(override string) string {
	if override != "" {
		return override
	}
	return defaultListenPort
}
