package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	precache "github.com/always-cache/precache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		configFile  string
		origin      string
		addr        string
		host        string
		port        int
		db          string
		cacheName   string
		manifest    []string
		metricsAddr string
		trace       bool
		logFile     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		Long:  "Install the manifest from the origin, activate, and proxy requests cache-first",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(configFile, nil)
			if err != nil {
				return err
			}

			// flags override the config file and environment
			flags := cmd.Flags()
			if flags.Changed("origin") {
				config.Origin = origin
			} else if flags.Changed("addr") {
				config.Origin = "https://" + addr
			}
			if flags.Changed("host") {
				config.Host = host
			}
			if flags.Changed("port") {
				config.Port = port
			}
			if flags.Changed("db") {
				if db == "memory" {
					config.Store.Provider = "memory"
				} else {
					config.Store.Provider = "sqlite"
					config.Store.DSN = db
				}
			}
			if flags.Changed("cache-name") {
				config.CacheName = cacheName
			}
			if flags.Changed("manifest") {
				config.Manifest = manifest
			}
			if flags.Changed("metrics-addr") {
				config.MetricsAddr = metricsAddr
			}
			if flags.Changed("log-file") {
				config.LogFile = logFile
			}
			if err := config.Validate(); err != nil {
				return err
			}

			logger, logCloser, err := newLogger(config.LogFile, trace)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config, logger)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	cmd.Flags().StringVar(&addr, "addr", "", "Origin IP address to proxy to")
	cmd.Flags().StringVar(&host, "host", "", "Hostname of origin")
	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	cmd.Flags().StringVar(&db, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory cache)")
	cmd.Flags().StringVar(&cacheName, "cache-name", "", "Cache name (changing it starts a new cache)")
	cmd.Flags().StringSliceVar(&manifest, "manifest", nil, "Resources to precache")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics and /healthz (disabled if empty)")
	cmd.Flags().BoolVar(&trace, "vv", false, "Verbosity: trace logging")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Log file to use (in addition to stdout)")

	return cmd
}

// serve runs the proxy until ctx is done.
func serve(ctx context.Context, config Config, logger zerolog.Logger) error {
	provider, err := openProvider(config.Store)
	if err != nil {
		return err
	}
	defer provider.Close()

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	worker, err := precache.New(precache.Config{
		CacheName:   config.CacheName,
		Manifest:    config.Manifest,
		Provider:    provider,
		Fetcher:     precache.NewOriginFetcher(*originURL, config.Host),
		Scope:       originURL,
		Concurrency: config.Concurrency,
		Logger:      &logger,
		Registerer:  reg,
	})
	if err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: proxyRouter(worker, logger),
	}}
	if config.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:    config.MetricsAddr,
			Handler: adminRouter(worker, reg),
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	logger.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originURL.String(), config.Host)

	go startWorker(ctx, worker, config.InstallRetry, logger)

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error().Err(serr).Str("addr", srv.Addr).Msg("Could not shut down server")
		}
	}
	return err
}

// startWorker installs the worker, retrying until it succeeds or ctx is done,
// and then activates it. Requests are proxied untouched until then.
func startWorker(ctx context.Context, worker *precache.Worker, retry time.Duration, logger zerolog.Logger) {
	for {
		err := worker.Install(ctx)
		if err == nil {
			break
		}
		if retry <= 0 {
			logger.Error().Err(err).Msg("Install failed, not retrying")
			return
		}
		logger.Warn().Err(err).Dur("retry", retry).Msg("Install failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
	if err := worker.Activate(ctx); err != nil {
		logger.Error().Err(err).Msg("Activation failed")
	}
}

// proxyRouter puts the request logger in front of the worker.
func proxyRouter(worker http.Handler, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Handle("/*", worker)
	return r
}

type stater interface {
	State() precache.State
}

// adminRouter serves metrics and a health check that passes once the worker is activated.
func adminRouter(worker stater, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := worker.State()
		if state != precache.StateActivated {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, state)
	})
	return r
}
