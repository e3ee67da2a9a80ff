// Command pushd runs the server side of the push system: the push API
// the application clients talk to, and the relay that delivers payloads
// to subscribed devices.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/veloxchat/pushkit/internal/config"
	"github.com/veloxchat/pushkit/internal/metrics"
	"github.com/veloxchat/pushkit/internal/pushapi"
	"github.com/veloxchat/pushkit/internal/pushapi/pgstore"
	"github.com/veloxchat/pushkit/internal/relay"
	"github.com/veloxchat/pushkit/internal/store"
)

func main() {
	cfg, err := config.Load("pushd", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting pushd",
		"http_port", cfg.HTTPPort,
		"public_url", cfg.PublicURL,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Registry and delivery log: PostgreSQL when a DSN is configured,
	// otherwise SQLite in the data directory.
	var (
		registry    pushapi.SubscriptionRegistry
		deliveryLog relay.DeliveryLogger
		counter     metrics.SubscriptionCounter
	)
	if cfg.PostgresDSN != "" {
		pg, err := pgstore.New(cfg.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgresql store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		registry = pg
		deliveryLog = pg
		counter = pg
	} else {
		db, err := store.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		reg := store.NewRegistry(db)
		registry = reg
		deliveryLog = store.NewDeliveryLog(db)
		counter = reg
	}

	keys, err := pushapi.LoadOrGenerateKeys(cfg.DataDir)
	if err != nil {
		slog.Error("failed to load notification keys", "error", err)
		os.Exit(1)
	}

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// Forwarding sinks for channels on mobile transports. Both are
	// optional; local long-poll channels always work.
	sinks := make(map[string]relay.Sink)
	if cfg.FCMCredentials != "" {
		fcm, err := relay.NewFCMSink(context.Background(), cfg.FCMCredentials)
		if err != nil {
			slog.Error("failed to initialise fcm sink", "error", err)
			os.Exit(1)
		}
		sinks[relay.PlatformFCM] = fcm
	}
	if cfg.APNsEnabled() {
		apns, err := relay.NewAPNsSink(relay.APNsConfig{
			KeyFile:  cfg.APNsKeyFile,
			KeyID:    cfg.APNsKeyID,
			TeamID:   cfg.APNsTeamID,
			BundleID: cfg.APNsBundleID,
			Sandbox:  cfg.APNsSandbox,
		})
		if err != nil {
			slog.Error("failed to initialise apns sink", "error", err)
			os.Exit(1)
		}
		sinks[relay.PlatformAPNs] = apns
	}

	rateLimiter := relay.NewRateLimiter(relay.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	relaySrv := relay.NewServer(cfg.PublicURL, relay.NewSinkMux(sinks), rateLimiter, deliveryLog)
	apiSrv := pushapi.NewServer(registry, keys, secret)

	collector := metrics.NewCollector(counter, relaySrv, time.Now())
	registryProm := prometheus.NewRegistry()
	registryProm.MustRegister(collector)

	// HTTP router with global middleware.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registryProm, promhttp.HandlerOpts{}))
	r.Mount("/api/push", apiSrv)
	r.Mount("/relay", relaySrv)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
		// Long-poll requests hold the connection near the poll window;
		// the write timeout must outlast it.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var acmeManager *autocert.Manager
	if cfg.ACMEDomain != "" {
		acmeManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(filepath.Join(cfg.DataDir, "acme")),
			Email:      cfg.ACMEEmail,
		}
		srv.TLSConfig = &tls.Config{GetCertificate: acmeManager.GetCertificate}
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		switch {
		case acmeManager != nil:
			// Serve the HTTP-01 challenge on :80 alongside the TLS
			// listener.
			go func() {
				if err := http.ListenAndServe(":80", acmeManager.HTTPHandler(nil)); err != nil {
					slog.Error("acme challenge listener error", "error", err)
				}
			}()
			err = srv.ListenAndServeTLS("", "")
		case cfg.TLSCert != "":
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		default:
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("pushd stopped")
}
