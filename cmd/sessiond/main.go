package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hirewire/sessiond/pkg/api"
	"github.com/hirewire/sessiond/pkg/async"
	"github.com/hirewire/sessiond/pkg/authority"
	"github.com/hirewire/sessiond/pkg/config"
	"github.com/hirewire/sessiond/pkg/observability"
	"github.com/hirewire/sessiond/pkg/principal"
	"github.com/hirewire/sessiond/pkg/session"
	"github.com/hirewire/sessiond/pkg/store"
)

func main() {
	// Process-level logging before the structured logger exists.
	procLog := logrus.New()
	procLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig()
	if err != nil {
		procLog.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]interface{}{
		"port":        cfg.Server.Port,
		"health_port": cfg.Server.HealthPort,
		"store":       cfg.Store.Type,
	}).Info("starting sessiond")

	ctx := context.Background()

	// OpenTelemetry tracing (optional)
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		procLog.WithError(err).Fatal("failed to initialize OpenTelemetry")
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	kv, err := store.Open(cfg.Store)
	if err != nil {
		procLog.WithError(err).Fatal("failed to open session store")
	}

	newManager := func(kind principal.Kind) *session.Manager {
		client, err := authority.NewClient(authority.Config{
			BaseURL: cfg.Authority.BaseURL,
			Kind:    kind,
			Timeout: cfg.Authority.Timeout,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			procLog.WithError(err).Fatalf("failed to create %s authority client", kind)
		}
		mgr, err := session.NewManager(session.ManagerConfig{
			Kind:           kind,
			Authority:      client,
			Store:          kv,
			RenewInterval:  cfg.Session.RenewInterval,
			RenewThreshold: cfg.Session.RenewThreshold,
			SessionTTL:     cfg.Session.SessionTTL,
			Logger:         logger,
			Metrics:        metrics,
		})
		if err != nil {
			procLog.WithError(err).Fatalf("failed to create %s session manager", kind)
		}
		return mgr
	}

	sessions := session.NewAggregator(
		newManager(principal.KindUser),
		newManager(principal.KindCompany),
	)
	sessions.Bootstrap(ctx)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if fsKV, ok := kv.(*store.FilesystemKV); ok {
		watchStore(watchCtx, fsKV, sessions, logger)
	}

	controlServer := &http.Server{
		Addr: fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewServer(api.Config{
			Sessions:          sessions,
			Logger:            logger,
			ValidateCacheSize: cfg.Session.ValidateCacheSize,
			ValidateCacheTTL:  cfg.Session.ValidateCacheTTL,
		}).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux(sessions, metrics),
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, controlServer, healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancelWatch()
		sessions.Close()
		return kv.Close()
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(otelProviders.Shutdown)
	}

	go func() {
		logger.Infof("control API listening on %s", controlServer.Addr)
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			procLog.WithError(err).Fatal("control API server failed")
		}
	}()
	go func() {
		logger.Infof("health/metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			procLog.WithError(err).Fatal("health server failed")
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		procLog.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

// healthMux serves liveness, readiness, and Prometheus metrics.
func healthMux(sessions *session.Aggregator, metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		// Ready once bootstrap has resolved for both kinds.
		if sessions.IsLoading() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "bootstrapping")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// watchStore follows external mutations of the credential directory. Another
// process purging the keys (a logout elsewhere) triggers a revalidation of
// the affected kind so the daemon's view converges.
func watchStore(ctx context.Context, kv *store.FilesystemKV, sessions *session.Aggregator, logger *observability.Logger) {
	events, err := kv.Watch(ctx)
	if err != nil {
		logger.WithError(err).Warn("store watch unavailable")
		return
	}

	kindForKey := map[string]principal.Kind{
		store.KeysFor(principal.KindUser).Token:    principal.KindUser,
		store.KeysFor(principal.KindCompany).Token: principal.KindCompany,
	}

	go func() {
		for event := range events {
			kind, ok := kindForKey[event.Key]
			if !ok {
				continue
			}
			logger.WithFields(map[string]interface{}{
				"key": event.Key,
				"op":  event.Op,
			}).Info("external store mutation detected")

			mgr := sessions.Manager(kind)
			if event.Op == "remove" && mgr.IsAuthenticated() {
				mgr.Logout(ctx)
				continue
			}
			async.SafeGo(ctx, watchRevalidateTimeout, "watch revalidate", logger,
				func(taskCtx context.Context) error {
					_, err := mgr.Revalidate(taskCtx)
					return err
				})
		}
	}()
}

const watchRevalidateTimeout = 15 * time.Second
