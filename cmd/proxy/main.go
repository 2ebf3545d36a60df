package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crohr/smart-git-proxy/internal/cloudmap"
	"github.com/crohr/smart-git-proxy/internal/config"
	"github.com/crohr/smart-git-proxy/internal/gitdriver"
	"github.com/crohr/smart-git-proxy/internal/logging"
	"github.com/crohr/smart-git-proxy/internal/metrics"
	"github.com/crohr/smart-git-proxy/internal/packcache"
	"github.com/crohr/smart-git-proxy/internal/registry"
	"github.com/crohr/smart-git-proxy/internal/route53"
	"github.com/crohr/smart-git-proxy/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	driver, err := gitdriver.New(logger)
	if err != nil {
		logger.Error("git driver init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	version, err := driver.Version(startupCtx)
	startupCancel()
	if err != nil {
		logger.Error("could not determine git version", "err", err)
		os.Exit(1)
	}
	logger.Info("git version detected", "version", version.String())

	reg, err := registry.New(registry.Options{
		Root:               cfg.CacheDir,
		AllowedUpstreams:   cfg.AllowedUpstreams,
		Driver:             driver,
		Log:                logger,
		EnableAuthCache:    true,
		MaintainAfterSync:  cfg.MaintainAfterSync,
		UploadPackThreads:  cfg.UploadPackThreads,
		MinRefetchInterval: time.Duration(cfg.MinRefetchIntervalSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("registry init failed", "err", err)
		os.Exit(1)
	}

	var packs *packcache.Cache
	if cfg.EnablePackCache {
		packs, err = packcache.New(cfg.CacheDir + "/.pack-cache")
		if err != nil {
			logger.Error("pack cache init failed", "err", err)
			os.Exit(1)
		}
	}

	m := metrics.New()

	srv := server.New(server.Options{
		Registry:                 reg,
		Log:                      logger,
		Metrics:                  m,
		PackCache:                packs,
		UploadPackTimeoutSeconds: cfg.GitUploadPackTimeoutSeconds,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", srv.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	// Fleet self-registration is optional and only attempted when the
	// relevant IDs are configured; failures here are logged but never fatal,
	// since a proxy instance is still fully useful without being discoverable.
	var cloudMapMgr *cloudmap.Manager
	if cfg.AWSCloudMapServiceID != "" {
		registerCtx, registerCancel := context.WithTimeout(context.Background(), 10*time.Second)
		cloudMapMgr, err = cloudmap.New(registerCtx, cfg.AWSCloudMapServiceID, reg.Healthy, logger)
		if err == nil {
			err = cloudMapMgr.Start(registerCtx)
		}
		registerCancel()
		if err != nil {
			logger.Warn("cloud map registration failed", "err", err)
			cloudMapMgr = nil
		}
	}

	var route53Mgr *route53.Manager
	if cfg.Route53HostedZoneID != "" && cfg.Route53RecordName != "" {
		registerCtx, registerCancel := context.WithTimeout(context.Background(), 10*time.Second)
		route53Mgr, err = route53.New(registerCtx, cfg.Route53HostedZoneID, cfg.Route53RecordName, cfg.CacheDir, cfg.AllowedUpstreams, logger)
		if err == nil {
			err = route53Mgr.Register(registerCtx)
		}
		registerCancel()
		if err != nil {
			logger.Warn("route53 registration failed", "err", err)
			route53Mgr = nil
		}
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "cache_dir", cfg.CacheDir, "allowed_upstreams", cfg.AllowedUpstreams)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if cloudMapMgr != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		cloudMapMgr.Stop(stopCtx)
		stopCancel()
	}
	if route53Mgr != nil {
		deregisterCtx, deregisterCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := route53Mgr.Deregister(deregisterCtx); err != nil {
			logger.Error("route53 deregistration failed", "err", err)
		}
		deregisterCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
