package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"offcache/internal/bus"
	"offcache/internal/config"
	"offcache/internal/control"
	"offcache/internal/interceptor"
	"offcache/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFCACHE_CONFIG", "offcache.yaml"), "path to offcache.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Init(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	b := bus.New()
	it, err := interceptor.New(cfg, logger, b)
	if err != nil {
		logger.WithError(err).Fatal("init interceptor")
	}
	defer it.Close()

	client := control.NewClient(b, control.Options{
		Origin:             cfg.Server.Origin,
		CommandTimeout:     cfg.CommandTimeout(),
		ForceUpdateTimeout: cfg.ForceUpdateTimeout(),
	}, logger)
	if client.Install() {
		defer client.Deregister()
		client.OnUpdateAvailable(func(v string) {
			logger.WithField("new_version", v).Info("update available, promote or reload to switch")
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Install in the background: the mediator can already serve from an
	// adopted generation, or pass through while the build lands.
	go func() {
		bctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := it.Bootstrap(bctx); err != nil {
			logger.WithError(err).Warn("startup install failed, serving degraded")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.WithError(err).Fatalf("listen %s", addr)
	}

	srv := &http.Server{
		Handler:           it.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":        addr,
			"origin":      cfg.Server.Origin,
			"environment": string(cfg.Environment()),
		}).Info("offcache listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
