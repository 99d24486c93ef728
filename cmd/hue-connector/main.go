package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"hue-connector/internal/bridge"
	"hue-connector/internal/config"
	"hue-connector/internal/controller"
	"hue-connector/internal/device"
	"hue-connector/internal/events"
	"hue-connector/internal/hub"
	"hue-connector/internal/monitor"
	"hue-connector/internal/store"
	"hue-connector/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	deviceTypes, err := cfg.KindTypes()
	if err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("hue-connector starting", "version", version, "bridge", cfg.Bridge.Host)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Restore the registry so devices keep their hub identity across restarts.
	registry := device.NewRegistry()
	saved, err := db.ListDevices()
	if err != nil {
		logger.Error("load devices", "err", err)
		os.Exit(1)
	}
	registry.Load(saved)
	logger.Info("device registry restored", "devices", registry.Len())

	bridgeClient := bridge.NewClient(bridge.Config{
		Host:        cfg.Bridge.Host,
		Scheme:      cfg.Bridge.Scheme,
		APIPath:     cfg.Bridge.APIPath,
		APIKey:      cfg.Bridge.APIKey,
		Timeout:     cfg.Bridge.Timeout.Std(),
		InsecureTLS: cfg.Bridge.InsecureTLS,
	}, logger)

	hubClient, err := hub.NewClient(hub.Config{
		Broker:         cfg.Hub.Broker,
		ClientID:       cfg.Hub.ClientID,
		Username:       cfg.Hub.Username,
		Password:       cfg.Hub.Password,
		TopicPrefix:    cfg.Hub.TopicPrefix,
		PublishTimeout: cfg.Hub.PublishTimeout.Std(),
		ConfirmTimeout: cfg.Hub.ConfirmTimeout.Std(),
		RequireAck:     cfg.Hub.RequireAck,
	}, logger)
	if err != nil {
		logger.Error("connect hub", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)

	mon := monitor.New(bridgeClient, hubClient, registry, db, bus, monitor.Config{
		PollInterval: cfg.Monitor.PollInterval.Std(),
		DeviceTypes:  deviceTypes,
		BridgeHost:   cfg.Bridge.Host,
	}, logger)

	ctrl := controller.New(hubClient, registry, bridgeClient, bus, controller.Config{
		MaxCommandAge:     cfg.Controller.MaxCommandAge.Std(),
		ReceiveTimeout:    cfg.Controller.ReceiveTimeout.Std(),
		WorkerIdleTimeout: cfg.Controller.WorkerIdleTimeout.Std(),
		GCInterval:        cfg.Controller.GCInterval.Std(),
		DispatchDelay:     cfg.Controller.DispatchDelay.Std(),
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	if cfg.Bridge.EventStream {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridgeClient.EventStream(ctx, mon.Trigger)
		}()
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(bus, registry, ctrl, cfg, logger)

	var (
		webServer  *web.Server
		httpServer *http.Server
	)
	if cfg.Web.Enabled {
		var webOpts []web.ServerOption
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webOpts = append(webOpts, web.WithVersion(version))
		webOpts = append(webOpts, autoWebOpts...)

		webServer = web.NewServer(registry, ctrl, mon, bus, logger, webOpts...)
		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
	}
	auto.Stop()

	// Workers finish their current command before the hub goes away.
	cancel()
	wg.Wait()
	hubClient.Close()

	logger.Info("goodbye")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := cfg.SlogLevel()
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "color":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
