package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/events"
	"relay-gateway/internal/httpapi"
	"relay-gateway/internal/observability"
	"relay-gateway/internal/relay"
	"relay-gateway/internal/session"
	"relay-gateway/internal/store"
	"relay-gateway/internal/upstream"
)

func main() {
	cfg := config.Load()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(level)

	cache := store.NewCache()
	registry := session.NewRegistry()

	var listener session.StateListener
	var publisher *events.Publisher
	if cfg.MQTTBrokerURL != "" {
		p, err := events.NewPublisher(cfg.MQTTBrokerURL)
		if err != nil {
			slog.Warn("mqtt events disabled", "error", err)
		} else {
			publisher = p
			listener = p
			p.PublishGatewayStatus("online")
		}
	}

	link := upstream.New(upstream.Config{
		URL:            cfg.UpstreamURL,
		ReconnectDelay: cfg.ReconnectDelay,
		InsecureTLS:    cfg.UpstreamInsecureTLS,
		Deliver: func(deviceID string, raw []byte) bool {
			s := registry.Lookup(deviceID)
			if s == nil {
				return false
			}
			return s.Send(raw) == nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go link.Run(ctx)

	control := relay.NewController(cache, registry)

	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		slog.Error("invalid port", "port", cfg.Port, "error", err)
		os.Exit(1)
	}
	api := httpapi.NewServer(httpapi.Options{
		Cache:         cache,
		Registry:      registry,
		Upstream:      link,
		Control:       control,
		Listener:      listener,
		AdvertiseIP:   cfg.AdvertiseIP,
		AdvertisePort: port,
		MirrorURL:     cfg.DispatchMirrorURL,
	})

	shutdownObs, promHandler, tracer := observability.SetupObservability("relay-gateway")
	defer shutdownObs()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	mux.Handle("/", api.Router())

	srv := &http.Server{
		Addr:    cfg.ListenAddress + ":" + cfg.Port,
		Handler: observability.WrapHandler(tracer, "relay-gateway", mux),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()
	slog.Info("relay-gateway started", "addr", srv.Addr, "upstream", cfg.UpstreamURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if publisher != nil {
		publisher.Close()
	}
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("relay-gateway stopped")
}
