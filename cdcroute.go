package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/cdcroute/admin"
	"github.com/maxpert/cdcroute/cfg"
	"github.com/maxpert/cdcroute/notify"
	"github.com/maxpert/cdcroute/router"
	"github.com/maxpert/cdcroute/store"
	"github.com/maxpert/cdcroute/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("cdcroute - change data routing")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	log.Info().Str("store", cfg.Config.Routing.Store).Msg("Opening routing store")
	opened, err := store.Open(cfg.Config.Routing.Store, cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open routing store")
		return
	}
	defer opened.Close()

	// Captured changes wake the routing service before the poll interval ends
	hub := notify.NewHub()
	st := store.WithNotifier(opened, hub)
	var enabled []string
	for _, ch := range cfg.Config.Channels {
		if !ch.Disabled {
			enabled = append(enabled, ch.ID)
		}
	}
	wake, cancelWake := hub.Subscribe(notify.Filter{Channels: enabled})
	defer cancelWake()

	rc := cfg.Config.Routing
	r, err := router.New(router.Config{
		NodeID:                      cfg.Config.NodeID,
		Store:                       st,
		Channels:                    cfg.Config.NodeChannels(),
		Nodes:                       cfg.Config.RoutingNodes(),
		TriggerRouters:              cfg.Config.RoutingTriggerRouters(),
		ReadLimit:                   rc.ReadLimit,
		MaxGapSize:                  rc.MaxGapSize,
		RearmGapDetectionOnRollback: rc.RearmGapDetectionOnRollback,
		MatchCacheSize:              rc.MatchCacheSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize router")
		return
	}

	service, err := router.NewService(r, router.ServiceConfig{
		PollInterval:    time.Duration(rc.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(rc.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(rc.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: rc.RetryMultiplier,
		Wake:            wake,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize routing service")
		return
	}

	if rc.StatsIntervalS > 0 {
		collector := telemetry.NewMetricsCollector(r, time.Duration(rc.StatsIntervalS)*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	var servers []*http.Server
	if cfg.Config.Prometheus.Enabled {
		if h := telemetry.GetMetricsHandler(); h != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			servers = append(servers, startHTTP("metrics", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port, mux))
		}
	}
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(cfg.Config.NodeID, service, r, st))
		servers = append(servers, startHTTP("admin", cfg.Config.Admin.Address, cfg.Config.Admin.Port, mux))
	}

	service.Start()

	log.Info().
		Str("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int("channels", len(cfg.Config.Channels)).
		Msg("Node is operational")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	service.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("HTTP server shutdown failed")
		}
	}
}

func startHTTP(name, address string, port int, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msgf("Starting %s server", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msgf("%s server failed", name)
		}
	}()

	return srv
}
