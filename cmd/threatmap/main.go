// Command threatmap runs the full pipeline: UDP syslog intake, parsing,
// GeoIP enrichment, websocket fan-out, the threat-advisory feed, and the
// dashboard HTTP server, in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/auth"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/config"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/dlq"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/enrich"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/geo"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/middleware"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/parser"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/server"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/syslog"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/threatfeed"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/ws"
)

const shutdownGrace = 10 * time.Second

func main() {
	godotenv.Load()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel(),
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func run(log *slog.Logger) error {
	cfg, err := config.Load(log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	bus := events.NewBus(log)
	bus.OnDrop = func(topic events.Topic, subscriber string) {
		metrics.BusDropped.WithLabelValues(string(topic), subscriber).Inc()
	}

	// The MMDB loads concurrently with the rest of startup; events arriving
	// before it is ready go out without geo data. An open failure is still
	// a startup error: a permanently geo-less map is a misconfiguration,
	// not a degraded mode.
	geoCache := geo.NewCache(metrics, log)
	geoErr := make(chan error, 1)
	go func() {
		if err := geoCache.Open(cfg.GeoIPDBPath); err != nil {
			geoErr <- fmt.Errorf("geoip database %s: %w", cfg.GeoIPDBPath, err)
			return
		}
		log.Info("geoip database loaded", "path", cfg.GeoIPDBPath)
	}()

	receiver := syslog.NewReceiver(cfg.SyslogBindAddress, cfg.SyslogPort, bus, metrics, log)
	addr, err := receiver.Listen()
	if err != nil {
		return err
	}
	log.Info("syslog receiver listening", "addr", addr.String())

	p := parser.New(bus, metrics, log)
	unsubParser := p.Start()

	pipeline := enrich.New(bus, geoCache, cfg.OCDERanges, metrics, log)
	unsubEnrich := pipeline.Start()

	dlqWriter := dlq.NewWriter(filepath.Join(cfg.LogsDir, "failed-messages.jsonl"), metrics, log)
	unsubDLQ := dlqWriter.Start(bus)

	feed := threatfeed.NewStore(filepath.Join(cfg.DataDir, "threat-feed.json"), cfg.DemoFeed, bus, metrics, log)

	authMgr := auth.NewManager(cfg.SessionSecret, cfg.DashboardUsername, cfg.DashboardPassword,
		filepath.Join(cfg.DataDir, "password.hash"), cfg.ThreatFeedAPIKey, cfg.Production, log)

	hub := ws.NewHub(func(r *http.Request) (string, bool) { return authMgr.UserID(r) }, feed.Active, metrics, log)
	unsubHub := hub.Start(bus)

	broadcaster := ws.NewBroadcaster(hub, metrics, log)
	unsubBroadcast := broadcaster.Start(bus)

	seclog := middleware.NewSecurityLog(cfg.LogsDir, log)

	srv := server.NewServer(cfg, authMgr, feed, hub, seclog, registry, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.RunHeartbeat(ctx)
	go geoCache.RunStatsLogger(ctx, cfg.MetricsInterval)

	// The receiver loop is supervised: an unexpected exit is fatal because
	// a dashboard with no intake is worse than a crashed process.
	receiverErr := make(chan error, 1)
	go func() { receiverErr <- receiver.Run(ctx) }()

	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-geoErr:
		return err
	case err := <-receiverErr:
		if err != nil {
			return err
		}
		return errors.New("syslog receiver exited unexpectedly")
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return errors.New("http server exited unexpectedly")
	}

	// Teardown runs front-to-back: stop intake, flush what is queued, then
	// drain the outward-facing surfaces.
	receiver.Stop()
	cancel()
	<-receiverErr

	// Each unsubscribe waits for that stage's queue to drain, so by the
	// time the broadcaster stops, everything already parsed has reached
	// its outbound queue and the final flush really is final.
	unsubParser()
	unsubEnrich()
	unsubBroadcast()
	broadcaster.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	unsubHub()
	hub.CloseAll()

	unsubDLQ()
	dlqWriter.Close()

	geoCache.Close()
	seclog.Close()
	bus.Close()

	log.Info("shutdown complete")
	return nil
}
