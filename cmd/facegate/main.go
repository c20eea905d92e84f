// Command facegate runs the biometric access-control server: one WebSocket
// endpoint shared by terminals and operator consoles, an in-memory face
// gallery reconciled against a relational store, and a Prometheus surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/facegate/facegate/internal/config"
	"github.com/facegate/facegate/internal/engine"
	"github.com/facegate/facegate/internal/enroll"
	"github.com/facegate/facegate/internal/gallery"
	"github.com/facegate/facegate/internal/metrics"
	"github.com/facegate/facegate/internal/protocol"
	"github.com/facegate/facegate/internal/reconcile"
	"github.com/facegate/facegate/internal/router"
	"github.com/facegate/facegate/internal/session"
	"github.com/facegate/facegate/internal/store"
	"github.com/facegate/facegate/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "facegate.yaml", "path to the YAML configuration")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	setupLogging(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}
	// A positional argument overrides the configured listen port.
	if arg := flag.Arg(0); arg != "" {
		port, err := strconv.Atoi(arg)
		if err != nil {
			fatal("parse port argument", err)
		}
		cfg.Server.Port = port
	}

	repo, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		fatal("open store", err)
	}
	defer repo.Close()

	models, err := engine.NewSidecarModelSet(cfg.AI.SidecarAddr, cfg.AI.FaceDetection, cfg.AI.FaceRecognition, cfg.AI.AntiSpoof)
	if err != nil {
		fatal("load models", err)
	}

	g := gallery.New()
	eng := engine.New(models, g, engine.Config{
		MatchThreshold:        cfg.AI.MatchThreshold,
		RecognizeWithLiveness: cfg.RecognizeWithLiveness(),
	})

	pub := telemetry.Publisher(telemetry.NewNop())
	if cfg.Telemetry.RedisAddr != "" {
		redisPub, err := telemetry.NewRedis(cfg.Telemetry.RedisAddr, cfg.Telemetry.RedisChannel)
		if err != nil {
			fatal("connect telemetry redis", err)
		}
		defer redisPub.Close()
		pub = redisPub
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	ctrl := enroll.NewController()
	reg := session.NewRegistry(func(serial string) {
		if _, cancelled := ctrl.Cancel(serial); cancelled {
			m.EnrollmentsTotal.WithLabelValues("cancelled").Inc()
		}
	})
	rt := router.New(repo, eng, g, ctrl, reg, m, pub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Populate the gallery before accepting scans, then keep it in step.
	rec := reconcile.New(repo, g, eng, m)
	if err := rec.LoadAll(ctx); err != nil {
		fatal("initial gallery load", err)
	}
	slog.Info("gallery loaded", "users", g.Len())
	rec.Start(ctx)
	defer rec.Stop()

	r := mux.NewRouter()
	r.HandleFunc("/ws", session.NewHTTPHandler(rt.Dispatch, rt.OnSessionClosed))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		slog.Info("listening", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("listen", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	// Tell every terminal to purge partial state, and wait for the writes
	// to flush before the transport closes.
	for _, dev := range reg.Devices() {
		dev.Send(protocol.DeviceCommand{Cmd: "cleanlog"})
		dev.Send(protocol.DeviceCommand{Cmd: "cleanuser"})
		dev.Close()
		select {
		case <-dev.Done():
		case <-time.After(shutdownGrace):
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
}

func setupLogging(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
