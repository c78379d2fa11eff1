package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/airwave/internal/config"
	"github.com/satindergrewal/airwave/internal/egress"
	"github.com/satindergrewal/airwave/internal/logging"
	"github.com/satindergrewal/airwave/internal/metrics"
	"github.com/satindergrewal/airwave/internal/session"
	"github.com/satindergrewal/airwave/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv("AIRWAVE_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	log.Info("airwave starting",
		zap.String("mode", cfg.Mode),
		zap.String("transport", cfg.Transport),
		zap.String("topic", cfg.Topic))

	switch cfg.Mode {
	case config.ModeRelay:
		err = runRelay(ctx, cfg, log, reg, m)
	case config.ModePublish:
		err = runPublish(ctx, cfg, log, m)
	case config.ModeListen:
		err = runListen(ctx, cfg, log, m)
	case config.ModeTalk:
		err = runTalk(ctx, cfg, log, m)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("airwave stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("airwave stopped")
}

// runRelay hosts the broadcast hub for remote publishers and listeners, and
// forwards the configured topic to browsers over WebRTC.
func runRelay(ctx context.Context, cfg config.Config, log *zap.Logger, reg *prometheus.Registry, m *metrics.Metrics) error {
	hub := transport.NewHub(log, m)
	defer hub.Close()
	hubServer := transport.NewHubServer(hub, log)

	webrtcHandler := egress.NewHandler(hub, cfg.Topic, session.Options{
		DrainTimeout: cfg.DrainTimeout,
		Metrics:      m,
	}, log)
	defer webrtcHandler.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", hubServer)
	mux.Handle("/offer", webrtcHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(map[string]any{
			"topics":           hub.Topics(),
			"relay_peers":      hubServer.PeerCount(),
			"webrtc_listeners": webrtcHandler.PeerCount(),
			"config": map[string]any{
				"topic":           cfg.Topic,
				"sample_rate":     cfg.SampleRate,
				"channels":        cfg.Channels,
				"min_subscribers": cfg.MinSubscribers,
			},
		})
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay live", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// dialRelay connects to the relay and returns a context that ends with the
// connection.
func dialRelay(ctx context.Context, cfg config.Config, log *zap.Logger) (*transport.HubClient, context.Context, context.CancelCauseFunc, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := transport.DialHub(dialCtx, cfg.RelayURL, log)
	if err != nil {
		return nil, nil, nil, err
	}

	relayCtx, stop := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-client.Done():
			err := client.Err()
			if errors.Is(err, transport.ErrClosed) {
				err = context.Canceled
			}
			stop(err)
		case <-relayCtx.Done():
		}
	}()
	return client, relayCtx, stop, nil
}

func sessionOptions(cfg config.Config, m *metrics.Metrics) session.Options {
	return session.Options{DrainTimeout: cfg.DrainTimeout, Metrics: m}
}

// runTalk publishes the microphone and plays everyone else on one topic.
func runTalk(ctx context.Context, cfg config.Config, log *zap.Logger, m *metrics.Metrics) error {
	client, relayCtx, stop, err := dialRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()
	defer stop(nil)

	g, gctx := errgroup.WithContext(relayCtx)
	g.Go(func() error { return publishBroadcast(gctx, cfg, log, m, client) })
	g.Go(func() error { return listenBroadcast(gctx, cfg, log, m, client) })
	if err := g.Wait(); err != nil {
		return err
	}
	return context.Cause(relayCtx)
}
