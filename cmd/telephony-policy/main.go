package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/telephony-policy/internal/bus"
	"github.com/sweeney/telephony-policy/internal/config"
	"github.com/sweeney/telephony-policy/internal/factstore"
	"github.com/sweeney/telephony-policy/internal/history"
	"github.com/sweeney/telephony-policy/internal/metrics"
	"github.com/sweeney/telephony-policy/internal/policy"
	"github.com/sweeney/telephony-policy/internal/publisher"
	"github.com/sweeney/telephony-policy/internal/rules"
	"github.com/sweeney/telephony-policy/internal/status"
	"github.com/sweeney/telephony-policy/internal/tracker"
)

func main() {
	configPath := flag.String("config", "/etc/telephony-policy/telephony-policy.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var store policy.FactStore = factstore.NewMemStore()
	if cfg.MQTT.Enabled {
		pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         1,
			StatusTopic: cfg.MQTT.StatusTopic(),
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer pub.Close()
		if pub.Connected() {
			logger.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)
		} else {
			logger.Warn("MQTT broker unreachable, retrying in the background", "broker", cfg.MQTT.Broker)
		}
		mirror := factstore.NewMirror(store, pub, cfg.MQTT.TopicPrefix, factstore.WithLogger(logger))
		defer func() {
			if err := mirror.Close(); err != nil {
				logger.Warn("flushing MQTT mirror", "error", err)
			}
		}()
		store = mirror
	}

	var hist *history.Store
	if cfg.History.Path != "" {
		var err error
		if hist, err = history.Open(cfg.History.Path, logger); err != nil {
			return err
		}
		defer hist.Close()
	}

	b, err := bus.Dial(bus.Config{
		Type:       cfg.Bus.Type,
		Service:    cfg.Bus.Service,
		ObjectPath: cfg.Bus.ObjectPath,
	}, logger)
	if err != nil {
		return err
	}
	defer b.Disconnect()

	machine := newMachine(cfg, store, b, hist, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		machine.Shutdown(shutdownCtx)
	}()

	if cfg.HTTP.Listen != "" {
		srv := newStatusServer(cfg.HTTP.Listen, machine, hist, logger)
		go func() {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
		}()
	}

	logger.Info("tracking calls", "bus", cfg.Bus.Type, "max_calls", cfg.Policy.MaxCalls)
	return b.Serve(ctx, machine)
}

// newMachine wires the policy loop: the builtin rules decide over store,
// and decisions are enforced through transport.
func newMachine(cfg *config.Config, store policy.FactStore, transport tracker.Transport, hist *history.Store, logger *slog.Logger) *tracker.Machine {
	resolver := rules.New(store,
		rules.WithMaxCalls(cfg.Policy.MaxCalls),
		rules.WithLogger(logger),
	)
	opts := []tracker.Option{
		tracker.WithLogger(logger),
		tracker.WithSelfID(cfg.Bus.SelfID),
		tracker.WithCellularPrefix(cfg.Bus.CellularPrefix),
	}
	if hist != nil {
		opts = append(opts, tracker.WithRecorder(hist))
	}
	return tracker.New(policy.NewBridge(store, resolver, logger), transport, opts...)
}

func newStatusServer(addr string, machine *tracker.Machine, hist *history.Store, logger *slog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(machine, time.Now()))
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	var reader status.HistoryReader
	if hist != nil {
		reader = hist
	}
	return &http.Server{
		Addr:         addr,
		Handler:      status.NewServer(machine, reader, metricsHandler, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
