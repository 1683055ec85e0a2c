package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/api"
	"github.com/snarg/tr-consumer/internal/config"
	"github.com/snarg/tr-consumer/internal/indexstore"
	"github.com/snarg/tr-consumer/internal/ingest"
	"github.com/snarg/tr-consumer/internal/metrics"
	"github.com/snarg/tr-consumer/internal/mqttclient"
)

var version = "dev"

func main() {
	startTime := time.Now()
	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var overrides config.Overrides
	flag.StringVar(&overrides.ConfigPath, "config", "", "path to the JSON config file (overrides CONFIG_PATH)")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "health/metrics listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "env file to load before reading the environment (default .env)")
	flag.Parse()

	opts, err := config.LoadOptions(overrides)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to read environment")
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg, opts)
	log.Info().Str("version", version).Str("config", opts.ConfigPath).Msg("tr-consumer starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Index store
	var store *indexstore.Store
	if cfg.Elasticsearch.Enabled.Bool() {
		store, err = indexstore.New(cfg.Elasticsearch, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to elasticsearch")
		}
		store.EnsureIndices(ctx)
	}

	// Pipeline
	popts := ingest.PipelineOptions{Config: cfg, Log: log}
	if store != nil {
		popts.Index = store
	}
	pipeline, err := ingest.NewPipeline(ctx, popts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	// Disk ingest
	var watcher *ingest.Watcher
	if cfg.Watcher.Enabled.Bool() {
		watcher, err = ingest.NewWatcher(cfg.Watcher, pipeline, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start file watcher")
		}
	}

	// MQTT ingest. Hostname may be empty in watcher-only deployments.
	var mqtt *mqttclient.Client
	var mqttFatal <-chan error
	if cfg.MQTT.Hostname != "" {
		mqtt, err = mqttclient.Connect(cfg.MQTT, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		mqtt.SetMessageHandler(pipeline.HandleMessage)
		mqttFatal = mqtt.Fatal()
	}

	// Pool and broker gauges read live state at scrape time.
	var broker metrics.BrokerStatus
	if mqtt != nil {
		broker = mqtt
	}
	prometheus.MustRegister(metrics.NewCollector(pipeline.Pool(), broker))

	// HTTP server
	var healthBroker api.Broker
	if mqtt != nil {
		healthBroker = mqtt
	}
	health := api.NewHealthHandler(healthBroker, pipeline.Pool(), version, startTime)
	srv := api.NewServer(opts.HTTPAddr, health, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// A nil mqttFatal channel blocks forever, which is what watcher-only
	// deployments want.
	brokerDown := false
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	case err := <-mqttFatal:
		log.Error().Err(err).Msg("broker connection is terminal, draining")
		brokerDown = true
	}

	// Stop ingest before the pool so nothing new is enqueued, then drain
	// in-flight calls while the index store can still flush them.
	if watcher != nil {
		watcher.Close()
	}
	if mqtt != nil {
		mqtt.Close()
	}
	pipeline.Stop()
	if store != nil {
		store.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("tr-consumer stopped")
	if brokerDown {
		os.Exit(1)
	}
}

// newLogger maps the config file's numeric log_level (1 debug through
// 4 error) to zerolog, letting LOG_LEVEL override it by name.
func newLogger(cfg *config.Config, opts *config.Options) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.LogLevel {
	case 1:
		level = zerolog.DebugLevel
	case 2:
		level = zerolog.InfoLevel
	case 3:
		level = zerolog.WarnLevel
	case 4:
		level = zerolog.ErrorLevel
	}
	if opts.LogLevel != "" {
		if l, err := zerolog.ParseLevel(opts.LogLevel); err == nil {
			level = l
		}
	}

	var out io.Writer = os.Stdout
	if opts.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}
