package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")
	flag.Parse()

	cfg, err := config.LoadServerConfig(configPath)
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogConsole, nil).With().Str("component", "consumer").Logger()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	directory := geo.NewRedisDirectory(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info().Str("addr", cfg.ConsumerMetrics).Msg("metrics/health listening")
		if err := http.ListenAndServe(cfg.ConsumerMetrics, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.LocationTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info().
		Str("topic", cfg.LocationTopic).
		Strs("brokers", cfg.KafkaBrokers).
		Str("group", cfg.ConsumerGroup).
		Msg("consumer listening")

	c := &ingest.Consumer{Reader: r, Sink: directory, Log: logger}
	if err := c.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("consumer stopped")
		return
	}
	logger.Info().Msg("shutting down consumer")
}
