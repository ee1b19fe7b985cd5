package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch and consumer
// processes. Defaults are overlaid by an optional YAML file and then by
// environment variables, so the binary runs locally with no setup at all.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers    []string `yaml:"kafka_brokers"`
	LocationTopic   string   `yaml:"location_topic"`
	RideEventTopic  string   `yaml:"ride_event_topic"`
	ConsumerGroup   string   `yaml:"consumer_group"`
	ConsumerMetrics string   `yaml:"consumer_metrics_addr"`

	PGDSN         string `yaml:"pg_dsn"`
	BoltPath      string `yaml:"bolt_path"`
	RunMigrations bool   `yaml:"run_migrations"`

	MatchRadiusKm     float64       `yaml:"match_radius_km"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	SessionSendBuffer int           `yaml:"session_send_buffer"`

	JWTSecret      string `yaml:"jwt_secret"`
	InternalToken  string `yaml:"internal_token"`
	StripeAPIKey   string `yaml:"stripe_api_key"`
	StripeCurrency string `yaml:"stripe_currency"`

	LogLevel   string `yaml:"log_level"`
	LogConsole bool   `yaml:"log_console"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisGeoKey:       "drivers_geo",
		LocationTopic:     "driver-locations",
		RideEventTopic:    "ride-events",
		ConsumerGroup:     "ride-dispatch-consumer",
		ConsumerMetrics:   ":2112",
		MatchRadiusKm:     5,
		ReconcileInterval: 30 * time.Second,
		SessionSendBuffer: 64,
		StripeCurrency:    "inr",
		LogLevel:          "info",
	}
}

// LoadServerConfig resolves the configuration. path may be empty. Every
// problem found is reported in one joined error.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.RideEventTopic, "KAFKA_RIDE_EVENT_TOPIC")
	setStringFromEnv(&cfg.ConsumerGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.ConsumerMetrics, "CONSUMER_METRICS_ADDR")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.BoltPath, "BOLT_PATH")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)
	setIntFromEnv(&cfg.SessionSendBuffer, "SESSION_SEND_BUFFER", &errs)

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.InternalToken, "INTERNAL_TOKEN")
	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_CONSOLE"); v != "" {
		cfg.LogConsole = strings.EqualFold(v, "true")
	}

	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.SessionSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_SEND_BUFFER must be > 0"))
	}
	if cfg.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL must be > 0"))
	}
	if cfg.PGDSN != "" && cfg.BoltPath != "" {
		errs = append(errs, fmt.Errorf("PG_DSN and BOLT_PATH are mutually exclusive"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
