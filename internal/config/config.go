package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	FeedSTOMP = "stomp"
	FeedNATS  = "nats"
)

type Config struct {
	Port        int
	JWTSecret   string
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string

	APIBaseURL string
	APITimeout time.Duration

	FeedTransport string
	FeedEndpoint  string
	FeedTopic     string
	FeedBuffer    int

	// SessionDBPath selects the Badger session store; empty keeps sessions
	// in memory.
	SessionDBPath string
	// MetricsPort 0 disables the metrics listener.
	MetricsPort int

	LogLevel  string
	LogFormat string

	// CommandRateLimit is the number of command requests allowed per
	// client per minute.
	CommandRateLimit int

	// ScheduleLocation interprets the wall-clock date and time of scheduled
	// operations.
	ScheduleLocation *time.Location
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:             3000,
		GinMode:          "release",
		APIBaseURL:       "http://localhost:8080",
		APITimeout:       10 * time.Second,
		FeedTransport:    FeedSTOMP,
		FeedEndpoint:     "ws://localhost:8080/ws",
		FeedTopic:        "/topic/machine-status",
		FeedBuffer:       256,
		MetricsPort:      9090,
		LogLevel:         "info",
		LogFormat:        "json",
		CommandRateLimit: 30,
		ScheduleLocation: time.UTC,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := parsePort(raw, false)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.JWTSecret = env.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if raw := env.Getenv("API_BASE_URL"); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid API_BASE_URL")
		}
		cfg.APIBaseURL = strings.TrimRight(raw, "/")
	}

	if raw := env.Getenv("API_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid API_TIMEOUT_SECONDS")
		}
		cfg.APITimeout = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("FEED_TRANSPORT"); raw != "" {
		raw = strings.ToLower(raw)
		if raw != FeedSTOMP && raw != FeedNATS {
			return Config{}, fmt.Errorf("invalid FEED_TRANSPORT %q", raw)
		}
		cfg.FeedTransport = raw
		if raw == FeedNATS {
			cfg.FeedEndpoint = "nats://localhost:4222"
		}
	}
	if raw := env.Getenv("FEED_ENDPOINT"); raw != "" {
		cfg.FeedEndpoint = raw
	}
	if raw := env.Getenv("FEED_TOPIC"); raw != "" {
		cfg.FeedTopic = raw
	}
	if raw := env.Getenv("FEED_BUFFER"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid FEED_BUFFER")
		}
		cfg.FeedBuffer = n
	}

	cfg.SessionDBPath = env.Getenv("SESSION_DB_PATH")

	if raw := env.Getenv("METRICS_PORT"); raw != "" {
		port, err := parsePort(raw, true)
		if err != nil {
			return Config{}, fmt.Errorf("invalid METRICS_PORT")
		}
		cfg.MetricsPort = port
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		if raw != "json" && raw != "console" {
			return Config{}, fmt.Errorf("invalid LOG_FORMAT")
		}
		cfg.LogFormat = raw
	}

	if raw := env.Getenv("COMMAND_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid COMMAND_RATE_LIMIT")
		}
		cfg.CommandRateLimit = n
	}

	if raw := env.Getenv("SCHEDULE_TZ"); raw != "" {
		loc, err := time.LoadLocation(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCHEDULE_TZ %q", raw)
		}
		cfg.ScheduleLocation = loc
	}

	return cfg, nil
}

func parsePort(raw string, allowZero bool) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 || (port == 0 && !allowZero) {
		return 0, fmt.Errorf("port out of range")
	}
	return port, nil
}
