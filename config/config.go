package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, assembled from the environment
// with sane defaults. A .env file is honored when present.
type Config struct {
	// Market is the mirrored symbol in base_quote form, e.g. "btc_usdt".
	Market string

	BinanceWsEndpoint   string
	BinanceRestEndpoint string

	SnapshotDepthLimit int
	BufferCap          int
	MinBackoff         time.Duration
	MaxBackoff         time.Duration

	HTTPAddr    string
	MetricsAddr string

	LogLevel  string
	LogPretty bool
}

func Load() (*Config, error) {
	// missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	cfg := &Config{
		Market:              envOr("MARKET", "btc_usdt"),
		BinanceWsEndpoint:   envOr("BINANCE_WS_ENDPOINT", ""),
		BinanceRestEndpoint: envOr("BINANCE_REST_ENDPOINT", ""),
		SnapshotDepthLimit:  envOrInt("SNAPSHOT_DEPTH_LIMIT", 500),
		BufferCap:           envOrInt("BOOTSTRAP_BUFFER_CAP", 512),
		MinBackoff:          envOrDuration("BACKOFF_MIN", 250*time.Millisecond),
		MaxBackoff:          envOrDuration("BACKOFF_MAX", 30*time.Second),
		HTTPAddr:            envOr("HTTP_ADDR", ":8090"),
		MetricsAddr:         envOr("METRICS_ADDR", ":8091"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogPretty:           envOrBool("LOG_PRETTY", false),
	}

	if cfg.SnapshotDepthLimit <= 0 {
		return nil, fmt.Errorf("SNAPSHOT_DEPTH_LIMIT must be positive")
	}
	if cfg.BufferCap <= 0 {
		return nil, fmt.Errorf("BOOTSTRAP_BUFFER_CAP must be positive")
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		return nil, fmt.Errorf("BACKOFF_MAX must not be below BACKOFF_MIN")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
