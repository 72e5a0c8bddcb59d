package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures environment driven configuration values for the scanner daemon.
type Config struct {
	APIBaseURL      string
	DeviceID        string
	SQLiteDSN       string
	HTTPPort        int
	SubmitTimeout   time.Duration
	LookbackWindow  time.Duration
	DebounceWindow  time.Duration
	DisplayInterval time.Duration
	QueueCeiling    int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	SyncInterval    time.Duration
	ProbeInterval   time.Duration
	ProbeThreshold  int
	Retention       time.Duration
	CacheCapacity   int
	EventRefresh    time.Duration
	LogLevel        string
	LogFormat       string
}

// Load parses configuration values from the current process environment.
//
// The loader applies sensible defaults for optional fields while validating
// required values and reporting localized error messages for missing entries.
func Load() (Config, error) {
	cfg := Config{
		SQLiteDSN:       "file:scanner.db?_foreign_keys=on",
		HTTPPort:        8090,
		SubmitTimeout:   10 * time.Second,
		LookbackWindow:  time.Hour,
		DebounceWindow:  time.Second,
		DisplayInterval: 2500 * time.Millisecond,
		QueueCeiling:    10000,
		MaxRetries:      5,
		BackoffBase:     time.Second,
		BackoffCap:      30 * time.Second,
		SyncInterval:    30 * time.Second,
		ProbeInterval:   5 * time.Second,
		ProbeThreshold:  2,
		Retention:       24 * time.Hour,
		CacheCapacity:   4096,
		EventRefresh:    5 * time.Minute,
		LogLevel:        "INFO",
		LogFormat:       "TEXT",
	}

	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 2)

	if base := strings.TrimSpace(os.Getenv("SCANNER_API_BASE_URL")); base == "" {
		missing = append(missing, "SCANNER_API_BASE_URL")
	} else {
		cfg.APIBaseURL = strings.TrimRight(base, "/")
	}

	if device := strings.TrimSpace(os.Getenv("SCANNER_DEVICE_ID")); device != "" {
		cfg.DeviceID = device
	} else if host, err := os.Hostname(); err == nil && host != "" {
		cfg.DeviceID = host
	} else {
		missing = append(missing, "SCANNER_DEVICE_ID")
	}

	if dsn := strings.TrimSpace(os.Getenv("SCANNER_SQLITE_DSN")); dsn != "" {
		cfg.SQLiteDSN = dsn
	}

	parsePort(&cfg.HTTPPort, "SCANNER_HTTP_PORT", &invalid)

	parseDuration(&cfg.SubmitTimeout, "SCANNER_SUBMIT_TIMEOUT", &invalid)
	parseDuration(&cfg.LookbackWindow, "SCANNER_LOOKBACK_WINDOW", &invalid)
	parseDuration(&cfg.DebounceWindow, "SCANNER_DEBOUNCE_WINDOW", &invalid)
	parseDuration(&cfg.DisplayInterval, "SCANNER_DISPLAY_INTERVAL", &invalid)
	parseDuration(&cfg.BackoffBase, "SCANNER_BACKOFF_BASE", &invalid)
	parseDuration(&cfg.BackoffCap, "SCANNER_BACKOFF_CAP", &invalid)
	parseDuration(&cfg.SyncInterval, "SCANNER_SYNC_INTERVAL", &invalid)
	parseDuration(&cfg.ProbeInterval, "SCANNER_PROBE_INTERVAL", &invalid)
	parseDuration(&cfg.Retention, "SCANNER_RETENTION", &invalid)
	parseDuration(&cfg.EventRefresh, "SCANNER_EVENT_REFRESH", &invalid)

	parseCount(&cfg.QueueCeiling, "SCANNER_QUEUE_CEILING", &invalid)
	parseCount(&cfg.MaxRetries, "SCANNER_MAX_RETRIES", &invalid)
	parseCount(&cfg.ProbeThreshold, "SCANNER_PROBE_THRESHOLD", &invalid)
	parseCount(&cfg.CacheCapacity, "SCANNER_CACHE_CAPACITY", &invalid)

	if level := strings.TrimSpace(os.Getenv("SCANNER_LOG_LEVEL")); level != "" {
		cfg.LogLevel = strings.ToUpper(level)
	}
	if format := strings.TrimSpace(os.Getenv("SCANNER_LOG_FORMAT")); format != "" {
		cfg.LogFormat = strings.ToUpper(format)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("必須の環境変数が設定されていません: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("環境変数の値が不正です: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

func parsePort(target *int, key string, invalid *[]string) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		*invalid = append(*invalid, key)
		return
	}
	*target = port
}

func parseCount(target *int, key string, invalid *[]string) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	count, err := strconv.Atoi(value)
	if err != nil || count <= 0 {
		*invalid = append(*invalid, key)
		return
	}
	*target = count
}

func parseDuration(target *time.Duration, key string, invalid *[]string) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*invalid = append(*invalid, key)
		return
	}
	*target = d
}
