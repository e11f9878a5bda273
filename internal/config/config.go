package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the location sharing daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	CORSOrigins    []string

	BookingAPIBaseURL string
	BookingAPIToken   string
	UplinkTimeout     time.Duration

	LocationSource string
	GPSDAddr       string
	ReplayPath     string
	ReplayInterval time.Duration

	WatchHighAccuracy bool
	WatchTimeout      time.Duration
	WatchMaximumAge   time.Duration

	LogLevel           string
	LogFormat          string
	LogFile            string
	LogPreciseLocation bool

	AutoStartBookingID string
}

// LoadDotEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", "127.0.0.1:8787"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "fieldshare"),
		AllowAnyOrigin:    false,
		CORSOrigins:       splitList(os.Getenv("APP_CORS_ORIGINS")),
		BookingAPIBaseURL: strings.TrimSpace(os.Getenv("BOOKING_API_BASE_URL")),
		BookingAPIToken:   strings.TrimSpace(os.Getenv("BOOKING_API_TOKEN")),
		LocationSource:    strings.ToLower(envOrDefault("LOCATION_SOURCE", "auto")),
		GPSDAddr:          envOrDefault("GPSD_ADDR", "127.0.0.1:2947"),
		ReplayPath:        strings.TrimSpace(os.Getenv("REPLAY_TRACK_PATH")),
		LogLevel:          strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		// Matches what the browser dashboard always asked the geolocation API for.
		WatchHighAccuracy:  true,
		WatchTimeout:       10 * time.Second,
		WatchMaximumAge:    3 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		UplinkTimeout:      10 * time.Second,
		ReplayInterval:     2 * time.Second,
		AutoStartBookingID: strings.TrimSpace(os.Getenv("SHARING_AUTOSTART_BOOKING")),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UplinkTimeout, err = durationFromEnv("UPLINK_TIMEOUT", cfg.UplinkTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplayInterval, err = durationFromEnv("REPLAY_INTERVAL", cfg.ReplayInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.WatchTimeout, err = durationFromEnv("WATCH_TIMEOUT", cfg.WatchTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WatchMaximumAge, err = durationFromEnv("WATCH_MAXIMUM_AGE", cfg.WatchMaximumAge)
	if err != nil {
		return Config{}, err
	}
	cfg.WatchHighAccuracy, err = boolFromEnv("WATCH_HIGH_ACCURACY", cfg.WatchHighAccuracy)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPreciseLocation, err = boolFromEnv("LOG_PRECISE_LOCATION", cfg.LogPreciseLocation)
	if err != nil {
		return Config{}, err
	}

	if cfg.BookingAPIBaseURL == "" {
		return Config{}, fmt.Errorf("BOOKING_API_BASE_URL is required")
	}
	u, err := url.Parse(cfg.BookingAPIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("BOOKING_API_BASE_URL must be an absolute http(s) URL")
	}
	switch cfg.LocationSource {
	case "auto", "gpsd", "replay", "none":
	default:
		return Config{}, fmt.Errorf("LOCATION_SOURCE must be one of auto|gpsd|replay|none, got %q", cfg.LocationSource)
	}
	if cfg.LocationSource == "replay" && cfg.ReplayPath == "" {
		return Config{}, fmt.Errorf("LOCATION_SOURCE=replay requires REPLAY_TRACK_PATH")
	}
	if cfg.UplinkTimeout <= 0 {
		return Config{}, fmt.Errorf("UPLINK_TIMEOUT must be positive")
	}
	if cfg.ReplayInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("REPLAY_INTERVAL must be at least 100ms")
	}
	if cfg.WatchTimeout < 0 || cfg.WatchMaximumAge < 0 {
		return Config{}, fmt.Errorf("WATCH_TIMEOUT and WATCH_MAXIMUM_AGE must be >= 0")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
