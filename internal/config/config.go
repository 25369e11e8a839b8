package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the resolved runtime configuration. Everything comes from the
// environment; values are read once at startup and passed down by value.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	// Channel to watch for live status. Accepts an @handle, a channel id
	// (UC...), or a full channel URL. Falls back to the first entry of the
	// channels file when empty.
	Channel string

	// ChannelsFile is the XML channel list used to build the playlist.
	ChannelsFile string

	// APIKey enables the YouTube Data API prober. Without it the poller
	// scrapes the channel's /live page, which needs no credentials.
	APIKey string

	// AdminKey guards the management routes (process kill, forced poll).
	// Empty means the routes are open, matching single-host deployments.
	AdminKey string

	// DatabaseURL enables the transition history store. Empty disables it.
	DatabaseURL string

	PollInterval     time.Duration
	PollMaxInterval  time.Duration
	FailureThreshold int
	ProbeTimeout     time.Duration

	StreamlinkPath string
	StreamQuality  string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":6095"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "json")),
		Channel:          strings.TrimSpace(os.Getenv("YT_CHANNEL")),
		ChannelsFile:     getEnv("CHANNELS_FILE", "youtubelinks.xml"),
		APIKey:           strings.TrimSpace(os.Getenv("YT_API_KEY")),
		AdminKey:         strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PollInterval:     getDuration("POLL_INTERVAL", 30*time.Second),
		PollMaxInterval:  getDuration("POLL_MAX_INTERVAL", 5*time.Minute),
		FailureThreshold: getInt("POLL_FAILURE_THRESHOLD", 3),
		ProbeTimeout:     getDuration("PROBE_TIMEOUT", 20*time.Second),
		StreamlinkPath:   getEnv("STREAMLINK_PATH", "streamlink"),
		StreamQuality:    getEnv("STREAM_QUALITY", "best"),
	}

	if cfg.PollInterval <= 0 {
		return Config{}, errors.New("POLL_INTERVAL must be positive")
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		cfg.PollMaxInterval = cfg.PollInterval
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}
