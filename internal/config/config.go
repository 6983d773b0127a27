package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port             string        // control API HTTP port
	DataDir          string        // data directory root
	DBPath           string        // SQLite database path for preparation history
	SnapshotPath     string        // persisted repository list
	OverrideDir      string        // generated content and route maps
	DockerHost       string        // Docker daemon address; empty uses the environment
	PreviewHost      string        // host name used in preview URLs
	APIKey           string        // content-store admin key
	ImageRegistry    string        // namespace of the deconst images
	ImageTag         string
	SnapshotInterval time.Duration // periodic snapshot cadence
	RuntimeTimeout   time.Duration // bound on a single pull/create/start sequence
	CleanupTimeout   time.Duration // bound on container and network teardown
	LogLevel         slog.Level
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	dataDir := envOrDefault("DECONST_DATA_DIR", "./data")

	cfg := &Config{
		Port:             envOrDefault("DECONST_PORT", "9100"),
		DataDir:          dataDir,
		DBPath:           envOrDefault("DECONST_DB_PATH", filepath.Join(dataDir, "deconst.db")),
		SnapshotPath:     envOrDefault("DECONST_SNAPSHOT_PATH", filepath.Join(dataDir, "repositories.json")),
		OverrideDir:      filepath.Join(dataDir, "overrides"),
		DockerHost:       envOrDefault("DECONST_DOCKER_HOST", ""),
		PreviewHost:      envOrDefault("DECONST_PREVIEW_HOST", "localhost"),
		APIKey:           envOrDefault("DECONST_API_KEY", "supersecret"),
		ImageRegistry:    envOrDefault("DECONST_IMAGE_REGISTRY", "quay.io/deconst"),
		ImageTag:         envOrDefault("DECONST_IMAGE_TAG", "latest"),
		SnapshotInterval: durationOrDefault("DECONST_SNAPSHOT_INTERVAL", time.Minute),
		RuntimeTimeout:   durationOrDefault("DECONST_RUNTIME_TIMEOUT", 5*time.Minute),
		CleanupTimeout:   30 * time.Second,
		LogLevel:         ParseLevel(envOrDefault("DECONST_LOG_LEVEL", "info")),
	}

	return cfg
}

// EnsureDirs creates the data and override directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.OverrideDir, filepath.Dir(c.SnapshotPath), filepath.Dir(c.DBPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func durationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}
