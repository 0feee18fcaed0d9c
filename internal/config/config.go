package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed calibration.yaml
var calibrationYAML []byte

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Store       StoreConfig
	Database    DatabaseConfig
	Recognition RecognitionConfig
	Embedder    EmbedderConfig
	Notify      NotifyConfig
	Web         WebConfig
	Log         LogConfig
	Calibration CalibrationConfig
}

type StoreConfig struct {
	Backend string        // postgres or memory (default postgres)
	Dim     int           // embedding dimensionality (default 128)
	Timeout time.Duration // upper bound for one store operation (default 5s)
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the HNSW index (optional, if empty index is rebuilt on startup)
}

type RecognitionConfig struct {
	Threshold           float64 // 0 means use the calibration table
	RecencyWindow       time.Duration
	MaxVectorsPerPerson int
}

type EmbedderConfig struct {
	URL          string // defaults to http://localhost:8000
	Model        string // calibration key (default openface)
	MaxImageSize int    // longest side in pixels before upload (default 1024)
}

type NotifyConfig struct {
	RedisURL string // empty disables cross-replica fan-out
	Channel  string // defaults to face-tracker:events
}

type WebConfig struct {
	Port           int           // default 8080
	Host           string        // default 0.0.0.0
	AllowedOrigins []string      // extra CORS origins; localhost is always allowed
	DeviceCooldown time.Duration // minimum interval between recognitions per device (default 10s)
}

type LogConfig struct {
	Verbosity int
}

type CalibrationConfig struct {
	Models       map[string]ModelCalibration `yaml:"models"`
	DefaultModel string                      `yaml:"default_model"`
}

type ModelCalibration struct {
	Threshold float64 `yaml:"threshold"`
	Basis     string  `yaml:"basis"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envNonNegInt is envInt that also accepts zero.
func envNonNegInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float in [-1, 1].
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= -1 && f <= 1 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a positive time.Duration
// ("5s", "250ms"). Returns the default value if unset, empty, or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func Load() *Config {
	var calibration CalibrationConfig
	if err := yaml.Unmarshal(calibrationYAML, &calibration); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded calibration.yaml: " + err.Error())
	}

	backend := strings.ToLower(envString("STORE_BACKEND", BackendPostgres))

	return &Config{
		Store: StoreConfig{
			Backend: backend,
			Dim:     envInt("EMBEDDING_DIM", 128),
			Timeout: envDuration("STORE_TIMEOUT", 5*time.Second),
		},
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Recognition: RecognitionConfig{
			Threshold:           envFloat("MATCH_THRESHOLD", 0),
			RecencyWindow:       time.Duration(envInt("RECENCY_WINDOW_DAYS", 14)) * 24 * time.Hour,
			MaxVectorsPerPerson: envInt("MAX_VECTORS_PER_PERSON", 10),
		},
		Embedder: EmbedderConfig{
			URL:          envString("EMBEDDER_URL", "http://localhost:8000"),
			Model:        strings.ToLower(envString("EMBEDDER_MODEL", calibration.DefaultModel)),
			MaxImageSize: envInt("EMBEDDER_MAX_IMAGE_SIZE", 1024),
		},
		Notify: NotifyConfig{
			RedisURL: os.Getenv("NOTIFY_REDIS_URL"),
			Channel:  envString("NOTIFY_CHANNEL", "face-tracker:events"),
		},
		Web: WebConfig{
			Port:           envInt("WEB_PORT", 8080),
			Host:           envString("WEB_HOST", "0.0.0.0"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			DeviceCooldown: envDuration("DEVICE_COOLDOWN", 10*time.Second),
		},
		Log: LogConfig{
			Verbosity: envNonNegInt("LOG_VERBOSITY", 0),
		},
		Calibration: calibration,
	}
}

// MatchThreshold returns MATCH_THRESHOLD when set, otherwise the calibrated
// default for the configured embedding model. Unknown models fall back to the
// default model. The store backend never affects the threshold.
func (c *Config) MatchThreshold() float64 {
	if c.Recognition.Threshold != 0 {
		return c.Recognition.Threshold
	}
	if m, ok := c.Calibration.Models[c.Embedder.Model]; ok {
		return m.Threshold
	}
	return c.Calibration.Models[c.Calibration.DefaultModel].Threshold
}
