package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/edingest/ocr"
)

// EnvPrefix prefixes every environment override, e.g. EDINGEST_DB_PATH or
// EDINGEST_OCR_CROP_GEOMETRY.
const EnvPrefix = "EDINGEST_"

// Config holds the full edingest configuration.
type Config struct {
	DBPath     string        `yaml:"db_path"     env:"DB_PATH"`
	JournalDir string        `yaml:"journal_dir" env:"JOURNAL_DIR"`
	NewsDir    string        `yaml:"news_dir"    env:"NEWS_DIR"`
	TmpDir     string        `yaml:"tmp_dir"     env:"TMP_DIR"`
	OCR        OCRConfig     `yaml:"ocr"         envPrefix:"OCR_"`
	Strict     bool          `yaml:"strict"      env:"STRICT"`
	DebugSQL   bool          `yaml:"debug_sql"   env:"DEBUG_SQL"`
	Watch      WatchConfig   `yaml:"watch"       envPrefix:"WATCH_"`
	Metrics    MetricsConfig `yaml:"metrics"     envPrefix:"METRICS_"`
	LogLevel   string        `yaml:"log_level"   env:"LOG_LEVEL"` // debug | info | warn | error
}

// OCRConfig selects the recognizer and the news panel crop.
type OCRConfig struct {
	Backend string     `yaml:"backend" env:"BACKEND"` // tesseract | gocr | ocrad
	Workers int        `yaml:"workers" env:"WORKERS"` // 0 = number of CPUs
	Crop    CropConfig `yaml:"crop"    envPrefix:"CROP_"`
}

// CropConfig is passed to ImageMagick as -crop and -threshold.
type CropConfig struct {
	Geometry  string `yaml:"geometry"  env:"GEOMETRY"`
	Threshold string `yaml:"threshold" env:"THRESHOLD"`
}

// WatchConfig tunes the live journal watcher.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// MetricsConfig toggles the metrics_timeseries writer.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		DBPath:     "save.db",
		JournalDir: "journals",
		NewsDir:    "news",
		TmpDir:     "tmp",
		OCR: OCRConfig{
			Backend: "tesseract",
			Crop: CropConfig{
				Geometry:  ocr.DefaultCropGeometry,
				Threshold: ocr.DefaultCropThreshold,
			},
		},
		Watch: WatchConfig{
			Interval: time.Second,
			Debounce: 2 * time.Second,
		},
		Metrics:  MetricsConfig{Enabled: true},
		LogLevel: "info",
	}
}

// LoadConfig layers DefaultConfig, the YAML file at path (skipped when path
// is empty) and EDINGEST_* environment variables, then validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from EDINGEST_* variables that are set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if _, err := ocr.BackendByName(c.OCR.Backend); err != nil {
		return fmt.Errorf("ocr.backend: %w", err)
	}
	if c.OCR.Workers < 0 {
		return fmt.Errorf("ocr.workers must be >= 0")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be > 0")
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must be >= 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", s)
	}
}

// Backend builds the configured OCR backend.
func (c *Config) Backend() (ocr.Backend, error) { return ocr.BackendByName(c.OCR.Backend) }

// Cropper builds the configured ImageMagick cropper.
func (c *Config) Cropper() ocr.Cropper {
	return ocr.Convert{Geometry: c.OCR.Crop.Geometry, Threshold: c.OCR.Crop.Threshold}
}
