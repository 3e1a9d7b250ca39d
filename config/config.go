// Package config defines the worker configuration and loads it from an
// optional config.yaml plus the environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/portomove/mapmatch/matching"
	"github.com/portomove/mapmatch/segments"
)

// EnvPrefix is prepended to environment overrides, e.g.
// MAPMATCH_MATCHING_RADIUS_METERS.
const EnvPrefix = "MAPMATCH"

// MatchingConfig holds the engine parameters.
type MatchingConfig struct {
	RadiusMeters            float64 `mapstructure:"radius_meters" validate:"gt=0"`
	EmitSinglePointSegments bool    `mapstructure:"emit_single_point_segments"`
	ScaleCorrection         bool    `mapstructure:"scale_correction"`
	// Workers bounds per-recording nearest-edge goroutines; 0 = GOMAXPROCS.
	Workers int `mapstructure:"workers" validate:"gte=0"`
	// Recordings bounds how many recordings a batch matches at once.
	Recordings int `mapstructure:"recordings" validate:"gte=1"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen      string `mapstructure:"listen" validate:"required"`
	UploadMaxMB int64  `mapstructure:"upload_max_mb" validate:"gt=0"`
}

// ArchiveConfig configures the parquet export to S3-compatible storage.
// Archiving is disabled unless endpoint and both keys are set.
type ArchiveConfig struct {
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket" validate:"required"`
	Region          string `mapstructure:"region"`
}

// Enabled reports whether credentials are configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.AccessKeyID != "" && a.SecretAccessKey != ""
}

// FetchConfig configures remote edge downloads.
type FetchConfig struct {
	TimeoutMS  int `mapstructure:"timeout_ms" validate:"gt=0"`
	MaxRetries int `mapstructure:"max_retries" validate:"gte=1"`
}

// JobsConfig configures the serve loop.
type JobsConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds" validate:"gt=0"`
	CleanupHour     int `mapstructure:"cleanup_hour" validate:"gte=0,lte=23"`
	ArchiveHour     int `mapstructure:"archive_hour" validate:"gte=0,lte=23"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// Config is the root configuration.
type Config struct {
	DatabaseURL string         `mapstructure:"database_url"`
	Matching    MatchingConfig `mapstructure:"matching"`
	Server      ServerConfig   `mapstructure:"server"`
	Archive     ArchiveConfig  `mapstructure:"archive"`
	Fetch       FetchConfig    `mapstructure:"fetch"`
	Jobs        JobsConfig     `mapstructure:"jobs"`
	Log         LogConfig      `mapstructure:"log"`
}

// ErrDatabaseURL is returned by RequireDatabase when no URL is configured.
var ErrDatabaseURL = errors.New("DATABASE_URL environment variable is not set")

var defaults = map[string]any{
	"matching.radius_meters":              matching.DefaultRadiusMeters,
	"matching.emit_single_point_segments": false,
	"matching.scale_correction":           true,
	"matching.workers":                    0,
	"matching.recordings":                 4,
	"server.listen":                       ":8080",
	"server.upload_max_mb":                32,
	"archive.bucket":                      "porto-move",
	"archive.region":                      "auto",
	"fetch.timeout_ms":                    30000,
	"fetch.max_retries":                   3,
	"jobs.interval_seconds":               30,
	"jobs.cleanup_hour":                   4,
	"jobs.archive_hour":                   3,
	"log.level":                           "info",
	"log.json":                            false,
}

// Plain environment names kept for compatibility with existing deployments.
var envAliases = map[string]string{
	"database_url":              "DATABASE_URL",
	"archive.endpoint":          "R2_ENDPOINT",
	"archive.access_key_id":     "R2_ACCESS_KEY_ID",
	"archive.secret_access_key": "R2_SECRET_ACCESS_KEY",
	"archive.bucket":            "R2_BUCKET",
}

// Load reads configuration. path may name a config file; if empty,
// config.yaml is looked up in the working directory and a missing file is
// not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading files or env.
func Default() Config {
	return Config{
		Matching: MatchingConfig{
			RadiusMeters:    matching.DefaultRadiusMeters,
			ScaleCorrection: true,
			Recordings:      4,
		},
		Server:  ServerConfig{Listen: ":8080", UploadMaxMB: 32},
		Archive: ArchiveConfig{Bucket: "porto-move", Region: "auto"},
		Fetch:   FetchConfig{TimeoutMS: 30000, MaxRetries: 3},
		Jobs:    JobsConfig{IntervalSeconds: 30, CleanupHour: 4, ArchiveHour: 3},
		Log:     LogConfig{Level: "info"},
	}
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RequireDatabase returns ErrDatabaseURL unless a database is configured.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURL
	}
	return nil
}

// MatchOptions returns the matching engine options.
func (c Config) MatchOptions() matching.Options {
	opts := matching.DefaultOptions()
	opts.RadiusMeters = c.Matching.RadiusMeters
	opts.ScaleCorrection = c.Matching.ScaleCorrection
	opts.Workers = c.Matching.Workers
	return opts
}

// SegmentOptions returns the reconstruction options.
func (c Config) SegmentOptions() segments.Options {
	return segments.Options{EmitSinglePoints: c.Matching.EmitSinglePointSegments}
}
