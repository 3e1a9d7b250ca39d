package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, env := range []string{"DATABASE_URL", "R2_ENDPOINT", "R2_ACCESS_KEY_ID", "R2_SECRET_ACCESS_KEY", "R2_BUCKET"} {
		t.Setenv(env, "")
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.ErrorIs(t, cfg.RequireDatabase(), ErrDatabaseURL)
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
matching:
  radius_meters: 15
  emit_single_point_segments: true
log:
  level: debug
`), 0o644))

	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/geo")
	t.Setenv("R2_ENDPOINT", "https://example.r2.cloudflarestorage.com")
	t.Setenv("R2_ACCESS_KEY_ID", "key")
	t.Setenv("R2_SECRET_ACCESS_KEY", "secret")
	t.Setenv("MAPMATCH_MATCHING_WORKERS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15.0, cfg.Matching.RadiusMeters)
	assert.True(t, cfg.Matching.EmitSinglePointSegments)
	assert.Equal(t, 3, cfg.Matching.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres://u:p@localhost/geo", cfg.DatabaseURL)
	assert.True(t, cfg.Archive.Enabled())
	assert.NoError(t, cfg.RequireDatabase())

	opts := cfg.MatchOptions()
	assert.Equal(t, 15.0, opts.RadiusMeters)
	assert.True(t, opts.ScaleCorrection)
	assert.True(t, cfg.SegmentOptions().EmitSinglePoints)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero radius", mutate: func(c *Config) { c.Matching.RadiusMeters = 0 }},
		{name: "negative workers", mutate: func(c *Config) { c.Matching.Workers = -1 }},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }},
		{name: "no listen address", mutate: func(c *Config) { c.Server.Listen = "" }},
		{name: "bad archive endpoint", mutate: func(c *Config) { c.Archive.Endpoint = "not a url" }},
		{name: "hour out of range", mutate: func(c *Config) { c.Jobs.ArchiveHour = 24 }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
