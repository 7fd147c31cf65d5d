package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, "std", cfg.Decoder)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:9000
model: models/malaria.tflite
workers: 3
edgetpu: true
decoder: opencv
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "models/malaria.tflite", cfg.Model)
	assert.Equal(t, 3, cfg.Workers)
	assert.True(t, cfg.EdgeTPU)
	assert.Equal(t, "opencv", cfg.Decoder)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.NumThreads)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
}

func TestLoadConfigSanitizes(t *testing.T) {
	path := writeConfig(t, `
workers: 0
decoder: pillow
max_upload_bytes: -1
gin_mode: verbose
num_threads: -2
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, "std", cfg.Decoder)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "release", cfg.GinMode)
	assert.Equal(t, 0, cfg.NumThreads)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "listen: [unterminated"))
	assert.Error(t, err)
}
