package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/mpromonet/gin-malaria/server"
)

type Config struct {
	Listen string `yaml:"listen"`
	Model  string `yaml:"model"`

	OrtLibrary string `yaml:"ort_library"`
	NumThreads int    `yaml:"num_threads"`
	Workers    int    `yaml:"workers"`
	EdgeTPU    bool   `yaml:"edgetpu"`

	Decoder        string `yaml:"decoder"`
	StaticDir      string `yaml:"static_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	GinMode        string `yaml:"gin_mode"`
}

func defaultConfig() Config {
	return Config{
		Listen:         ":8000",
		Model:          "models/quantized_model2.onnx",
		NumThreads:     4,
		Workers:        2,
		Decoder:        server.DecoderStd,
		MaxUploadBytes: 10 << 20,
		GinMode:        gin.ReleaseMode,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.NumThreads < 0 {
		cfg.NumThreads = 0
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	switch cfg.Decoder {
	case server.DecoderStd, server.DecoderOpenCV:
	default:
		cfg.Decoder = def.Decoder
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	switch cfg.GinMode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		cfg.GinMode = def.GinMode
	}
	return cfg
}

// loadConfig reads a YAML file over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return sanitizeConfig(cfg), nil
}
