package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mpromonet/gin-malaria/inference"
)

func TestRunFailsOnUnloadableModel(t *testing.T) {
	cfg := defaultConfig()
	cfg.Model = "models/model.h5"
	cfg.Listen = "127.0.0.1:0"

	err := run(cfg)
	assert.ErrorIs(t, err, inference.ErrUnsupportedModel)
	assert.Contains(t, err.Error(), "cannot load model")
}
