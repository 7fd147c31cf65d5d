package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuantize(t *testing.T) {
	tests := []struct {
		name      string
		v         float32
		scale     float64
		zeroPoint int
		want      uint8
	}{
		{"unquantized passthrough", 200, 0, 0, 200},
		{"unquantized clamps low", -5, 0, 0, 0},
		{"unquantized clamps high", 300, 0, 0, 255},
		{"unit scale", 0.5, 1.0 / 255, 0, 128},
		{"zero point", -10, 0.5, 128, 108},
		{"clamps low", -1000, 0.5, 128, 0},
		{"clamps high", 1000, 0.5, 128, 255},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, quantize(tt.v, tt.scale, tt.zeroPoint))
		})
	}
}

func TestDequantize(t *testing.T) {
	tests := []struct {
		name      string
		u         uint8
		scale     float64
		zeroPoint int
		want      float32
	}{
		{"unquantized", 255, 0, 0, 1},
		{"unquantized zero", 0, 0, 0, 0},
		{"zero point", 200, 0.5, 128, 36},
		{"below zero point", 100, 0.5, 128, -14},
		{"sigmoid output", 172, 1.0 / 256, 0, 0.671875},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, dequantize(tt.u, tt.scale, tt.zeroPoint), 1e-6)
		})
	}
}

func TestQuantizeRoundTrip(t *testing.T) {
	for _, v := range []float32{0, 0.25, 0.672, 1} {
		u := quantize(v, 1.0/255, 0)
		assert.InDelta(t, v, dequantize(u, 1.0/255, 0), 1.0/255, "value %v", v)
	}
}
