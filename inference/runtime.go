// Package inference loads model files into classifier.Runtime implementations.
package inference

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mpromonet/gin-malaria/classifier"
)

var ErrUnsupportedModel = errors.New("unsupported model")

type Options struct {
	ModelPath string
	// OrtLibrary is the onnxruntime shared library, empty for the platform default.
	OrtLibrary string
	NumThreads int
	// Workers is the number of tflite interpreters serving requests in parallel.
	Workers int
	EdgeTPU bool
}

// Open picks a runtime from the model file extension.
func Open(opts Options) (classifier.Runtime, error) {
	switch ext := strings.ToLower(filepath.Ext(opts.ModelPath)); ext {
	case ".onnx":
		return NewOnnxRuntime(opts)
	case ".tflite":
		return NewTfliteRuntime(opts)
	default:
		return nil, fmt.Errorf("%w: %q extension", ErrUnsupportedModel, ext)
	}
}

func shapeSize(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
