package classifier

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSignature is returned when a runtime's declared tensors cannot serve the pipeline.
	ErrSignature = errors.New("incompatible model signature")
	// ErrEmptyOutput is returned when the runtime answers without the requested output.
	ErrEmptyOutput = errors.New("empty model output")
)

// TensorInfo describes one declared model tensor. Unknown dimensions are <= 0.
type TensorInfo struct {
	Name  string
	Shape []int64
}

// Signature lists a model's declared inputs and outputs in model order.
type Signature struct {
	Inputs  []TensorInfo
	Outputs []TensorInfo
}

// Runtime executes a loaded model. Implementations must allow concurrent Run calls.
type Runtime interface {
	Signature() Signature
	Run(ctx context.Context, inputs map[string]Tensor, outputs []string) (map[string]Tensor, error)
	Close() error
}

// Pipeline classifies RawImages against a loaded runtime. It holds no
// mutable state and can be shared between goroutines.
type Pipeline struct {
	rt     Runtime
	input  string
	output string
}

// NewPipeline binds the first declared input and output of rt.
func NewPipeline(rt Runtime) (*Pipeline, error) {
	sig := rt.Signature()
	if len(sig.Inputs) == 0 || len(sig.Outputs) == 0 {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs", ErrSignature, len(sig.Inputs), len(sig.Outputs))
	}
	in := sig.Inputs[0]
	if err := checkInputShape(in.Shape); err != nil {
		return nil, fmt.Errorf("input %q: %w", in.Name, err)
	}
	return &Pipeline{
		rt:     rt,
		input:  in.Name,
		output: sig.Outputs[0].Name,
	}, nil
}

func checkInputShape(shape []int64) error {
	if len(shape) == 0 {
		return nil
	}
	want := []int64{1, InputHeight, InputWidth, InputChannels}
	if len(shape) != len(want) {
		return fmt.Errorf("%w: shape %v, want %v", ErrSignature, shape, want)
	}
	for i, d := range shape {
		if d > 0 && d != want[i] {
			return fmt.Errorf("%w: shape %v, want %v", ErrSignature, shape, want)
		}
	}
	return nil
}

func (p *Pipeline) InputName() string  { return p.input }
func (p *Pipeline) OutputName() string { return p.output }

// Classify preprocesses img, runs the model and applies the decision threshold.
func (p *Pipeline) Classify(ctx context.Context, img RawImage) (*Result, error) {
	tensor, err := Preprocess(img)
	if err != nil {
		return nil, err
	}

	out, err := p.rt.Run(ctx, map[string]Tensor{p.input: tensor}, []string{p.output})
	if err != nil {
		return nil, fmt.Errorf("run model: %w", err)
	}
	o, ok := out[p.output]
	if !ok || len(o.Data) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyOutput, p.output)
	}

	// first value of the first batch row is P(Uninfected)
	return NewResult(NewProbabilities(float64(o.Data[0]))), nil
}
