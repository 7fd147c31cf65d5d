package inference

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates"
	"github.com/mattn/go-tflite/delegates/edgetpu"

	"github.com/mpromonet/gin-malaria/classifier"
)

// TfliteRuntime serves a tflite model from a fixed pool of interpreters,
// since an interpreter handles one invocation at a time.
type TfliteRuntime struct {
	model    *tflite.Model
	delegate delegates.Delegater
	interps  chan *tflite.Interpreter
	all      []*tflite.Interpreter
	sig      classifier.Signature
}

func NewTfliteRuntime(opts Options) (*TfliteRuntime, error) {
	model := tflite.NewModelFromFile(opts.ModelPath)
	if model == nil {
		return nil, fmt.Errorf("cannot load model %s", opts.ModelPath)
	}
	r := &TfliteRuntime{model: model}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	if opts.NumThreads > 0 {
		options.SetNumThread(opts.NumThreads)
	}

	if opts.EdgeTPU {
		devices, err := edgetpu.DeviceList()
		if err != nil {
			log.Printf("Could not get EdgeTPU devices: %v", err)
		}
		if len(devices) == 0 {
			log.Println("No edge TPU devices found")
		} else {
			r.delegate = edgetpu.New(devices[0])
			options.AddDelegate(r.delegate)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	r.interps = make(chan *tflite.Interpreter, workers)
	for i := 0; i < workers; i++ {
		interpreter := tflite.NewInterpreter(model, options)
		if interpreter == nil {
			r.Close()
			return nil, fmt.Errorf("cannot create interpreter %d", i)
		}
		r.all = append(r.all, interpreter)
		if status := interpreter.AllocateTensors(); status != tflite.OK {
			r.Close()
			return nil, fmt.Errorf("allocate tensors: %v", status)
		}
		r.interps <- interpreter
	}

	r.sig = tfliteSignature(r.all[0])
	log.Println("tflite inputs:", r.sig.Inputs, "outputs:", r.sig.Outputs, "workers:", workers)
	return r, nil
}

func getTensorShape(tensor *tflite.Tensor) []int64 {
	shape := []int64{}
	for idx := 0; idx < tensor.NumDims(); idx++ {
		shape = append(shape, int64(tensor.Dim(idx)))
	}
	return shape
}

func tfliteSignature(interp *tflite.Interpreter) classifier.Signature {
	var sig classifier.Signature
	for idx := 0; idx < interp.GetInputTensorCount(); idx++ {
		t := interp.GetInputTensor(idx)
		sig.Inputs = append(sig.Inputs, classifier.TensorInfo{Name: t.Name(), Shape: getTensorShape(t)})
	}
	for idx := 0; idx < interp.GetOutputTensorCount(); idx++ {
		t := interp.GetOutputTensor(idx)
		sig.Outputs = append(sig.Outputs, classifier.TensorInfo{Name: t.Name(), Shape: getTensorShape(t)})
	}
	return sig
}

func (r *TfliteRuntime) Signature() classifier.Signature { return r.sig }

func (r *TfliteRuntime) Run(ctx context.Context, inputs map[string]classifier.Tensor, outputs []string) (map[string]classifier.Tensor, error) {
	var interp *tflite.Interpreter
	select {
	case interp = <-r.interps:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { r.interps <- interp }()

	for name, t := range inputs {
		idx := indexOf(r.sig.Inputs, name)
		if idx < 0 {
			return nil, fmt.Errorf("unknown input %q", name)
		}
		if err := fillInput(interp.GetInputTensor(idx), t.Data); err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
	}

	if status := interp.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("invoke failed: %v", status)
	}

	result := make(map[string]classifier.Tensor, len(outputs))
	for _, name := range outputs {
		idx := indexOf(r.sig.Outputs, name)
		if idx < 0 {
			return nil, fmt.Errorf("unknown output %q", name)
		}
		output := interp.GetOutputTensor(idx)
		values, err := extractOutput(output)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		result[name] = classifier.Tensor{Shape: getTensorShape(output), Data: values}
	}
	return result, nil
}

func fillInput(input *tflite.Tensor, v []float32) error {
	switch input.Type() {
	case tflite.Float32:
		dst := input.Float32s()
		if len(dst) != len(v) {
			return fmt.Errorf("size %d, want %d", len(v), len(dst))
		}
		copy(dst, v)
	case tflite.UInt8:
		dst := input.UInt8s()
		if len(dst) != len(v) {
			return fmt.Errorf("size %d, want %d", len(v), len(dst))
		}
		q := input.QuantizationParams()
		for i, f := range v {
			dst[i] = quantize(f, q.Scale, q.ZeroPoint)
		}
	default:
		return fmt.Errorf("unsupported tensor type %v", input.Type())
	}
	return nil
}

func extractOutput(output *tflite.Tensor) ([]float32, error) {
	switch output.Type() {
	case tflite.Float32:
		f := output.Float32s()
		loc := make([]float32, len(f))
		copy(loc, f)
		return loc, nil
	case tflite.UInt8:
		f := output.UInt8s()
		q := output.QuantizationParams()
		loc := make([]float32, len(f))
		for i, v := range f {
			loc[i] = dequantize(v, q.Scale, q.ZeroPoint)
		}
		return loc, nil
	}
	return nil, fmt.Errorf("unsupported tensor type %v", output.Type())
}

// quantize maps a real value to uint8 with round(v/scale)+zeroPoint,
// clamped to 0..255. A zero scale means the tensor is not quantized.
func quantize(v float32, scale float64, zeroPoint int) uint8 {
	f := float64(v)
	if scale != 0 {
		f = math.Round(f/scale) + float64(zeroPoint)
	}
	return uint8(math.Max(0, math.Min(255, f)))
}

// dequantize is (u-zeroPoint)*scale, or u/255 without quantization parameters.
func dequantize(u uint8, scale float64, zeroPoint int) float32 {
	if scale == 0 {
		return float32(u) / 255
	}
	return float32(float64(int(u)-zeroPoint) * scale)
}

func (r *TfliteRuntime) Close() error {
	for _, interp := range r.all {
		interp.Delete()
	}
	r.all = nil
	if r.delegate != nil {
		r.delegate.Delete()
		r.delegate = nil
	}
	if r.model != nil {
		r.model.Delete()
		r.model = nil
	}
	return nil
}
