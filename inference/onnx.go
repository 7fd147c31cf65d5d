package inference

import (
	"context"
	"fmt"
	"log"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/mpromonet/gin-malaria/classifier"
)

var (
	ortOnce  sync.Once
	ortErr   error
	ortReady bool
)

func initEnvironment(library string) error {
	ortOnce.Do(func() {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		ortErr = ort.InitializeEnvironment()
		ortReady = ortErr == nil
	})
	return ortErr
}

// Shutdown releases the onnxruntime environment once every OnnxRuntime is closed.
func Shutdown() {
	if ortReady {
		if err := ort.DestroyEnvironment(); err != nil {
			log.Printf("destroy onnxruntime environment: %v", err)
		}
	}
}

// OnnxRuntime runs an ONNX model. A DynamicAdvancedSession binds tensors per
// call, so Run is safe for concurrent use.
type OnnxRuntime struct {
	session *ort.DynamicAdvancedSession
	sig     classifier.Signature
}

func NewOnnxRuntime(opts Options) (*OnnxRuntime, error) {
	if err := initEnvironment(opts.OrtLibrary); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model signature: %w", err)
	}
	sig, err := onnxSignature(inputs, outputs)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()
	if opts.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, names(sig.Inputs), names(sig.Outputs), options)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Println("onnx inputs:", sig.Inputs, "outputs:", sig.Outputs)
	return &OnnxRuntime{session: session, sig: sig}, nil
}

func onnxSignature(inputs, outputs []ort.InputOutputInfo) (classifier.Signature, error) {
	var sig classifier.Signature
	for _, in := range inputs {
		if in.DataType != ort.TensorElementDataTypeFloat {
			return sig, fmt.Errorf("%w: input %q is %v, want float32", ErrUnsupportedModel, in.Name, in.DataType)
		}
		sig.Inputs = append(sig.Inputs, classifier.TensorInfo{Name: in.Name, Shape: []int64(in.Dimensions)})
	}
	for _, out := range outputs {
		if out.DataType != ort.TensorElementDataTypeFloat {
			return sig, fmt.Errorf("%w: output %q is %v, want float32", ErrUnsupportedModel, out.Name, out.DataType)
		}
		sig.Outputs = append(sig.Outputs, classifier.TensorInfo{Name: out.Name, Shape: []int64(out.Dimensions)})
	}
	return sig, nil
}

func names(infos []classifier.TensorInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func (r *OnnxRuntime) Signature() classifier.Signature { return r.sig }

func (r *OnnxRuntime) Run(ctx context.Context, inputs map[string]classifier.Tensor, outputs []string) (map[string]classifier.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := make([]ort.Value, len(r.sig.Inputs))
	for i, info := range r.sig.Inputs {
		t, ok := inputs[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", info.Name)
		}
		if n := shapeSize(t.Shape); n != len(t.Data) {
			return nil, fmt.Errorf("input %q: shape %v holds %d values, got %d", info.Name, t.Shape, n, len(t.Data))
		}
		tensor, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("create input %q: %w", info.Name, err)
		}
		defer tensor.Destroy()
		in[i] = tensor
	}

	// every declared output is bound, onnxruntime allocates them so dynamic
	// dimensions resolve per call
	out := make([]ort.Value, len(r.sig.Outputs))
	if err := r.session.Run(in, out); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer destroyValues(out)

	result := make(map[string]classifier.Tensor, len(outputs))
	for _, name := range outputs {
		idx := indexOf(r.sig.Outputs, name)
		if idx < 0 {
			return nil, fmt.Errorf("unknown output %q", name)
		}
		t, err := floatTensor(out[idx])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		result[name] = t
	}
	return result, nil
}

func floatTensor(v ort.Value) (classifier.Tensor, error) {
	tensor, ok := v.(*ort.Tensor[float32])
	if !ok {
		return classifier.Tensor{}, fmt.Errorf("unexpected value %T, want float32 tensor", v)
	}
	data := tensor.GetData()
	values := make([]float32, len(data))
	copy(values, data)
	return classifier.Tensor{Shape: []int64(tensor.GetShape()), Data: values}, nil
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

func indexOf(infos []classifier.TensorInfo, name string) int {
	for i, info := range infos {
		if info.Name == name {
			return i
		}
	}
	return -1
}

func (r *OnnxRuntime) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	return err
}
