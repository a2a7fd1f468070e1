//go:build !windows

package onnx

import (
	"context"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-deepvoice/internal/tensor"
)

const defaultAPIVersion = 23

// Runtime is a loaded ONNX Runtime library and the environment every graph of
// one export shares.
type Runtime struct {
	Info RuntimeInfo

	lib *ort.Runtime
	env *ort.Env
}

// OpenRuntime loads the library named by info.
func OpenRuntime(info RuntimeInfo) (*Runtime, error) {
	lib, err := ort.NewRuntime(info.LibraryPath, defaultAPIVersion)
	if err != nil {
		return nil, fmt.Errorf("onnx: load runtime %s: %w", info.LibraryPath, err)
	}

	env, err := lib.NewEnv("deepvoice", ort.LoggingLevelWarning)
	if err != nil {
		_ = lib.Close()
		return nil, fmt.Errorf("onnx: create env: %w", err)
	}

	return &Runtime{Info: info, lib: lib, env: env}, nil
}

// Open starts a session for g.
func (rt *Runtime) Open(g Graph) (*Runner, error) {
	session, err := rt.lib.NewSession(rt.env, g.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("onnx: open %s graph %s: %w", g.Name, g.Path, err)
	}

	return &Runner{name: g.Name, lib: rt.lib, session: session}, nil
}

// Close releases the environment and library. Runners opened from rt must be
// closed first.
func (rt *Runtime) Close() {
	if rt.env != nil {
		rt.env.Close()
		rt.env = nil
	}

	if rt.lib != nil {
		_ = rt.lib.Close()
		rt.lib = nil
	}
}

// Runner executes one graph.
type Runner struct {
	name    string
	lib     *ort.Runtime
	session *ort.Session
}

// Run feeds *tensor.Float32 or *tensor.Int64 inputs by name and returns the
// outputs in the same types.
func (r *Runner) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	feeds := make(map[string]*ort.Value, len(inputs))
	defer release(feeds)

	for name, t := range inputs {
		v, err := toValue(r.lib, t)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}

		feeds[name] = v
	}

	fetched, err := r.session.Run(ctx, feeds)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", r.name, err)
	}
	defer release(fetched)

	results := make(map[string]any, len(fetched))
	for name, v := range fetched {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		results[name] = t
	}

	return results, nil
}

// Close ends the session. It is safe to call more than once.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
}

func toValue(lib *ort.Runtime, t any) (*ort.Value, error) {
	switch v := t.(type) {
	case *tensor.Float32:
		return ort.NewTensorValue(lib, v.RawData(), v.Shape())
	case *tensor.Int64:
		return ort.NewTensorValue(lib, v.RawData(), v.Shape())
	default:
		return nil, fmt.Errorf("unsupported tensor type %T", t)
	}
}

func fromValue(v *ort.Value) (any, error) {
	elem, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("element type: %w", err)
	}

	switch elem {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}

		return tensor.New(data, shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}

		return tensor.New(data, shape)
	default:
		return nil, fmt.Errorf("unsupported element type %d", elem)
	}
}

func release(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
