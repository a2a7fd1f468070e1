package onnx

import (
	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/config"
)

// Export is an opened ONNX export: a generator and vocoder sharing one
// runtime.
type Export struct {
	Generator *Generator
	Vocoder   *Vocoder
	Runtime   RuntimeInfo

	rt *Runtime
}

// OpenExport locates the runtime and opens both graphs listed in
// cfg.ONNXManifest.
func OpenExport(cfg config.RuntimeConfig, p audio.Params) (*Export, error) {
	m, err := LoadManifest(cfg.ONNXManifest)
	if err != nil {
		return nil, err
	}

	info, err := DetectRuntime(cfg)
	if err != nil {
		return nil, err
	}

	rt, err := OpenRuntime(info)
	if err != nil {
		return nil, err
	}

	gen, err := NewGenerator(rt, m)
	if err != nil {
		rt.Close()
		return nil, err
	}

	voc, err := NewVocoder(rt, m, p)
	if err != nil {
		gen.Close()
		rt.Close()
		return nil, err
	}

	return &Export{Generator: gen, Vocoder: voc, Runtime: info, rt: rt}, nil
}

func (e *Export) Close() {
	e.Vocoder.Close()
	e.Generator.Close()
	e.rt.Close()
}
