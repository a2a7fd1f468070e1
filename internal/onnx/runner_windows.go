//go:build windows

package onnx

import (
	"context"
	"errors"
)

var errNoWindowsRuntime = errors.New("onnx: the purego runtime is not supported on windows")

type Runtime struct {
	Info RuntimeInfo
}

func OpenRuntime(RuntimeInfo) (*Runtime, error) {
	return nil, errNoWindowsRuntime
}

func (rt *Runtime) Open(Graph) (*Runner, error) {
	return nil, errNoWindowsRuntime
}

func (rt *Runtime) Close() {}

type Runner struct{}

func (r *Runner) Run(context.Context, map[string]any) (map[string]any, error) {
	return nil, errNoWindowsRuntime
}

func (r *Runner) Close() {}
