package config

import (
	"fmt"
	"strings"
)

const (
	BackendWorker = "worker"
	BackendONNX   = "onnx"
)

// NormalizeBackend canonicalizes a synthesis backend name. Empty means the
// worker engine.
func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendWorker
	}
	switch backend {
	case BackendWorker, BackendONNX:
		return backend, nil
	case "engine", "subprocess":
		return BackendWorker, nil
	default:
		return "", fmt.Errorf("invalid backend %q (expected %s|%s)", raw, BackendWorker, BackendONNX)
	}
}
