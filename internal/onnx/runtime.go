package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/example/go-deepvoice/internal/config"
)

// RuntimeInfo describes a located ONNX Runtime library.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
	// Source names where LibraryPath came from: "config", an environment
	// variable, or "search".
	Source string
}

var versionPattern = regexp.MustCompile(`([0-9]+\.[0-9]+\.[0-9]+)`)

// ErrRuntimeNotFound is returned when no library could be located.
var ErrRuntimeNotFound = errors.New("onnx: runtime library not found")

func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

var searchDirs = []string{
	"/usr/lib",
	"/usr/local/lib",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/opt/homebrew/lib",
	"C:/onnxruntime/lib",
}

// DetectRuntime locates the ONNX Runtime shared library. It tries
// runtime.ort_library_path, DEEPVOICE_ORT_LIB, ORT_LIBRARY_PATH and then the
// usual install directories.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	info, err := locate(cfg)
	if err != nil {
		return info, err
	}

	if _, err := os.Stat(info.LibraryPath); err != nil {
		return info, fmt.Errorf("onnx: runtime library from %s: %w", info.Source, err)
	}

	info.Version = cfg.ORTVersion
	if info.Version == "" {
		info.Version = os.Getenv("ORT_VERSION")
	}
	if info.Version == "" {
		info.Version = inferVersionFromPath(info.LibraryPath)
	}
	if info.Version == "" {
		info.Version = "unknown"
	}

	return info, nil
}

func locate(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	if cfg.ORTLibraryPath != "" {
		return RuntimeInfo{LibraryPath: cfg.ORTLibraryPath, Source: "config"}, nil
	}

	for _, env := range []string{"DEEPVOICE_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			return RuntimeInfo{LibraryPath: p, Source: env}, nil
		}
	}

	name := libraryName()
	for _, dir := range searchDirs {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return RuntimeInfo{LibraryPath: p, Source: "search"}, nil
		}
	}

	return RuntimeInfo{Version: "unknown"}, ErrRuntimeNotFound
}

func inferVersionFromPath(path string) string {
	if m := versionPattern.FindStringSubmatch(filepath.Base(path)); len(m) == 2 {
		return m[1]
	}

	return ""
}
