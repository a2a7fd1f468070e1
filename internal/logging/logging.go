// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the rotated log written under the run directory.
const FileName = "train.slog"

// ParseLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Options configures Setup.
type Options struct {
	Level string
	// Dir, when set, receives a rotated copy of every record in FileName.
	Dir    string
	Stderr io.Writer
}

// Logger wraps the configured slog.Logger together with the rotated file it
// writes, if any.
type Logger struct {
	*slog.Logger
	LogFile string
	Start   time.Time

	file *lumberjack.Logger
}

// New builds a JSON logger. Unknown levels fall back to info after a
// warning on stderr.
func New(opts Options) *Logger {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
	}

	l := &Logger{Start: time.Now()}
	w := stderr
	if opts.Dir != "" {
		l.file = &lumberjack.Logger{
			Filename: filepath.Join(opts.Dir, FileName),
			MaxSize:  64, // MB
			MaxAge:   14,
			Compress: true,
		}
		l.LogFile = l.file.Filename
		w = io.MultiWriter(stderr, l.file)
	}

	l.Logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))

	return l
}

// Setup builds a logger with New and installs it as the slog default.
func Setup(opts Options) *Logger {
	l := New(opts)
	slog.SetDefault(l.Logger)

	return l
}

// Banner logs the host and build the run is using.
func (l *Logger) Banner() {
	l.Info("system information",
		slog.String("goarch", runtime.GOARCH),
		slog.String("goos", runtime.GOOS),
		slog.Int("num_cpu", runtime.NumCPU()),
		slog.String("cpu", cpuid.CPU.BrandName),
		slog.Int("physical_cores", cpuid.CPU.PhysicalCores),
		slog.Bool("avx2", cpuid.CPU.Supports(cpuid.AVX2)),
		slog.Bool("avx512", cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ)))

	if bi, ok := debug.ReadBuildInfo(); ok {
		l.Info("build",
			slog.String("go_version", bi.GoVersion),
			slog.String("path", bi.Path),
			slog.String("version", bi.Main.Version))
	}
}

// Close releases the rotated log file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	return l.file.Close()
}
