// Package bench measures synthesis latency and real-time factor.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/go-deepvoice/internal/audio"
)

// SynthFunc produces one WAV file per call.
type SynthFunc func(ctx context.Context) ([]byte, error)

// RunResult holds the timing and audio metadata for a single synthesis run.
type RunResult struct {
	Index       int
	Cold        bool // first run, includes lazy engine warm-up
	Duration    time.Duration
	WAVDuration time.Duration
	RTF         float64
}

// Stats aggregates wall-clock durations across runs.
type Stats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	MeanRTF float64
}

// Run calls fn runs times and measures each call.
func Run(ctx context.Context, fn SynthFunc, runs int) ([]RunResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("bench: runs must be >= 1, got %d", runs)
	}

	results := make([]RunResult, 0, runs)
	for i := range runs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		start := time.Now()
		wav, err := fn(ctx)
		elapsed := time.Since(start)
		if err != nil {
			return results, fmt.Errorf("bench: run %d: %w", i+1, err)
		}

		audioDur, err := WAVDuration(wav)
		if err != nil {
			return results, fmt.Errorf("bench: run %d: %w", i+1, err)
		}

		results = append(results, RunResult{
			Index:       i,
			Cold:        i == 0,
			Duration:    elapsed,
			WAVDuration: audioDur,
			RTF:         CalcRTF(elapsed, audioDur),
		})
	}

	return results, nil
}

// ComputeStats summarizes runs. An empty slice yields zero Stats.
func ComputeStats(runs []RunResult) Stats {
	if len(runs) == 0 {
		return Stats{}
	}

	mn, mx := runs[0].Duration, runs[0].Duration
	var (
		sum    time.Duration
		rtfSum float64
	)
	for _, r := range runs {
		mn = min(mn, r.Duration)
		mx = max(mx, r.Duration)
		sum += r.Duration
		rtfSum += r.RTF
	}

	return Stats{
		Min:     mn,
		Max:     mx,
		Mean:    sum / time.Duration(len(runs)),
		MeanRTF: rtfSum / float64(len(runs)),
	}
}

// CalcRTF returns synthesis time over audio time, or 0 for silent output.
func CalcRTF(synthDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(synthDur) / float64(audioDur)
}

// WAVDuration returns the playback length of an encoded WAV file.
func WAVDuration(wav []byte) (time.Duration, error) {
	samples, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, errors.New("bench: wav has no sample rate")
	}

	return time.Duration(int64(len(samples)) * int64(time.Second) / int64(rate)), nil
}

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// FormatTable writes a human-readable table of results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %12s  %8s\n", "Run", "Cold", "MS", "Audio(ms)", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 48))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %12.1f  %8.3f\n",
			r.Index+1,
			cold,
			float64(r.Duration.Microseconds())/1000,
			float64(r.WAVDuration.Microseconds())/1000,
			r.RTF,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 48))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %12s  %8s  (min)\n", "", "", msec(stats.Min), "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %12s  %8.3f  (mean)\n", "", "", msec(stats.Mean), "", stats.MeanRTF)
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %12s  %8s  (max)\n", "", "", msec(stats.Max), "", "")

	fmt.Fprint(w, sb.String())
}

func msec(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	AudioMS    float64 `json:"audio_ms"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS   float64 `json:"min_ms"`
	MeanMS  float64 `json:"mean_ms"`
	MaxMS   float64 `json:"max_ms"`
	MeanRTF float64 `json:"mean_rtf"`
}

// FormatJSON writes an indented JSON report of results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:   msec(stats.Min),
			MeanMS:  msec(stats.Mean),
			MaxMS:   msec(stats.Max),
			MeanRTF: stats.MeanRTF,
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: msec(r.Duration),
			AudioMS:    msec(r.WAVDuration),
			RTF:        r.RTF,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
