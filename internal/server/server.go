// Package server exposes a trained model as an HTTP synthesis service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/synth"
	"github.com/example/go-deepvoice/internal/text"
)

// Synthesizer produces WAV bytes from text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, maxDecoderSteps int) ([]byte, error)
}

type options struct {
	maxTextBytes    int
	workers         int
	requestTimeout  time.Duration
	maxDecoderSteps int
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextBytes:    4096,
		workers:         1,
		requestTimeout:  60 * time.Second,
		maxDecoderSteps: 500,
		logger:          slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for POST /tts.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithWorkers sets the maximum number of concurrent synthesis calls. Zero
// disables the limit.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithMaxDecoderSteps sets the decoder limit used when a request names none.
func WithMaxDecoderSteps(n int) Option {
	return func(o *options) { o.maxDecoderSteps = n }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type handler struct {
	synth Synthesizer
	opts  options
	sem   chan struct{}
	log   *slog.Logger
}

// NewHandler returns an http.Handler that serves /health and POST /tts.
func NewHandler(s Synthesizer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{synth: s, opts: opts, log: opts.logger}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/tts", h.handleTTS)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

type ttsRequest struct {
	Text            string `json:"text"`
	MaxDecoderSteps int    `json:"max_decoder_steps"`
}

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text field is required")
		return
	}

	if len(req.Text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return
	}

	steps := req.MaxDecoderSteps
	if steps <= 0 {
		steps = h.opts.maxDecoderSteps
	}

	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	wav, err := h.synth.Synthesize(ctx, req.Text, steps)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		attrs := []any{
			slog.Int("text_len", len(req.Text)),
			slog.Int("max_decoder_steps", steps),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		}

		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			h.log.WarnContext(r.Context(), "synthesis timed out", attrs...)
			writeError(w, http.StatusGatewayTimeout, "synthesis timed out")
		case errors.Is(err, text.ErrEmptyText):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.ErrorContext(r.Context(), "synthesis failed", attrs...)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.log.InfoContext(r.Context(), "synthesis complete",
		slog.Int("text_len", len(req.Text)),
		slog.Int("max_decoder_steps", steps),
		slog.Int64("duration_ms", durationMS),
		slog.Int("wav_bytes", len(wav)),
	)

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// DriverSynthesizer adapts a synth.Driver to Synthesizer.
type DriverSynthesizer struct {
	Driver *synth.Driver
	// ReplacePronunciationProb is forwarded to the text frontend.
	ReplacePronunciationProb float64
}

func (d DriverSynthesizer) Synthesize(ctx context.Context, sentence string, maxDecoderSteps int) ([]byte, error) {
	sp, err := d.Driver.Synthesize(ctx, sentence, maxDecoderSteps, d.ReplacePronunciationProb)
	if err != nil {
		return nil, err
	}

	return audio.EncodeWAV(sp.Waveform, d.Driver.SampleRate)
}

// Server wires a handler into a net/http.Server with graceful shutdown.
type Server struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
	ready           chan string
}

func New(addr string, h http.Handler) *Server {
	return &Server{
		addr:            addr,
		handler:         h,
		shutdownTimeout: 30 * time.Second,
		ready:           make(chan string, 1),
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Ready yields the bound address once the listener is up.
func (s *Server) Ready() <-chan string { return s.ready }

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	s.ready <- ln.Addr().String()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}

// CheckHealth checks the /health endpoint at addr.
func CheckHealth(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
