package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/testutil"
)

func servingConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := testConfig(t)
	cfg.HParams.NumMels = 3
	cfg.HParams.FFTSize = 8
	cfg.HParams.SampleRate = 16000
	cfg.HParams.EvalMaxDecoderSteps = 6
	cfg.Runtime.Engine = fakeEngineCommand(t, 3, 5, 1, 1)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 1

	return cfg
}

func TestRunServeSynthesizesOverHTTP(t *testing.T) {
	cfg := servingConfig(t)
	ckpt := writeCheckpoint(t, t.TempDir(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(ctx, cfg, serveOptions{}, ckpt, func(addr string) { ready <- addr })
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errCh:
		t.Fatalf("runServe exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not become ready")
	}

	out, err := execute(t, "health", "--addr", addr)
	if err != nil {
		t.Fatalf("health: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok "+addr) {
		t.Errorf("health output = %q", out)
	}

	body, _ := json.Marshal(map[string]any{"text": "Once upon a time."})
	resp, err := http.Post("http://"+addr+"/tts", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /tts: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, wav)
	}
	testutil.AssertValidWAV(t, wav, 16000)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runServe after shutdown: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServeRequiresEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.Engine = ""

	err := runServe(context.Background(), cfg, serveOptions{}, "missing.safetensors", nil)
	if err == nil || !strings.Contains(err.Error(), "no model engine configured") {
		t.Fatalf("err = %v", err)
	}
}

func TestHealthCommandFailsWithoutServer(t *testing.T) {
	out, err := execute(t, "health", "--addr", "127.0.0.1:1", "--timeout", "500ms")
	if err == nil {
		t.Fatalf("health succeeded against a closed port:\n%s", out)
	}
	if !strings.Contains(err.Error(), "health check 127.0.0.1:1") {
		t.Errorf("err = %v", err)
	}
}
