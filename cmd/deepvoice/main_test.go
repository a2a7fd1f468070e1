package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/example/go-deepvoice/internal/testutil"
	"github.com/example/go-deepvoice/internal/worker"
)

// fakeEngineEnv makes the test binary serve an in-memory engine on stdio.
// Its value is "n_mels,linear_dim,r,downsample_step".
const fakeEngineEnv = "DEEPVOICE_CLI_FAKE_ENGINE"

func TestMain(m *testing.M) {
	if dims := os.Getenv(fakeEngineEnv); dims != "" {
		os.Exit(serveFakeEngine(dims))
	}

	os.Exit(m.Run())
}

func serveFakeEngine(dims string) int {
	var nMels, linearDim, r, ds int
	if _, err := fmt.Sscanf(dims, "%d,%d,%d,%d", &nMels, &linearDim, &r, &ds); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "bad %s=%q: %v\n", fakeEngineEnv, dims, err)
		return 2
	}

	eng := testutil.NewEngine(nMels, linearDim, r, ds)
	rwc := struct {
		io.Reader
		io.WriteCloser
	}{os.Stdin, os.Stdout}

	if err := worker.Serve(rwc, worker.NewService(eng, "fake", "test")); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}

	return 0
}

// fakeEngineCommand returns an --engine value that re-executes this test
// binary as an engine with the given feature sizes.
func fakeEngineCommand(t *testing.T, nMels, linearDim, r, ds int) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	t.Setenv(fakeEngineEnv, fmt.Sprintf("%d,%d,%d,%d", nMels, linearDim, r, ds))

	return exe
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}
