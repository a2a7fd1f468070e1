// Package worker drives an external deep-learning engine over net/rpc.
//
// The engine is a subprocess that reads calls on stdin and answers on stdout.
// Every message is a msgpack map {method, seq, error} followed by one msgpack
// value holding the argument or reply. Methods live under the "Engine"
// service: Hello, Configure, Forward, Backward, ClipGradNorm, Step, ZeroGrad,
// SetTraining, State, LoadState, Generate and Invert.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/rpc"
	"os/exec"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/tensor"
)

// ErrClosed is returned by calls on a closed client or after the engine
// exits.
var ErrClosed = errors.New("worker: engine connection closed")

// ProtocolVersion is what Hello expects the engine to report.
const ProtocolVersion = 1

const service = "Engine."

const shutdownTimeout = 10 * time.Second

var (
	_ model.Model     = (*Client)(nil)
	_ model.Generator = (*Client)(nil)
	_ audio.Vocoder   = (*Client)(nil)
)

// Client is a model.Model, model.Generator and audio.Vocoder backed by a
// remote engine.
type Client struct {
	rpc    *rpc.Client
	logger *slog.Logger

	cmd       *exec.Cmd
	stderr    sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewClient speaks the engine protocol over rwc.
func NewClient(rwc io.ReadWriteCloser, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{rpc: rpc.NewClientWithCodec(NewClientCodec(rwc)), logger: logger}
}

// StartOptions configures Start.
type StartOptions struct {
	Dir    string
	Env    []string
	Logger *slog.Logger
}

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// Start launches argv as the engine process. Its stderr is forwarded to the
// logger line by line. The process runs in its own process group and
// outlives ctx, so a final checkpoint can still be fetched after an
// interrupt; Close stops it.
func Start(ctx context.Context, argv []string, opts StartOptions) (*Client, error) {
	if len(argv) == 0 {
		return nil, errors.New("worker: empty engine command")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	isolate(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", argv[0], err)
	}

	c := NewClient(pipeConn{Reader: stdout, WriteCloser: stdin}, logger)
	c.cmd = cmd

	c.stderr.Add(1)
	go func() {
		defer c.stderr.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Info("engine", "line", sc.Text())
		}
	}()

	hello, err := c.Hello(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.Info("engine started", "name", hello.Name, "version", hello.Version, "pid", cmd.Process.Pid)

	return c, nil
}

// call runs one RPC, returning early if ctx is done. An abandoned call's
// reply is discarded when it arrives.
func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	call := c.rpc.Go(service+method, args, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
	case <-ctx.Done():
		return fmt.Errorf("worker: %s: %w", method, ctx.Err())
	}

	if call.Error != nil {
		if errors.Is(call.Error, rpc.ErrShutdown) || errors.Is(call.Error, io.ErrUnexpectedEOF) || errors.Is(call.Error, io.EOF) {
			return fmt.Errorf("worker: %s: %w", method, ErrClosed)
		}

		return fmt.Errorf("worker: %s: %w", method, call.Error)
	}

	return nil
}

// Hello checks the engine's protocol version.
func (c *Client) Hello(ctx context.Context) (HelloReply, error) {
	var reply HelloReply
	if err := c.call(ctx, "Hello", &Empty{}, &reply); err != nil {
		return HelloReply{}, err
	}
	if reply.Protocol != ProtocolVersion {
		return HelloReply{}, fmt.Errorf("worker: engine speaks protocol %d, want %d", reply.Protocol, ProtocolVersion)
	}

	return reply, nil
}

// Configure builds the network and optimizer inside the engine. It must run
// before any training or generation call.
func (c *Client) Configure(ctx context.Context, nVocab int, hparams map[string]any) error {
	if nVocab < 1 {
		return fmt.Errorf("worker: vocabulary size must be >= 1, got %d", nVocab)
	}

	return c.call(ctx, "Configure", &ConfigureArgs{NVocab: nVocab, HParams: hparams}, &Empty{})
}

func (c *Client) Forward(ctx context.Context, in model.TrainInputs) (*model.Outputs, error) {
	args := &ForwardArgs{
		Tokens:         fromInt64(in.Tokens),
		Mel:            fromFloat32(in.Mel),
		TextPositions:  fromInt64(in.TextPositions),
		FramePositions: fromInt64(in.FramePositions),
		InputLengths:   in.InputLengths,
	}

	var reply Outputs
	if err := c.call(ctx, "Forward", args, &reply); err != nil {
		return nil, err
	}

	out, err := reply.decode()
	if err != nil {
		return nil, fmt.Errorf("worker: Forward: %w", err)
	}

	return out, nil
}

func (c *Client) Backward(ctx context.Context, grads *model.Gradients) error {
	if grads == nil {
		return errors.New("worker: Backward: nil gradients")
	}

	return c.call(ctx, "Backward", fromGradients(grads), &Empty{})
}

func (c *Client) ClipGradNorm(ctx context.Context, maxNorm float64) (float64, error) {
	var reply ClipReply
	if err := c.call(ctx, "ClipGradNorm", &ClipArgs{MaxNorm: maxNorm}, &reply); err != nil {
		return 0, err
	}

	return reply.Norm, nil
}

func (c *Client) Step(ctx context.Context, lr float64) error {
	return c.call(ctx, "Step", &StepArgs{LR: lr}, &Empty{})
}

func (c *Client) ZeroGrad(ctx context.Context) error {
	return c.call(ctx, "ZeroGrad", &Empty{}, &Empty{})
}

func (c *Client) SetTraining(ctx context.Context, training bool) error {
	return c.call(ctx, "SetTraining", &TrainingArgs{Training: training}, &Empty{})
}

func (c *Client) State(ctx context.Context) (*model.State, error) {
	var reply State
	if err := c.call(ctx, "State", &Empty{}, &reply); err != nil {
		return nil, err
	}

	params, err := decodeParams(reply.Model)
	if err != nil {
		return nil, fmt.Errorf("worker: State: model %w", err)
	}
	opt, err := decodeParams(reply.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("worker: State: optimizer %w", err)
	}

	return &model.State{Model: params, Optimizer: opt}, nil
}

func (c *Client) LoadState(ctx context.Context, st *model.State, resetOptimizer bool) error {
	if st == nil {
		return errors.New("worker: LoadState: nil state")
	}

	args := &State{Model: fromParams(st.Model), ResetOptimizer: resetOptimizer}
	if !resetOptimizer {
		args.Optimizer = fromParams(st.Optimizer)
	}

	return c.call(ctx, "LoadState", args, &Empty{})
}

func (c *Client) Generate(ctx context.Context, tokens, textPositions *tensor.Int64, maxDecoderSteps int) (*model.Outputs, error) {
	args := &GenerateArgs{
		Tokens:          fromInt64(tokens),
		TextPositions:   fromInt64(textPositions),
		MaxDecoderSteps: maxDecoderSteps,
	}

	var reply Outputs
	if err := c.call(ctx, "Generate", args, &reply); err != nil {
		return nil, err
	}

	out, err := reply.decode()
	if err != nil {
		return nil, fmt.Errorf("worker: Generate: %w", err)
	}

	return out, nil
}

// Invert asks the engine to turn a normalized linear spectrogram into a
// waveform.
func (c *Client) Invert(ctx context.Context, linear *mat.Dense) ([]float32, error) {
	rows, cols := linear.Dims()
	data := make([]float32, 0, rows*cols)
	for i := range rows {
		for j := range cols {
			data = append(data, float32(linear.At(i, j)))
		}
	}

	var reply InvertReply
	args := &InvertArgs{Linear: &Tensor{Shape: []int64{int64(rows), int64(cols)}, F32: data}}
	if err := c.call(ctx, "Invert", args, &reply); err != nil {
		return nil, err
	}

	return reply.Samples, nil
}

// Close shuts down the connection and, for a started engine, waits briefly
// for the process to exit before killing it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		err := c.rpc.Close()
		if errors.Is(err, rpc.ErrShutdown) {
			err = nil
		}

		if c.cmd != nil {
			drained := make(chan struct{})
			go func() {
				c.stderr.Wait()
				close(drained)
			}()

			select {
			case <-drained:
			case <-time.After(shutdownTimeout):
				_ = kill(c.cmd)
				<-drained
				c.logger.Warn("engine killed after shutdown timeout")
			}

			if werr := c.cmd.Wait(); werr != nil {
				c.logger.Warn("engine exited", "error", werr)
			}
		}

		c.closeErr = err
	})

	return c.closeErr
}
