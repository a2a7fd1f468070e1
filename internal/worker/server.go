package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/rpc"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/tensor"
)

// Backend is an in-process engine that Serve exposes over the wire protocol.
type Backend interface {
	model.Model
	Generate(ctx context.Context, tokens, textPositions *tensor.Int64, maxDecoderSteps int) (*model.Outputs, error)
	audio.Vocoder
}

// Configurer is implemented by backends that build their network on demand.
type Configurer interface {
	Configure(ctx context.Context, nVocab int, hparams map[string]any) error
}

// Service adapts a Backend to the "Engine" RPC service.
type Service struct {
	backend Backend
	hello   HelloReply
}

// NewService wraps b. name and version are reported by Hello.
func NewService(b Backend, name, version string) *Service {
	return &Service{backend: b, hello: HelloReply{Name: name, Version: version, Protocol: ProtocolVersion}}
}

// Serve answers engine calls on rwc until the peer hangs up.
func Serve(rwc io.ReadWriteCloser, s *Service) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Engine", s); err != nil {
		return fmt.Errorf("worker: register service: %w", err)
	}

	srv.ServeCodec(NewServerCodec(rwc))

	return nil
}

func (s *Service) Hello(_ *Empty, reply *HelloReply) error {
	*reply = s.hello
	return nil
}

func (s *Service) Configure(args *ConfigureArgs, _ *Empty) error {
	c, ok := s.backend.(Configurer)
	if !ok {
		return nil
	}

	return c.Configure(context.Background(), args.NVocab, args.HParams)
}

func (s *Service) Forward(args *ForwardArgs, reply *Outputs) error {
	var (
		in  model.TrainInputs
		err error
	)

	if in.Tokens, err = args.Tokens.toInt64(); err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	if in.Mel, err = args.Mel.toFloat32(); err != nil {
		return fmt.Errorf("mel: %w", err)
	}
	if in.TextPositions, err = args.TextPositions.toInt64(); err != nil {
		return fmt.Errorf("text positions: %w", err)
	}
	if in.FramePositions, err = args.FramePositions.toInt64(); err != nil {
		return fmt.Errorf("frame positions: %w", err)
	}
	in.InputLengths = args.InputLengths

	out, err := s.backend.Forward(context.Background(), in)
	if err != nil {
		return err
	}

	*reply = *fromOutputs(out)

	return nil
}

func (s *Service) Backward(args *Outputs, _ *Empty) error {
	out, err := args.decode()
	if err != nil {
		return err
	}

	return s.backend.Backward(context.Background(), &model.Gradients{
		Mel:       out.Mel,
		Linear:    out.Linear,
		Attention: out.Attention,
		Done:      out.Done,
	})
}

func (s *Service) ClipGradNorm(args *ClipArgs, reply *ClipReply) error {
	norm, err := s.backend.ClipGradNorm(context.Background(), args.MaxNorm)
	if err != nil {
		return err
	}

	reply.Norm = norm

	return nil
}

func (s *Service) Step(args *StepArgs, _ *Empty) error {
	return s.backend.Step(context.Background(), args.LR)
}

func (s *Service) ZeroGrad(_ *Empty, _ *Empty) error {
	return s.backend.ZeroGrad(context.Background())
}

func (s *Service) SetTraining(args *TrainingArgs, _ *Empty) error {
	return s.backend.SetTraining(context.Background(), args.Training)
}

func (s *Service) State(_ *Empty, reply *State) error {
	st, err := s.backend.State(context.Background())
	if err != nil {
		return err
	}

	*reply = State{Model: fromParams(st.Model), Optimizer: fromParams(st.Optimizer)}

	return nil
}

func (s *Service) LoadState(args *State, _ *Empty) error {
	params, err := decodeParams(args.Model)
	if err != nil {
		return fmt.Errorf("model %w", err)
	}
	opt, err := decodeParams(args.Optimizer)
	if err != nil {
		return fmt.Errorf("optimizer %w", err)
	}

	return s.backend.LoadState(context.Background(), &model.State{Model: params, Optimizer: opt}, args.ResetOptimizer)
}

func (s *Service) Generate(args *GenerateArgs, reply *Outputs) error {
	tokens, err := args.Tokens.toInt64()
	if err != nil {
		return fmt.Errorf("tokens: %w", err)
	}
	pos, err := args.TextPositions.toInt64()
	if err != nil {
		return fmt.Errorf("text positions: %w", err)
	}

	out, err := s.backend.Generate(context.Background(), tokens, pos, args.MaxDecoderSteps)
	if err != nil {
		return err
	}

	*reply = *fromOutputs(out)

	return nil
}

func (s *Service) Invert(args *InvertArgs, reply *InvertReply) error {
	if args.Linear == nil || len(args.Linear.Shape) != 2 {
		return errors.New("invert: linear spectrogram must be rank 2")
	}

	rows, cols := int(args.Linear.Shape[0]), int(args.Linear.Shape[1])
	if rows*cols != len(args.Linear.F32) || rows == 0 || cols == 0 {
		return fmt.Errorf("invert: %d values do not fill shape %v", len(args.Linear.F32), args.Linear.Shape)
	}

	data := make([]float64, len(args.Linear.F32))
	for i, v := range args.Linear.F32 {
		data[i] = float64(v)
	}

	samples, err := s.backend.Invert(context.Background(), mat.NewDense(rows, cols, data))
	if err != nil {
		return err
	}

	reply.Samples = samples

	return nil
}
