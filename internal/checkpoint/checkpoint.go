// Package checkpoint persists model and optimizer state together with the
// training counters as a single safetensors file.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/safetensors"
	"github.com/example/go-deepvoice/internal/tensor"
)

// ErrCorrupt marks a checkpoint that cannot be decoded.
var ErrCorrupt = errors.New("checkpoint: corrupt or truncated")

const (
	Format  = "deepvoice-checkpoint"
	Version = 1

	modelPrefix     = "model/"
	optimizerPrefix = "optimizer/"

	metaFormat      = "format"
	metaVersion     = "version"
	metaGlobalStep  = "global_step"
	metaGlobalEpoch = "global_epoch"
)

type Checkpoint struct {
	Model       map[string]*tensor.Float32
	Optimizer   map[string]*tensor.Float32
	GlobalStep  int
	GlobalEpoch int
}

// FromState builds a checkpoint from an engine state snapshot.
func FromState(st *model.State, globalStep, globalEpoch int) *Checkpoint {
	c := &Checkpoint{GlobalStep: globalStep, GlobalEpoch: globalEpoch}
	if st != nil {
		c.Model, c.Optimizer = st.Model, st.Optimizer
	}

	return c
}

// State returns the model and optimizer tensors as an engine state.
func (c *Checkpoint) State() *model.State {
	return &model.State{Model: c.Model, Optimizer: c.Optimizer}
}

// FileName returns the canonical file name for a checkpoint at step.
func FileName(step int) string {
	return fmt.Sprintf("checkpoint_step%09d.safetensors", step)
}

// Path returns dir/FileName(step).
func Path(dir string, step int) string {
	return filepath.Join(dir, FileName(step))
}

// Name returns the checkpoint file name without directory or extension.
func Name(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Save writes c to dir and returns the file path. The write is atomic.
func Save(dir string, c *Checkpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create %s: %w", dir, err)
	}

	path := Path(dir, c.GlobalStep)
	if err := Write(path, c); err != nil {
		return "", err
	}

	return path, nil
}

// Write encodes c into path.
func Write(path string, c *Checkpoint) error {
	tensors := make([]safetensors.Tensor, 0, len(c.Model)+len(c.Optimizer))
	tensors = appendGroup(tensors, modelPrefix, c.Model)
	tensors = appendGroup(tensors, optimizerPrefix, c.Optimizer)

	meta := map[string]string{
		metaFormat:      Format,
		metaVersion:     strconv.Itoa(Version),
		metaGlobalStep:  strconv.Itoa(c.GlobalStep),
		metaGlobalEpoch: strconv.Itoa(c.GlobalEpoch),
	}

	if err := safetensors.WriteFile(path, tensors, meta); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", path, err)
	}

	return nil
}

func appendGroup(dst []safetensors.Tensor, prefix string, group map[string]*tensor.Float32) []safetensors.Tensor {
	names := make([]string, 0, len(group))
	for name := range group {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		t := group[name]
		dst = append(dst, safetensors.Tensor{
			Name:  prefix + name,
			Shape: t.Shape(),
			Data:  t.RawData(),
		})
	}

	return dst
}

// LoadOptions selects what Load restores.
type LoadOptions struct {
	// SkipOptimizer leaves Optimizer nil, as for inference or a reset
	// optimizer.
	SkipOptimizer bool
}

// Load reads a checkpoint written by Save. Decoding failures wrap ErrCorrupt.
func Load(path string, opts LoadOptions) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	all, err := safetensors.OpenStoreFromBytes(data, safetensors.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}

	c, err := header(all.Metadata())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}

	c.Model, err = readGroup(data, modelPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}

	if len(c.Model) == 0 {
		return nil, fmt.Errorf("%w: %s: no model tensors", ErrCorrupt, path)
	}

	if !opts.SkipOptimizer {
		c.Optimizer, err = readGroup(data, optimizerPrefix)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
		}
	}

	return c, nil
}

// Info summarizes a checkpoint without decoding tensor data.
type Info struct {
	GlobalStep       int
	GlobalEpoch      int
	ModelTensors     int
	OptimizerTensors int
	DataBytes        int
}

// Inspect reads the header of a checkpoint.
func Inspect(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	store, err := safetensors.OpenStoreFromBytes(data, safetensors.StoreOptions{})
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}

	c, err := header(store.Metadata())
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}

	info := Info{GlobalStep: c.GlobalStep, GlobalEpoch: c.GlobalEpoch, DataBytes: store.DataBytes()}
	for _, name := range store.Names() {
		switch {
		case strings.HasPrefix(name, modelPrefix):
			info.ModelTensors++
		case strings.HasPrefix(name, optimizerPrefix):
			info.OptimizerTensors++
		}
	}

	return info, nil
}

func header(meta map[string]string) (*Checkpoint, error) {
	if meta[metaFormat] != Format {
		return nil, fmt.Errorf("format %q, want %q", meta[metaFormat], Format)
	}

	if v, err := strconv.Atoi(meta[metaVersion]); err != nil || v != Version {
		return nil, fmt.Errorf("unsupported version %q", meta[metaVersion])
	}

	step, err := strconv.Atoi(meta[metaGlobalStep])
	if err != nil || step < 0 {
		return nil, fmt.Errorf("invalid global_step %q", meta[metaGlobalStep])
	}

	epoch, err := strconv.Atoi(meta[metaGlobalEpoch])
	if err != nil || epoch < 0 {
		return nil, fmt.Errorf("invalid global_epoch %q", meta[metaGlobalEpoch])
	}

	return &Checkpoint{GlobalStep: step, GlobalEpoch: epoch}, nil
}

func readGroup(data []byte, prefix string) (map[string]*tensor.Float32, error) {
	store, err := safetensors.OpenStoreFromBytes(data, safetensors.StoreOptions{KeyMapper: safetensors.StripPrefix(prefix)})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	all, err := store.ReadAll()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*tensor.Float32, len(all))
	for name, st := range all {
		t, err := tensor.Wrap(st.Data, st.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}

		out[name] = t
	}

	return out, nil
}
