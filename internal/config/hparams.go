package config

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/batch"
	"github.com/example/go-deepvoice/internal/dataset"
	"github.com/example/go-deepvoice/internal/loss"
	"github.com/example/go-deepvoice/internal/lrschedule"
	"github.com/example/go-deepvoice/internal/train"
)

// ModelName is the only architecture the loss and batching code supports.
const ModelName = "deepvoice3"

// HParams are the model, data and training hyperparameters. Defaults follow
// the LJSpeech preset.
type HParams struct {
	Name     string `mapstructure:"name"`
	Frontend string `mapstructure:"frontend"`

	ReplacePronunciationProb float64 `mapstructure:"replace_pronunciation_prob"`

	SampleRate  int     `mapstructure:"sample_rate"`
	NumMels     int     `mapstructure:"num_mels"`
	FFTSize     int     `mapstructure:"fft_size"`
	MinLevelDB  float64 `mapstructure:"min_level_db"`
	RefLevelDB  float64 `mapstructure:"ref_level_db"`
	Power       float64 `mapstructure:"power"`
	Preemphasis float64 `mapstructure:"preemphasis"`

	OutputsPerStep int   `mapstructure:"outputs_per_step"`
	DownsampleStep int   `mapstructure:"downsample_step"`
	PaddingIdx     int64 `mapstructure:"padding_idx"`

	BatchSize        int    `mapstructure:"batch_size"`
	NumWorkers       int    `mapstructure:"num_workers"`
	Prefetch         int    `mapstructure:"prefetch"`
	ShuffleSeed      uint64 `mapstructure:"shuffle_seed"`
	FeatureCacheSize int    `mapstructure:"feature_cache_size"`

	InitialLearningRate float64           `mapstructure:"initial_learning_rate"`
	LRSchedule          string            `mapstructure:"lr_schedule"`
	LRScheduleKwargs    map[string]string `mapstructure:"lr_schedule_kwargs"`
	AdamBeta1           float64           `mapstructure:"adam_beta1"`
	AdamBeta2           float64           `mapstructure:"adam_beta2"`
	AdamEps             float64           `mapstructure:"adam_eps"`
	WeightDecay         float64           `mapstructure:"weight_decay"`

	NEpochs             int     `mapstructure:"nepochs"`
	ClipThresh          float64 `mapstructure:"clip_thresh"`
	CheckpointInterval  int     `mapstructure:"checkpoint_interval"`
	EvalMaxDecoderSteps int     `mapstructure:"eval_max_decoder_steps"`

	BinaryDivergenceWeight float64 `mapstructure:"binary_divergence_weight"`
	UseGuidedAttention     bool    `mapstructure:"use_guided_attention"`
	GuidedAttentionSigma   float64 `mapstructure:"guided_attention_sigma"`
	PriorityFreq           float64 `mapstructure:"priority_freq"`
	PriorityFreqWeight     float64 `mapstructure:"priority_freq_weight"`
	MaskedLossWeight       float64 `mapstructure:"masked_loss_weight"`
}

func DefaultHParams() HParams {
	return HParams{
		Name:     ModelName,
		Frontend: "en",

		SampleRate:  22050,
		NumMels:     80,
		FFTSize:     1024,
		MinLevelDB:  -100,
		RefLevelDB:  20,
		Power:       1.4,
		Preemphasis: 0.97,

		OutputsPerStep: 1,
		DownsampleStep: 4,
		PaddingIdx:     0,

		BatchSize:        16,
		NumWorkers:       2,
		Prefetch:         2,
		FeatureCacheSize: 1024,

		InitialLearningRate: 5e-4,
		LRSchedule:          lrschedule.NoamName,
		LRScheduleKwargs:    map[string]string{},
		AdamBeta1:           0.5,
		AdamBeta2:           0.9,
		AdamEps:             1e-6,

		NEpochs:             2000,
		ClipThresh:          0.1,
		CheckpointInterval:  10000,
		EvalMaxDecoderSteps: 500,

		BinaryDivergenceWeight: 0.1,
		UseGuidedAttention:     true,
		GuidedAttentionSigma:   0.2,
		PriorityFreq:           3000,
		MaskedLossWeight:       0.5,
	}
}

// Map returns each hyperparameter keyed by its config name.
func (h HParams) Map() map[string]any {
	return map[string]any{
		"name":                       h.Name,
		"frontend":                   h.Frontend,
		"replace_pronunciation_prob": h.ReplacePronunciationProb,
		"sample_rate":                h.SampleRate,
		"num_mels":                   h.NumMels,
		"fft_size":                   h.FFTSize,
		"min_level_db":               h.MinLevelDB,
		"ref_level_db":               h.RefLevelDB,
		"power":                      h.Power,
		"preemphasis":                h.Preemphasis,
		"outputs_per_step":           h.OutputsPerStep,
		"downsample_step":            h.DownsampleStep,
		"padding_idx":                h.PaddingIdx,
		"batch_size":                 h.BatchSize,
		"num_workers":                h.NumWorkers,
		"prefetch":                   h.Prefetch,
		"shuffle_seed":               h.ShuffleSeed,
		"feature_cache_size":         h.FeatureCacheSize,
		"initial_learning_rate":      h.InitialLearningRate,
		"lr_schedule":                h.LRSchedule,
		"lr_schedule_kwargs":         maps.Clone(h.LRScheduleKwargs),
		"adam_beta1":                 h.AdamBeta1,
		"adam_beta2":                 h.AdamBeta2,
		"adam_eps":                   h.AdamEps,
		"weight_decay":               h.WeightDecay,
		"nepochs":                    h.NEpochs,
		"clip_thresh":                h.ClipThresh,
		"checkpoint_interval":        h.CheckpointInterval,
		"eval_max_decoder_steps":     h.EvalMaxDecoderSteps,
		"binary_divergence_weight":   h.BinaryDivergenceWeight,
		"use_guided_attention":       h.UseGuidedAttention,
		"guided_attention_sigma":     h.GuidedAttentionSigma,
		"priority_freq":              h.PriorityFreq,
		"priority_freq_weight":       h.PriorityFreqWeight,
		"masked_loss_weight":         h.MaskedLossWeight,
	}
}

// Validate rejects hyperparameters the training loop cannot run with.
func (h HParams) Validate() error {
	switch {
	case h.Name != ModelName:
		return fmt.Errorf("hparams: name must be %q, got %q", ModelName, h.Name)
	case h.OutputsPerStep < 1:
		return fmt.Errorf("hparams: outputs_per_step must be >= 1, got %d", h.OutputsPerStep)
	case h.DownsampleStep < 1:
		return fmt.Errorf("hparams: downsample_step must be >= 1, got %d", h.DownsampleStep)
	case h.BatchSize < 1:
		return fmt.Errorf("hparams: batch_size must be >= 1, got %d", h.BatchSize)
	case h.CheckpointInterval < 1:
		return fmt.Errorf("hparams: checkpoint_interval must be >= 1, got %d", h.CheckpointInterval)
	case h.SampleRate <= 0:
		return fmt.Errorf("hparams: sample_rate must be > 0, got %d", h.SampleRate)
	case h.NEpochs < 0:
		return fmt.Errorf("hparams: nepochs must be >= 0, got %d", h.NEpochs)
	case h.MaskedLossWeight < 0 || h.MaskedLossWeight > 1:
		return fmt.Errorf("hparams: masked_loss_weight must be in [0, 1], got %v", h.MaskedLossWeight)
	case h.UseGuidedAttention && h.GuidedAttentionSigma <= 0:
		return fmt.Errorf("hparams: guided_attention_sigma must be > 0, got %v", h.GuidedAttentionSigma)
	}

	if _, err := h.Schedule(); err != nil {
		return err
	}

	return nil
}

// LinearDim is the number of linear spectrogram bins.
func (h HParams) LinearDim() int { return h.FFTSize/2 + 1 }

func (h HParams) Schedule() (lrschedule.Schedule, error) {
	return lrschedule.Parse(h.LRSchedule, h.LRScheduleKwargs)
}

func (h HParams) BatchOptions() batch.Options {
	return batch.Options{R: h.OutputsPerStep, DownsampleStep: h.DownsampleStep, PaddingIdx: h.PaddingIdx}
}

func (h HParams) LoaderOptions() dataset.LoaderOptions {
	return dataset.LoaderOptions{
		BatchSize: h.BatchSize,
		Workers:   h.NumWorkers,
		Prefetch:  h.Prefetch,
		Seed:      h.ShuffleSeed,
		Batch:     h.BatchOptions(),
	}
}

func (h HParams) LossOptions() loss.Options {
	return loss.Options{
		SampleRate:             h.SampleRate,
		PriorityFreq:           h.PriorityFreq,
		PriorityFreqWeight:     h.PriorityFreqWeight,
		BinaryDivergenceWeight: h.BinaryDivergenceWeight,
		MaskedWeight:           h.MaskedLossWeight,
		UseGuidedAttention:     h.UseGuidedAttention,
		GuidedAttentionSigma:   h.GuidedAttentionSigma,
	}
}

// TrainOptions assembles the training loop settings for checkpointDir.
func (h HParams) TrainOptions(checkpointDir string) (train.Options, error) {
	sched, err := h.Schedule()
	if err != nil {
		return train.Options{}, err
	}

	return train.Options{
		CheckpointDir:      checkpointDir,
		NEpochs:            h.NEpochs,
		InitialLR:          h.InitialLearningRate,
		Schedule:           sched,
		ClipThresh:         h.ClipThresh,
		CheckpointInterval: h.CheckpointInterval,
		Loss:               h.LossOptions(),
		Audio:              h.AudioParams(),
		SampleRate:         h.SampleRate,
	}, nil
}

func (h HParams) AudioParams() audio.Params {
	return audio.Params{
		MinLevelDB:  h.MinLevelDB,
		RefLevelDB:  h.RefLevelDB,
		Power:       h.Power,
		Preemphasis: h.Preemphasis,
	}
}

// LogValue renders every hyperparameter as a sorted slog group.
func (h HParams) LogValue() slog.Value {
	vals := h.Map()
	keys := slices.Sorted(maps.Keys(vals))

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, vals[k]))
	}

	return slog.GroupValue(attrs...)
}
