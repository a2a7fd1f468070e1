// Package dataset loads preprocessed utterances (token text plus mel and
// linear spectrogram .npy files) and feeds shuffled, collated batches to the
// training loop.
package dataset

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/batch"
	"github.com/example/go-deepvoice/internal/text"
)

type features struct {
	mel, linear *mat.Dense
}

// Dataset maps manifest entries to utterances. Decoded spectrograms are kept
// in an LRU cache; tokens are produced on every access so pronunciation
// replacement can vary across epochs.
type Dataset struct {
	entries  []Entry
	frontend text.Frontend
	p        float64
	cache    *lru.Cache[int, features]
}

// Options configures a Dataset.
type Options struct {
	// ReplacePronunciationProb is forwarded to the frontend.
	ReplacePronunciationProb float64
	// CacheSize bounds the decoded feature cache; <= 0 disables it.
	CacheSize int
}

// New builds a Dataset over entries.
func New(entries []Entry, fe text.Frontend, opts Options) (*Dataset, error) {
	if fe == nil {
		return nil, errors.New("dataset: frontend is required")
	}

	ds := &Dataset{entries: entries, frontend: fe, p: opts.ReplacePronunciationProb}
	if opts.CacheSize > 0 {
		c, err := lru.New[int, features](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("dataset: create cache: %w", err)
		}
		ds.cache = c
	}

	return ds, nil
}

// Open loads the manifest in root and builds a Dataset.
func Open(root string, fe text.Frontend, opts Options) (*Dataset, error) {
	entries, err := LoadManifest(root)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("dataset: %s lists no utterances", ManifestName)
	}

	return New(entries, fe, opts)
}

func (d *Dataset) Len() int { return len(d.entries) }

// Entry returns the manifest entry at i.
func (d *Dataset) Entry(i int) Entry { return d.entries[i] }

// Get returns utterance i. It is safe for concurrent use.
func (d *Dataset) Get(i int) (batch.Utterance, error) {
	if i < 0 || i >= len(d.entries) {
		return batch.Utterance{}, fmt.Errorf("dataset: index %d out of range [0, %d)", i, len(d.entries))
	}
	e := d.entries[i]

	tokens, err := d.frontend.TextToSequence(e.Text, d.p)
	if err != nil {
		return batch.Utterance{}, fmt.Errorf("dataset: utterance %d: %w", i, err)
	}

	f, err := d.features(i)
	if err != nil {
		return batch.Utterance{}, err
	}

	return batch.Utterance{Tokens: tokens, Mel: f.mel, Linear: f.linear}, nil
}

func (d *Dataset) features(i int) (features, error) {
	if d.cache != nil {
		if f, ok := d.cache.Get(i); ok {
			return f, nil
		}
	}

	e := d.entries[i]
	mel, err := LoadNPY(e.MelPath)
	if err != nil {
		return features{}, fmt.Errorf("dataset: utterance %d mel: %w", i, err)
	}
	linear, err := LoadNPY(e.LinearPath)
	if err != nil {
		return features{}, fmt.Errorf("dataset: utterance %d linear: %w", i, err)
	}

	melRows, _ := mel.Dims()
	linRows, _ := linear.Dims()
	if melRows != linRows {
		return features{}, fmt.Errorf("dataset: utterance %d has %d mel frames but %d linear frames", i, melRows, linRows)
	}

	f := features{mel: mel, linear: linear}
	if d.cache != nil {
		d.cache.Add(i, f)
	}

	return f, nil
}
