package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-deepvoice/internal/batch"
)

// Source is what a Loader draws utterances from.
type Source interface {
	Len() int
	Get(i int) (batch.Utterance, error)
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize int
	// Workers decode and collate batches concurrently.
	Workers int
	// Prefetch bounds how many batches may be ready or in flight ahead of
	// the consumer.
	Prefetch int
	// Seed fixes the shuffle order per epoch. 0 shuffles from the global
	// random source.
	Seed  uint64
	Batch batch.Options
}

// Loader yields shuffled, collated batches for one epoch at a time. The final
// batch of an epoch may be smaller than BatchSize.
type Loader struct {
	src  Source
	opts LoaderOptions
}

func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if src == nil || src.Len() == 0 {
		return nil, errors.New("dataset: loader needs a non-empty source")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("dataset: batch size must be >= 1, got %d", opts.BatchSize)
	}

	opts.Workers = max(opts.Workers, 1)
	opts.Prefetch = max(opts.Prefetch, 1)

	return &Loader{src: src, opts: opts}, nil
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.src.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Order returns the utterance indices visited during epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.src.Len()
	if l.opts.Seed == 0 {
		return rand.Perm(n)
	}

	return rand.New(rand.NewPCG(l.opts.Seed, uint64(epoch))).Perm(n)
}

// Iterate calls fn with each batch of epoch in order, on the calling
// goroutine. Batches are produced ahead of time by Workers goroutines. The
// first error from fn, from loading, or from ctx stops the epoch.
func (l *Loader) Iterate(parent context.Context, epoch int, fn func(*batch.Batch) error) error {
	order := l.Order(epoch)
	groups := make([][]int, 0, l.Len())
	for start := 0; start < len(order); start += l.opts.BatchSize {
		groups = append(groups, order[start:min(start+l.opts.BatchSize, len(order))])
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	slots := make([]chan *batch.Batch, len(groups))
	for i := range slots {
		slots[i] = make(chan *batch.Batch, 1)
	}
	ahead := make(chan struct{}, l.opts.Prefetch)
	jobs := make(chan int)

	g.Go(func() error {
		defer close(jobs)
		for i := range groups {
			select {
			case ahead <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range l.opts.Workers {
		g.Go(func() error {
			for i := range jobs {
				b, err := l.collate(groups[i])
				if err != nil {
					return fmt.Errorf("dataset: batch %d of epoch %d: %w", i, epoch, err)
				}
				slots[i] <- b
			}
			return nil
		})
	}

	var err error
consume:
	for i := range slots {
		if gctx.Err() != nil {
			break
		}
		select {
		case b := <-slots[i]:
			<-ahead
			if err = fn(b); err != nil {
				break consume
			}
		case <-gctx.Done():
			break consume
		}
	}

	cancel()
	werr := g.Wait()

	switch {
	case err != nil:
		return err
	case parent.Err() != nil:
		return parent.Err()
	case werr != nil && !errors.Is(werr, context.Canceled):
		return werr
	}

	return nil
}

func (l *Loader) collate(idx []int) (*batch.Batch, error) {
	utts := make([]batch.Utterance, len(idx))
	for i, j := range idx {
		u, err := l.src.Get(j)
		if err != nil {
			return nil, err
		}
		utts[i] = u
	}

	return batch.Collate(utts, l.opts.Batch)
}
