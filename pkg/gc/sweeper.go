// Package gc trims the blob cache to a byte budget.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/blob"
	"github.com/jacktea/xgallery/pkg/logging"
)

// Options configures a Sweeper.
type Options struct {
	Store blob.Evictor
	// MaxBytes is the cache budget. Zero or negative disables sweeping.
	MaxBytes int64
	Logger   *zerolog.Logger
}

// Sweeper evicts least recently used blobs once the cache grows past its
// budget.
type Sweeper struct {
	store    blob.Evictor
	maxBytes int64
	log      zerolog.Logger
}

// Result reports one sweep pass.
type Result struct {
	Freed     int64
	Remaining int64
}

// NewSweeper wires a blob store for eviction.
func NewSweeper(opts Options) *Sweeper {
	return &Sweeper{
		store:    opts.Store,
		maxBytes: opts.MaxBytes,
		log:      logging.OrNop(opts.Logger).With().Str("component", "gc").Logger(),
	}
}

// Enabled reports whether a budget is configured.
func (s *Sweeper) Enabled() bool { return s.maxBytes > 0 }

// Sweep performs one eviction pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if s.store == nil {
		return Result{}, fmt.Errorf("gc sweeper missing blob store")
	}
	if !s.Enabled() {
		return Result{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	freed, remaining, err := s.store.Evict(ctx, s.maxBytes)
	if err != nil {
		return Result{Freed: freed, Remaining: remaining}, err
	}
	if freed > 0 {
		s.log.Info().Int64("freed", freed).Int64("remaining", remaining).Msg("evicted blobs")
	}
	return Result{Freed: freed, Remaining: remaining}, nil
}

// Start launches a background sweep loop until ctx is canceled. It does
// nothing when no budget is configured.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	if !s.Enabled() {
		return cancel
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("gc sweep")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
