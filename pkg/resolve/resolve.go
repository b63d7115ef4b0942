// Package resolve picks the bytes to render for an image: the blob
// cache, memory, the network, or a placeholder.
package resolve

import (
	"bytes"
	"context"
	"image"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jacktea/xgallery/pkg/blob"
	"github.com/jacktea/xgallery/pkg/cache"
	"github.com/jacktea/xgallery/pkg/fetch"
	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/meta"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// DefaultMemoryBytes is the memory tier budget.
const DefaultMemoryBytes = 16 << 20

// Variant selects the thumbnail (list) or the full image (detail).
type Variant int

const (
	Thumbnail Variant = iota
	Full
)

func (v Variant) String() string {
	if v == Full {
		return "full"
	}
	return "thumb"
}

// Source tells where a result came from.
type Source int

const (
	SourcePlaceholder Source = iota
	SourceMemory
	SourceCache
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	default:
		return "placeholder"
	}
}

// Result is what to render. Data is nil for a placeholder.
type Result struct {
	Data   []byte
	Source Source
}

// Placeholder reports whether nothing could be resolved.
func (r Result) Placeholder() bool { return r.Source == SourcePlaceholder }

// Connectivity reports whether the network should be tried.
type Connectivity interface {
	Connected() bool
}

// Options configures a Resolver.
type Options struct {
	Blobs   blob.Store
	Fetcher fetch.Fetcher
	// Network gates fetches. Nil means always online.
	Network Connectivity
	// MemoryBytes bounds the in-memory tier. Zero uses DefaultMemoryBytes,
	// negative disables it.
	MemoryBytes int64
	// CacheOnRead stores thumbnails fetched during resolution in the blob
	// cache.
	CacheOnRead bool
	Logger      *zerolog.Logger
}

// Resolver implements the render-time lookup order. It never returns
// errors; failures end in a placeholder.
type Resolver struct {
	blobs       blob.Store
	fetcher     fetch.Fetcher
	network     Connectivity
	mem         *cache.Cache[[]byte]
	cacheOnRead bool
	group       singleflight.Group
	log         zerolog.Logger
}

// New builds a resolver.
func New(opts Options) *Resolver {
	r := &Resolver{
		blobs:       opts.Blobs,
		fetcher:     opts.Fetcher,
		network:     opts.Network,
		cacheOnRead: opts.CacheOnRead,
		log:         logging.OrNop(opts.Logger).With().Str("component", "resolve").Logger(),
	}
	if opts.MemoryBytes >= 0 {
		budget := opts.MemoryBytes
		if budget == 0 {
			budget = DefaultMemoryBytes
		}
		r.mem = cache.New[[]byte](cache.Options[[]byte]{MaxWeight: budget, Weigh: cache.Bytes})
	}
	return r
}

func memKey(id string, v Variant) string { return id + "#" + v.String() }

// Resolve returns the bytes to render for rec.
func (r *Resolver) Resolve(ctx context.Context, rec meta.Record, v Variant) Result {
	key := memKey(rec.ID, v)
	id := blob.ID(rec.ID)
	if data, ok := r.blobs.Get(ctx, id); ok {
		if r.mem != nil {
			r.mem.Delete(key)
		}
		return Result{Data: data, Source: SourceCache}
	}
	// The memory tier only holds network results for ids without a blob.
	if r.mem != nil {
		if data, ok := r.mem.Get(key); ok {
			return Result{Data: data, Source: SourceMemory}
		}
	}
	if r.network != nil && !r.network.Connected() {
		r.log.Debug().Str("id", rec.ID).Msg("offline, skipping network")
		return Result{}
	}

	data, err := r.fetch(ctx, key, r.url(rec, v))
	if err == nil {
		if r.mem != nil {
			r.mem.Set(key, data)
		}
		if r.cacheOnRead && v == Thumbnail {
			if _, perr := r.blobs.Put(ctx, id, data); perr != nil {
				r.log.Warn().Err(perr).Str("id", rec.ID).Msg("cache on read")
			}
		}
		return Result{Data: data, Source: SourceNetwork}
	}
	r.log.Debug().Err(err).Str("id", rec.ID).Str("variant", v.String()).Msg("network fetch failed")

	// A background download may have landed since the first lookup.
	if data, ok := r.blobs.Get(ctx, id); ok {
		return Result{Data: data, Source: SourceCache}
	}
	return Result{}
}

func (r *Resolver) url(rec meta.Record, v Variant) string {
	if v == Full {
		return rec.ImageURL
	}
	return rec.ThumbnailURL
}

// fetch downloads url once per key even with concurrent callers, and checks
// that the body is a decodable image. The shared request is detached from
// any single caller; each caller stops waiting when its own ctx ends.
func (r *Resolver) fetch(ctx context.Context, key, url string) ([]byte, error) {
	if r.fetcher == nil || url == "" {
		return nil, xerrors.E(xerrors.KindNetwork, "resolve.fetch", key)
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		data, err := r.fetcher.Fetch(flightCtx, url)
		if err != nil {
			return nil, err
		}
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return nil, xerrors.Wrap(xerrors.KindDecode, "resolve.fetch", key, err)
		}
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.KindNetwork, "resolve.fetch", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Purge drops memory entries for id, or all entries when id is empty.
func (r *Resolver) Purge(id string) {
	if r.mem == nil {
		return
	}
	if id == "" {
		r.mem.Clear()
		return
	}
	r.mem.DeletePrefix(id + "#")
}

// Close releases the memory tier.
func (r *Resolver) Close() error {
	if r.mem != nil {
		return r.mem.Close()
	}
	return nil
}
