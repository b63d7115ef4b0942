// Package gallery keeps the paginated in-memory image list in step with the
// record store and the blob cache.
package gallery

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/blob"
	"github.com/jacktea/xgallery/pkg/catalog"
	"github.com/jacktea/xgallery/pkg/download"
	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/meta"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// BlobStore is the blob cache as seen by the gallery.
type BlobStore interface {
	blob.Store
	PathFor(id blob.ID) (string, error)
}

// Options configures a Synchronizer.
type Options struct {
	Source    catalog.Source
	Records   *meta.Adapter
	Blobs     BlobStore
	Downloads *download.Registry
	PageSize  int
	// RetryPastEnd keeps requesting pages after an empty one.
	RetryPastEnd bool
	Logger       *zerolog.Logger
}

// State is the UI-facing gallery state. Observers receive copies.
type State struct {
	Items     []meta.Record
	IsLoading bool
	// Page is the next page FetchPage will request.
	Page      int
	Exhausted bool
	// Revision increases with every published change, including cache
	// status changes that leave Items untouched.
	Revision uint64
}

func (s State) clone() State {
	s.Items = slices.Clone(s.Items)
	return s
}

// PageResult describes one FetchPage call.
type PageResult struct {
	Page      int
	Fetched   int
	Appended  int
	Inserted  int
	Skipped   bool
	Exhausted bool
	Downloads []*download.Task
}

// ClearCacheOptions controls ClearCache.
type ClearCacheOptions struct {
	// PurgeRecords would also delete metadata records. The record store has
	// no delete operation, so it is rejected.
	PurgeRecords bool
}

// Synchronizer merges catalog pages into the record store and the in-memory
// list, and schedules thumbnail downloads.
type Synchronizer struct {
	src          catalog.Source
	records      *meta.Adapter
	blobs        BlobStore
	downloads    *download.Registry
	pageSize     int
	retryPastEnd bool
	log          zerolog.Logger

	mu     sync.Mutex
	state  State
	index  map[string]struct{}
	subs   map[uint64]func(State)
	nextID uint64

	queue        []State
	wake         chan struct{}
	stop         chan struct{}
	dispatchDone chan struct{}
	unlisten     func()
	closeOnce    sync.Once
}

// New builds a synchronizer and seeds Items from the record store.
func New(ctx context.Context, opts Options) (*Synchronizer, error) {
	if opts.Source == nil || opts.Records == nil || opts.Blobs == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "gallery.New", "source, records and blobs are required")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = catalog.DefaultPageSize
	}
	s := &Synchronizer{
		src:          opts.Source,
		records:      opts.Records,
		blobs:        opts.Blobs,
		downloads:    opts.Downloads,
		pageSize:     pageSize,
		retryPastEnd: opts.RetryPastEnd,
		log:          logging.OrNop(opts.Logger).With().Str("component", "gallery").Logger(),
		state:        State{Page: 1},
		index:        make(map[string]struct{}),
		subs:         make(map[uint64]func(State)),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	s.seed(ctx)
	if s.downloads != nil {
		s.unlisten = s.downloads.OnComplete(s.downloadFinished)
	}
	go s.dispatch()
	return s, nil
}

func (s *Synchronizer) seed(ctx context.Context) {
	recs, err := s.records.FetchAll(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("load offline records")
		return
	}
	s.appendLocked(recs)
	s.log.Debug().Int("count", len(s.state.Items)).Msg("seeded from record store")
}

// FetchPage requests the next catalog page. It is a no-op while a fetch is
// in progress, and after an empty page unless RetryPastEnd is set.
func (s *Synchronizer) FetchPage(ctx context.Context) (PageResult, error) {
	s.mu.Lock()
	if s.state.IsLoading {
		s.mu.Unlock()
		return PageResult{Skipped: true}, nil
	}
	if s.state.Exhausted && !s.retryPastEnd {
		s.mu.Unlock()
		return PageResult{Skipped: true, Exhausted: true}, nil
	}
	page := s.state.Page
	s.state.IsLoading = true
	s.publishLocked()
	s.mu.Unlock()

	recs, err := s.src.FetchPage(ctx, page, s.pageSize)
	if err != nil {
		s.mu.Lock()
		s.state.IsLoading = false
		s.publishLocked()
		s.mu.Unlock()
		s.log.Warn().Err(err).Int("page", page).Msg("fetch page")
		return PageResult{Page: page}, xerrors.Wrap(xerrors.KindNetwork, "gallery.FetchPage", strconv.Itoa(page), err)
	}

	res := PageResult{Page: page, Fetched: len(recs)}
	inserted, err := s.records.UpsertAll(ctx, recs)
	if err != nil {
		s.log.Error().Err(err).Int("page", page).Msg("persist page")
	}
	res.Inserted = inserted

	s.mu.Lock()
	res.Appended = s.appendLocked(recs)
	s.state.Page++
	if len(recs) == 0 {
		s.state.Exhausted = true
	}
	res.Exhausted = s.state.Exhausted
	s.state.IsLoading = false
	s.publishLocked()
	s.mu.Unlock()

	s.log.Info().Int("page", page).Int("fetched", res.Fetched).Int("appended", res.Appended).Msg("page loaded")
	res.Downloads = s.startDownloads(ctx, recs)
	return res, nil
}

// appendLocked adds records whose id is not yet listed and returns how many
// were added.
func (s *Synchronizer) appendLocked(recs []meta.Record) int {
	n := 0
	for _, rec := range recs {
		if _, ok := s.index[rec.ID]; ok {
			continue
		}
		s.index[rec.ID] = struct{}{}
		s.state.Items = append(s.state.Items, rec)
		n++
	}
	return n
}

func (s *Synchronizer) startDownloads(ctx context.Context, recs []meta.Record) []*download.Task {
	if s.downloads == nil {
		return nil
	}
	var tasks []*download.Task
	for _, rec := range recs {
		id := blob.ID(rec.ID)
		if s.blobs.Exists(ctx, id) {
			continue
		}
		tasks = append(tasks, s.downloads.Start(id, rec.ThumbnailURL))
	}
	return tasks
}

func (s *Synchronizer) downloadFinished(out download.Outcome) {
	if out.Err != nil || out.Skipped {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[string(out.ID)]; ok {
		s.publishLocked()
	}
}

// Snapshot returns a copy of the current state.
func (s *Synchronizer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn for every published state. Calls happen in order on
// one goroutine.
func (s *Synchronizer) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// IsCached reports whether a thumbnail blob exists for id.
func (s *Synchronizer) IsCached(ctx context.Context, id string) bool {
	return s.blobs.Exists(ctx, blob.ID(id))
}

// LocalPath returns the blob path for id when it is cached.
func (s *Synchronizer) LocalPath(ctx context.Context, id string) (string, bool) {
	if !s.IsCached(ctx, id) {
		return "", false
	}
	p, err := s.blobs.PathFor(blob.ID(id))
	if err != nil {
		return "", false
	}
	return p, true
}

// CacheSize returns the blob cache size in bytes.
func (s *Synchronizer) CacheSize(ctx context.Context) int64 {
	return s.blobs.TotalSize(ctx)
}

// CacheSizeString formats CacheSize for display.
func (s *Synchronizer) CacheSizeString(ctx context.Context) string {
	return FormatMB(s.CacheSize(ctx))
}

// FormatMB renders bytes as megabytes with two decimals.
func FormatMB(bytes int64) string {
	return fmt.Sprintf("%.2f MB", float64(bytes)/(1024*1024))
}

// ClearCache removes every cached blob. Records and Items are kept.
func (s *Synchronizer) ClearCache(ctx context.Context, opts ClearCacheOptions) error {
	if opts.PurgeRecords {
		return xerrors.E(xerrors.KindInvalid, "gallery.ClearCache", "record purge unsupported")
	}
	if err := s.blobs.ClearAll(ctx); err != nil {
		return err
	}
	s.log.Info().Msg("cache cleared")
	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()
	return nil
}

// Wait blocks until in-flight downloads finish.
func (s *Synchronizer) Wait(ctx context.Context) error {
	if s.downloads == nil {
		return nil
	}
	return s.downloads.Wait(ctx)
}

// Close stops observer dispatch after delivering queued states. It does not
// close the download registry.
func (s *Synchronizer) Close() error {
	s.closeOnce.Do(func() {
		if s.unlisten != nil {
			s.unlisten()
		}
		close(s.stop)
		<-s.dispatchDone
	})
	return nil
}

func (s *Synchronizer) publishLocked() {
	s.state.Revision++
	s.queue = append(s.queue, s.state.clone())
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case <-s.wake:
			s.deliver()
		case <-s.stop:
			s.deliver()
			return
		}
	}
}

func (s *Synchronizer) deliver() {
	for {
		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		subs := make([]func(State), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		if len(queue) == 0 {
			return
		}
		for _, st := range queue {
			for _, fn := range subs {
				fn(st)
			}
		}
	}
}
