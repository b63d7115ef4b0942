// Package download runs background download-compress-store tasks, at most
// one per image id.
package download

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jacktea/xgallery/pkg/blob"
	"github.com/jacktea/xgallery/pkg/fetch"
	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// DefaultConcurrency bounds simultaneous fetches.
const DefaultConcurrency = 4

// Options configures a Registry.
type Options struct {
	Store       blob.Store
	Fetcher     fetch.Fetcher
	Concurrency int64
	Logger      *zerolog.Logger
}

// Outcome is the result of one task.
type Outcome struct {
	ID    blob.ID
	URL   string
	Bytes int64
	// Skipped is set when the blob was already cached and nothing was fetched.
	Skipped bool
	Err     error
}

// Task is a single in-flight download.
type Task struct {
	id     blob.ID
	url    string
	cancel context.CancelFunc
	done   chan struct{}
	result Outcome
}

// ID returns the image id the task stores.
func (t *Task) ID() blob.ID { return t.id }

// Done is closed once the task has finished and listeners have run.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns the result once the task is done.
func (t *Task) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Outcome{}, false
	}
}

// Registry tracks download tasks keyed by image id. Starting a download for
// an id that is already in flight returns the existing task.
type Registry struct {
	store   blob.Store
	fetcher fetch.Fetcher
	sem     *semaphore.Weighted
	log     zerolog.Logger

	root context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	tasks     map[blob.ID]*Task
	running   map[*Task]struct{}
	listeners map[uint64]func(Outcome)
	nextID    uint64
	closed    bool
	wg        sync.WaitGroup
}

// New creates a registry.
func New(opts Options) *Registry {
	n := opts.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	root, stop := context.WithCancel(context.Background())
	return &Registry{
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		sem:       semaphore.NewWeighted(n),
		log:       logging.OrNop(opts.Logger).With().Str("component", "download").Logger(),
		root:      root,
		stop:      stop,
		tasks:     make(map[blob.ID]*Task),
		running:   make(map[*Task]struct{}),
		listeners: make(map[uint64]func(Outcome)),
	}
}

// Start begins downloading url into the blob for id, or attaches to the task
// already running for id.
func (r *Registry) Start(id blob.ID, url string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		return t
	}
	if r.closed {
		t := &Task{id: id, url: url, cancel: func() {}, done: make(chan struct{})}
		t.result = Outcome{ID: id, URL: url, Err: xerrors.E(xerrors.KindInternal, "download.Start", "registry closed")}
		close(t.done)
		return t
	}
	ctx, cancel := context.WithCancel(r.root)
	t := &Task{id: id, url: url, cancel: cancel, done: make(chan struct{})}
	r.tasks[id] = t
	r.running[t] = struct{}{}
	r.wg.Add(1)
	go r.run(ctx, t)
	return t
}

// Cancel stops the in-flight task for id. It reports whether one existed.
func (r *Registry) Cancel(id blob.ID) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// OnComplete registers fn to be called once for every finished task.
func (r *Registry) OnComplete(fn func(Outcome)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// InFlight returns the ids with an active task, sorted.
func (r *Registry) InFlight() []blob.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]blob.ID, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Wait blocks until every task, including ones started while waiting, has
// finished.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		pending := make([]*Task, 0, len(r.running))
		for t := range r.running {
			pending = append(pending, t)
		}
		r.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, t := range pending {
			select {
			case <-t.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close cancels every task and waits for them to exit.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
	return nil
}

func (r *Registry) run(ctx context.Context, t *Task) {
	defer r.wg.Done()
	out := r.execute(ctx, t)
	t.result = out
	t.cancel()

	r.mu.Lock()
	if r.tasks[t.id] == t {
		delete(r.tasks, t.id)
	}
	listeners := make([]func(Outcome), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	switch {
	case out.Err != nil:
		r.log.Warn().Err(out.Err).Str("id", string(t.id)).Msg("download failed")
	case out.Skipped:
		r.log.Debug().Str("id", string(t.id)).Msg("already cached")
	default:
		r.log.Info().Str("id", string(t.id)).Int64("bytes", out.Bytes).Msg("downloaded")
	}
	for _, fn := range listeners {
		fn(out)
	}

	close(t.done)
	r.mu.Lock()
	delete(r.running, t)
	r.mu.Unlock()
}

func (r *Registry) execute(ctx context.Context, t *Task) Outcome {
	out := Outcome{ID: t.id, URL: t.url}
	if r.store.Exists(ctx, t.id) {
		out.Skipped = true
		return out
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		out.Err = xerrors.Wrap(xerrors.KindNetwork, "download", string(t.id), err)
		return out
	}
	defer r.sem.Release(1)

	data, err := r.fetcher.Fetch(ctx, t.url)
	if err != nil {
		out.Err = err
		return out
	}
	if err := ctx.Err(); err != nil {
		out.Err = xerrors.Wrap(xerrors.KindNetwork, "download", string(t.id), err)
		return out
	}
	n, err := r.store.Put(ctx, t.id, data)
	if err != nil {
		out.Err = err
		return out
	}
	out.Bytes = n
	return out
}
