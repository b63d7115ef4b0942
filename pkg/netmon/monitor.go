package netmon

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/logging"
)

// Source delivers path notifications until ctx is cancelled. emit is called
// from a single goroutine.
type Source interface {
	Run(ctx context.Context, emit func(Path)) error
}

// Options configures a Monitor.
type Options struct {
	Logger *zerolog.Logger
}

// Monitor observes a Source and publishes connectivity changes to
// subscribers. Observers are invoked in order, never concurrently.
type Monitor struct {
	log zerolog.Logger

	mu     sync.RWMutex
	state  State
	seen   bool
	subs   map[uint64]func(State)
	nextID uint64

	dispatchMu sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// New starts monitoring src immediately.
func New(src Source, opts Options) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		log:    logging.OrNop(opts.Logger).With().Str("component", "netmon").Logger(),
		state:  InitialState,
		subs:   make(map[uint64]func(State)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(m.done)
		if err := src.Run(ctx, m.handle); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn().Err(err).Msg("connectivity source stopped")
		}
	}()
	return m
}

// State returns the current connectivity.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected is shorthand for State().Connected.
func (m *Monitor) Connected() bool { return m.State().Connected }

// Subscribe registers fn for subsequent changes. fn must not call Subscribe
// or Close.
func (m *Monitor) Subscribe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close stops monitoring and waits for the source to return.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
	})
	return nil
}

func (m *Monitor) handle(p Path) {
	next := Classify(p)

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if m.seen && next == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	m.seen = true
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if prev != next {
		m.log.Info().Bool("connected", next.Connected).Str("kind", next.Kind.String()).Msg("connectivity changed")
	}
	for _, fn := range subs {
		fn(next)
	}
}
