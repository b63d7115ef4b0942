// Package app builds every gallery service once from a Config and tears them
// down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/blob"
	"github.com/jacktea/xgallery/pkg/catalog"
	"github.com/jacktea/xgallery/pkg/download"
	"github.com/jacktea/xgallery/pkg/fetch"
	"github.com/jacktea/xgallery/pkg/gallery"
	"github.com/jacktea/xgallery/pkg/gc"
	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/meta"
	"github.com/jacktea/xgallery/pkg/netmon"
	"github.com/jacktea/xgallery/pkg/resolve"
	"github.com/jacktea/xgallery/pkg/session"
)

// Network modes accepted in Config.Network.
const (
	NetworkAuto    = "auto"
	NetworkOnline  = "online"
	NetworkOffline = "offline"
)

// DefaultUserAgent is sent with every image request.
const DefaultUserAgent = "xgallery/1.0"

// Config holds everything New needs. The CLI fills it from viper.
type Config struct {
	// Dir is the base directory for relative paths below.
	Dir string
	// CacheDir holds one JPEG per image id.
	CacheDir string

	RecordBackend string
	RecordPath    string

	PageSize     int
	RetryPastEnd bool
	CatalogFile  string
	Latency      time.Duration

	Concurrency int
	HTTPTimeout time.Duration
	UserAgent   string
	RateLimit   int
	RateWindow  time.Duration
	// HTTP seeds the fetcher options, mainly to inject a test client.
	HTTP *fetch.Options

	CacheMaxBytes int64
	SweepInterval time.Duration
	CacheOnRead   bool
	MemoryBytes   int64

	SessionPath string
	Profile     session.Profile

	Network string
	// NetworkSource replaces the source chosen by Network.
	NetworkSource netmon.Source

	Logger *zerolog.Logger
}

func (c Config) path(p, fallback string) string {
	if p == "" {
		p = fallback
	}
	if c.Dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// App wires the gallery services.
type App struct {
	Config    Config
	Blobs     *blob.PathStore
	Records   meta.Store
	Adapter   *meta.Adapter
	Catalog   catalog.Source
	Fetcher   fetch.Fetcher
	Downloads *download.Registry
	Network   *netmon.Monitor
	Gallery   *gallery.Synchronizer
	Resolver  *resolve.Resolver
	Sweeper   *gc.Sweeper
	Session   *session.LocalAuthenticator

	log       zerolog.Logger
	stopSweep context.CancelFunc
	unwatch   func()
}

// New constructs every service. On failure, whatever was built is closed.
func New(ctx context.Context, cfg Config) (a *App, err error) {
	a = &App{Config: cfg, log: logging.OrNop(cfg.Logger).With().Str("component", "app").Logger()}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.Blobs, err = blob.NewPathStore(cfg.path(cfg.CacheDir, "cache"), blob.Options{Logger: cfg.Logger})
	if err != nil {
		return a, fmt.Errorf("blob store: %w", err)
	}

	a.Records, err = meta.Open(cfg.RecordBackend, cfg.path(cfg.RecordPath, recordFile(cfg.RecordBackend)))
	if err != nil {
		return a, fmt.Errorf("record store: %w", err)
	}
	a.Adapter = meta.NewAdapter(a.Records, cfg.Logger)

	if cfg.CatalogFile != "" {
		a.Catalog, err = catalog.LoadYAML(cfg.path(cfg.CatalogFile, ""), cfg.Latency)
		if err != nil {
			return a, fmt.Errorf("catalog: %w", err)
		}
	} else {
		a.Catalog = catalog.Default(cfg.Latency)
	}

	a.Fetcher = fetch.NewHTTPFetcher(fetcherOptions(cfg))
	a.Downloads = download.New(download.Options{
		Store:       a.Blobs,
		Fetcher:     a.Fetcher,
		Concurrency: int64(cfg.Concurrency),
		Logger:      cfg.Logger,
	})

	src, err := networkSource(cfg)
	if err != nil {
		return a, err
	}
	a.Network = netmon.New(src, netmon.Options{Logger: cfg.Logger})
	a.unwatch = a.Network.Subscribe(a.connectivityChanged)

	a.Gallery, err = gallery.New(ctx, gallery.Options{
		Source:       a.Catalog,
		Records:      a.Adapter,
		Blobs:        a.Blobs,
		Downloads:    a.Downloads,
		PageSize:     cfg.PageSize,
		RetryPastEnd: cfg.RetryPastEnd,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return a, fmt.Errorf("gallery: %w", err)
	}

	a.Resolver = resolve.New(resolve.Options{
		Blobs:       a.Blobs,
		Fetcher:     a.Fetcher,
		Network:     a.Network,
		MemoryBytes: cfg.MemoryBytes,
		CacheOnRead: cfg.CacheOnRead,
		Logger:      cfg.Logger,
	})

	a.Sweeper = gc.NewSweeper(gc.Options{Store: a.Blobs, MaxBytes: cfg.CacheMaxBytes, Logger: cfg.Logger})
	if cfg.SweepInterval > 0 {
		a.stopSweep = a.Sweeper.Start(ctx, cfg.SweepInterval)
	}

	a.Session, err = session.NewLocalAuthenticator(
		session.NewFileStore(cfg.path(cfg.SessionPath, "session.toml")), cfg.Profile, cfg.Logger)
	if err != nil {
		return a, fmt.Errorf("session: %w", err)
	}
	return a, nil
}

func recordFile(backend string) string {
	switch strings.ToLower(backend) {
	case meta.BackendSQLite:
		return "records.sqlite"
	default:
		return "records.db"
	}
}

func fetcherOptions(cfg Config) fetch.Options {
	var opts fetch.Options
	if cfg.HTTP != nil {
		opts = *cfg.HTTP
	}
	if opts.Timeout == 0 {
		opts.Timeout = cfg.HTTPTimeout
	}
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	opts.Middlewares = append(opts.Middlewares,
		fetch.UserAgent(ua),
		fetch.RateLimit(fetch.RateLimitOptions{Requests: cfg.RateLimit, Window: cfg.RateWindow}),
		fetch.Logging(logging.OrNop(cfg.Logger)),
	)
	return opts
}

func networkSource(cfg Config) (netmon.Source, error) {
	if cfg.NetworkSource != nil {
		return cfg.NetworkSource, nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Network)) {
	case "", NetworkAuto:
		return netmon.NewNetlinkSource(cfg.Logger), nil
	case NetworkOnline:
		return netmon.Fixed{Satisfied: true}, nil
	case NetworkOffline:
		return netmon.Fixed{}, nil
	default:
		return nil, fmt.Errorf("network mode %q: want auto, online or offline", cfg.Network)
	}
}

// connectivityChanged cancels in-flight downloads when the network drops.
// Cancelled tasks leave their ids uncached.
func (a *App) connectivityChanged(st netmon.State) {
	if st.Connected {
		return
	}
	for _, id := range a.Downloads.InFlight() {
		a.Downloads.Cancel(id)
	}
	a.log.Info().Msg(st.Banner())
}

// Authorize reports an error unless a user is signed in.
func (a *App) Authorize() error {
	return session.RequireAuth(a.Session)
}

// ClearCache deletes every cached blob and drops the resolver's memory tier,
// so nothing cleared is still rendered from memory.
func (a *App) ClearCache(ctx context.Context) error {
	if err := a.Gallery.ClearCache(ctx, gallery.ClearCacheOptions{}); err != nil {
		return err
	}
	a.Resolver.Purge("")
	return nil
}

// Record returns the stored record for id.
func (a *App) Record(ctx context.Context, id string) (meta.Record, error) {
	return a.Records.FetchByID(ctx, id)
}

// Close stops every service in reverse construction order.
func (a *App) Close() error {
	var errs []error
	if a.stopSweep != nil {
		a.stopSweep()
	}
	if a.Resolver != nil {
		errs = append(errs, a.Resolver.Close())
	}
	if a.Gallery != nil {
		errs = append(errs, a.Gallery.Close())
	}
	if a.unwatch != nil {
		a.unwatch()
	}
	if a.Network != nil {
		errs = append(errs, a.Network.Close())
	}
	if a.Downloads != nil {
		errs = append(errs, a.Downloads.Close())
	}
	if a.Records != nil {
		errs = append(errs, a.Records.Close())
	}
	return errors.Join(errs...)
}
