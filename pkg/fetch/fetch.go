// Package fetch downloads raw image bytes over HTTP(S).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// DefaultMaxBytes caps a single response body.
const DefaultMaxBytes = 32 << 20

// Fetcher returns the body at url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, url string) ([]byte, error)

func (f Func) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// Options configures an HTTPFetcher.
type Options struct {
	Client *http.Client
	// Timeout bounds each request. Zero leaves the client's timeout alone.
	Timeout  time.Duration
	MaxBytes int64
	// Middlewares wrap the client transport, outermost first.
	Middlewares []Middleware
	Logger      *zerolog.Logger
}

// HTTPFetcher issues plain GET requests: no auth headers, no retries.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	log      zerolog.Logger
}

// NewHTTPFetcher builds a fetcher from opts.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	base := opts.Client
	if base == nil {
		base = http.DefaultClient
	}
	client := *base
	if opts.Timeout > 0 {
		client.Timeout = opts.Timeout
	}
	if len(opts.Middlewares) > 0 {
		transport := client.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		client.Transport = Wrap(transport, opts.Middlewares...)
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPFetcher{
		client:   &client,
		maxBytes: maxBytes,
		log:      logging.OrNop(opts.Logger).With().Str("component", "fetch").Logger(),
	}
}

// Fetch downloads rawURL. Every failure is reported as KindNetwork.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", rawURL, fmt.Errorf("unsupported url"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", rawURL, fmt.Errorf("remote get %s: %s", resp.Status, string(body)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", rawURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", rawURL, fmt.Errorf("body exceeds %d bytes", f.maxBytes))
	}
	f.log.Debug().Str("url", rawURL).Int("bytes", len(data)).Msg("fetched")
	return data, nil
}
