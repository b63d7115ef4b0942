package fetch_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jacktea/xgallery/pkg/fetch"
	"github.com/jacktea/xgallery/pkg/fetch/fetchtest"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

func TestHTTPFetcherDownloadsObject(t *testing.T) {
	cdn := fetchtest.NewCDN(t)
	want := fetchtest.PNG(t, 16, 16)
	url := cdn.Put("a.png", want)

	f := fetch.NewHTTPFetcher(fetch.Options{Client: cdn.Client()})
	got, err := f.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("body mismatch: %d vs %d bytes", len(got), len(want))
	}
}

func TestHTTPFetcherErrorsAreNetwork(t *testing.T) {
	cdn := fetchtest.NewCDN(t)
	f := fetch.NewHTTPFetcher(fetch.Options{Client: cdn.Client()})
	ctx := context.Background()

	cases := map[string]string{
		"missing object": cdn.URL("missing.png"),
		"malformed url":  "://nope",
		"bad scheme":     "ftp://example.com/a.jpg",
		"no host":        "https:///a.jpg",
	}
	for name, url := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.Fetch(ctx, url); !xerrors.Is(err, xerrors.KindNetwork) {
				t.Fatalf("expected network error, got %v", err)
			}
		})
	}

	cdn.SetOffline(true)
	if _, err := f.Fetch(ctx, cdn.URL("a.png")); !xerrors.Is(err, xerrors.KindNetwork) {
		t.Fatalf("expected network error while offline, got %v", err)
	}
}

func TestHTTPFetcherMaxBytes(t *testing.T) {
	cdn := fetchtest.NewCDN(t)
	url := cdn.Put("big.bin", bytes.Repeat([]byte("x"), 2048))
	f := fetch.NewHTTPFetcher(fetch.Options{Client: cdn.Client(), MaxBytes: 1024})
	_, err := f.Fetch(context.Background(), url)
	if !xerrors.Is(err, xerrors.KindNetwork) || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestHTTPFetcherHonoursContext(t *testing.T) {
	cdn := fetchtest.NewCDN(t)
	url := cdn.PutImage("slow.png", 8, 8)
	slow := fetch.Middleware(func(next http.RoundTripper) http.RoundTripper {
		return fetch.RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			select {
			case <-r.Context().Done():
				return nil, r.Context().Err()
			case <-time.After(5 * time.Second):
			}
			return next.RoundTrip(r)
		})
	})
	f := fetch.NewHTTPFetcher(fetch.Options{Client: cdn.Client(), Middlewares: []fetch.Middleware{slow}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, url)
	if !xerrors.Is(err, xerrors.KindNetwork) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline network error, got %v", err)
	}
}

func TestMiddlewareUserAgentAndRateLimit(t *testing.T) {
	var agents []string
	base := fetch.RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		agents = append(agents, r.Header.Get("User-Agent"))
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody, Request: r}, nil
	})
	now := time.Unix(0, 0)
	client := &http.Client{Transport: fetch.Wrap(base,
		fetch.RateLimit(fetch.RateLimitOptions{Requests: 2, Window: time.Second, Now: func() time.Time { return now }}),
		fetch.UserAgent("xgallery-test"),
		nil,
	)}
	f := fetch.NewHTTPFetcher(fetch.Options{Client: client})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(ctx, "http://cdn.test/a.jpg"); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	_, err := f.Fetch(ctx, "http://cdn.test/a.jpg")
	if !errors.Is(err, fetch.ErrRateLimited) || !xerrors.Is(err, xerrors.KindNetwork) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	now = now.Add(time.Second)
	if _, err := f.Fetch(ctx, "http://cdn.test/a.jpg"); err != nil {
		t.Fatalf("budget should refill: %v", err)
	}
	if len(agents) != 3 || agents[0] != "xgallery-test" {
		t.Fatalf("unexpected user agents %v", agents)
	}
}

func TestFuncAdapter(t *testing.T) {
	var f fetch.Fetcher = fetch.Func(func(ctx context.Context, url string) ([]byte, error) {
		return []byte(url), nil
	})
	got, _ := f.Fetch(context.Background(), "u")
	if string(got) != "u" {
		t.Fatalf("unexpected %q", got)
	}
}
