package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xgallery/pkg/fetch"
	"github.com/jacktea/xgallery/pkg/fetch/fetchtest"
	"github.com/jacktea/xgallery/pkg/meta"
	"github.com/jacktea/xgallery/pkg/netmon"
	"github.com/jacktea/xgallery/pkg/resolve"
	"github.com/jacktea/xgallery/pkg/session"
)

// writeCatalog stores n images on the CDN and returns a catalog file listing
// them.
func writeCatalog(t *testing.T, cdn *fetchtest.CDN, dir string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("images:\n")
	for i := 1; i <= n; i++ {
		id := fmt.Sprint(i)
		full := cdn.PutImage("full/"+fetchtest.Key(id), 64, 48)
		thumb := cdn.PutImage("thumb/"+fetchtest.Key(id), 16, 12)
		fmt.Fprintf(&b, "  - id: %q\n    image_url: %q\n    thumbnail_url: %q\n    author: Tester\n", id, full, thumb)
	}
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(t *testing.T, cdn *fetchtest.CDN, backend string) Config {
	dir := t.TempDir()
	return Config{
		Dir:           dir,
		RecordBackend: backend,
		CatalogFile:   writeCatalog(t, cdn, dir, 3),
		HTTP:          &fetch.Options{Client: cdn.Client()},
		Network:       NetworkOnline,
		Profile:       session.Profile{Name: "Tester", Email: "tester@example.com"},
	}
}

func TestAppSyncDownloadsAndResolves(t *testing.T) {
	ctx := context.Background()
	cdn := fetchtest.NewCDN(t)
	a, err := New(ctx, testConfig(t, cdn, meta.BackendMemory))
	require.NoError(t, err)
	defer a.Close()

	assert.ErrorIs(t, a.Authorize(), session.ErrUnauthenticated)
	require.NoError(t, a.Session.SignIn(ctx))
	require.NoError(t, a.Authorize())

	res, err := a.Gallery.FetchPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	require.NoError(t, a.Gallery.Wait(ctx))

	for _, rec := range a.Gallery.Snapshot().Items {
		assert.True(t, a.Gallery.IsCached(ctx, rec.ID), "id %s", rec.ID)
		out := a.Resolver.Resolve(ctx, rec, resolve.Thumbnail)
		assert.Equal(t, resolve.SourceCache, out.Source)
	}
	assert.Positive(t, a.Gallery.CacheSize(ctx))

	rec, err := a.Record(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, "Tester", rec.Author)
}

func TestAppColdStartFromBolt(t *testing.T) {
	ctx := context.Background()
	cdn := fetchtest.NewCDN(t)
	cfg := testConfig(t, cdn, meta.BackendBolt)

	first, err := New(ctx, cfg)
	require.NoError(t, err)
	_, err = first.Gallery.FetchPage(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Gallery.Wait(ctx))
	require.NoError(t, first.Close())

	cdn.SetOffline(true)
	cfg.Network = NetworkOffline
	second, err := New(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()

	items := second.Gallery.Snapshot().Items
	require.Len(t, items, 3)
	assert.Equal(t, "1", items[0].ID)
	for _, rec := range items {
		assert.Equal(t, resolve.SourceCache, second.Resolver.Resolve(ctx, rec, resolve.Full).Source)
	}
}

func TestAppOfflineResolveSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	cdn := fetchtest.NewCDN(t)
	cfg := testConfig(t, cdn, meta.BackendMemory)
	cfg.Network = NetworkOffline
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	require.Eventually(t, func() bool { return !a.Network.Connected() }, time.Second, time.Millisecond)
	before := cdn.Gets()
	rec := meta.Record{ID: "9", ImageURL: cdn.URL("full/9.png"), ThumbnailURL: cdn.URL("thumb/9.png")}
	assert.True(t, a.Resolver.Resolve(ctx, rec, resolve.Thumbnail).Placeholder())
	assert.Equal(t, before, cdn.Gets())
	assert.Equal(t, netmon.OfflineBanner, a.Network.State().Banner())
}

func TestAppCancelsDownloadsWhenOffline(t *testing.T) {
	ctx := context.Background()
	cdn := fetchtest.NewCDN(t)
	cfg := testConfig(t, cdn, meta.BackendMemory)
	src := netmon.NewManualSource()
	cfg.NetworkSource = src

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	inner := cdn.Client()
	cfg.HTTP = &fetch.Options{Client: inner, Middlewares: []fetch.Middleware{
		func(next http.RoundTripper) http.RoundTripper {
			return fetch.RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
				started <- struct{}{}
				select {
				case <-release:
				case <-r.Context().Done():
					return nil, r.Context().Err()
				}
				return next.RoundTrip(r)
			})
		},
	}}
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	defer close(release)

	src.SetOnline(true, netmon.KindWiFi)
	require.Eventually(t, func() bool { return a.Network.State().Kind == netmon.KindWiFi }, time.Second, time.Millisecond)

	_, err = a.Gallery.FetchPage(ctx)
	require.NoError(t, err)
	<-started

	src.SetOnline(false)
	require.NoError(t, a.Gallery.Wait(ctx))
	for _, rec := range a.Gallery.Snapshot().Items {
		assert.False(t, a.Gallery.IsCached(ctx, rec.ID), "id %s", rec.ID)
	}
}

func TestAppRejectsUnknownNetworkMode(t *testing.T) {
	_, err := New(context.Background(), Config{Dir: t.TempDir(), RecordBackend: meta.BackendMemory, Network: "satellite"})
	assert.Error(t, err)
}

func TestAppClearCacheDropsMemoryTier(t *testing.T) {
	ctx := context.Background()
	cdn := fetchtest.NewCDN(t)
	cfg := testConfig(t, cdn, meta.BackendMemory)
	src := netmon.NewManualSource()
	cfg.NetworkSource = src
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	src.SetOnline(true, netmon.KindWiFi)
	require.Eventually(t, func() bool { return a.Network.State().Kind == netmon.KindWiFi }, time.Second, time.Millisecond)

	rec := meta.Record{ID: "1", ImageURL: cdn.URL("full/1.png"), ThumbnailURL: cdn.URL("thumb/1.png")}
	require.Equal(t, resolve.SourceNetwork, a.Resolver.Resolve(ctx, rec, resolve.Full).Source)
	require.Equal(t, resolve.SourceMemory, a.Resolver.Resolve(ctx, rec, resolve.Full).Source)

	require.NoError(t, a.ClearCache(ctx))
	src.SetOnline(false)
	require.Eventually(t, func() bool { return !a.Network.Connected() }, time.Second, time.Millisecond)

	assert.False(t, a.Gallery.IsCached(ctx, "1"))
	assert.True(t, a.Resolver.Resolve(ctx, rec, resolve.Full).Placeholder())
}
