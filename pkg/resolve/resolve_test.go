package resolve

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/xgallery/pkg/blob"
	"github.com/jacktea/xgallery/pkg/download"
	"github.com/jacktea/xgallery/pkg/fetch"
	"github.com/jacktea/xgallery/pkg/fetch/fetchtest"
	"github.com/jacktea/xgallery/pkg/meta"
	"github.com/jacktea/xgallery/pkg/netmon"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

func newBlobs(t *testing.T) *blob.PathStore {
	t.Helper()
	store, err := blob.NewPathStore(t.TempDir(), blob.Options{})
	require.NoError(t, err)
	return store
}

func record(id, base string) meta.Record {
	return meta.Record{ID: id, ImageURL: base + "/full/" + id, ThumbnailURL: base + "/thumb/" + id}
}

type countingFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, url string) ([]byte, error)
}

func (c *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	c.calls.Add(1)
	return c.fn(ctx, url)
}

func failing() *countingFetcher {
	return &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) {
		return nil, xerrors.E(xerrors.KindNetwork, "fetch", url)
	}}
}

type staticNet bool

func (s staticNet) Connected() bool { return bool(s) }

func TestPlaceholderWhenUncachedAndDownloadFails(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	f := failing()
	require.False(t, blobs.Exists(ctx, "42"))

	reg := download.New(download.Options{Store: blobs, Fetcher: f})
	defer reg.Close()
	assert.Error(t, reg.Start("42", "http://cdn.test/thumb/42").Wait(ctx))
	_, ok := blobs.Get(ctx, "42")
	assert.False(t, ok)

	r := New(Options{Blobs: blobs, Fetcher: f})
	defer r.Close()
	res := r.Resolve(ctx, record("42", "http://cdn.test"), Thumbnail)
	assert.True(t, res.Placeholder())
	assert.Nil(t, res.Data)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestCachedBlobWinsEvenOnline(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	_, err := blobs.Put(ctx, "1", fetchtest.PNG(t, 16, 16))
	require.NoError(t, err)
	f := failing()
	r := New(Options{Blobs: blobs, Fetcher: f, Network: staticNet(true)})
	defer r.Close()

	for _, v := range []Variant{Thumbnail, Full} {
		res := r.Resolve(ctx, record("1", "http://cdn.test"), v)
		assert.Equal(t, SourceCache, res.Source, "variant %s", v)
		assert.NotEmpty(t, res.Data)
	}
	assert.Zero(t, f.calls.Load())
}

func TestNetworkFetchUsesVariantURL(t *testing.T) {
	ctx := context.Background()
	cdn := fetchtest.NewCDN(t)
	thumb := cdn.PutImage("thumb/7", 8, 8)
	full := cdn.PutImage("full/7", 32, 32)
	rec := meta.Record{ID: "7", ImageURL: full, ThumbnailURL: thumb}

	var urls []string
	var mu sync.Mutex
	inner := fetch.NewHTTPFetcher(fetch.Options{Client: cdn.Client()})
	f := fetch.Func(func(ctx context.Context, url string) ([]byte, error) {
		mu.Lock()
		urls = append(urls, url)
		mu.Unlock()
		return inner.Fetch(ctx, url)
	})
	r := New(Options{Blobs: newBlobs(t), Fetcher: f})
	defer r.Close()

	res := r.Resolve(ctx, rec, Full)
	require.Equal(t, SourceNetwork, res.Source)
	res = r.Resolve(ctx, rec, Thumbnail)
	require.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, []string{full, thumb}, urls)

	res = r.Resolve(ctx, rec, Full)
	assert.Equal(t, SourceMemory, res.Source)

	r.Purge("7")
	res = r.Resolve(ctx, rec, Full)
	assert.Equal(t, SourceNetwork, res.Source)
}

func TestOfflineSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	f := failing()
	r := New(Options{Blobs: newBlobs(t), Fetcher: f, Network: staticNet(false)})
	defer r.Close()

	res := r.Resolve(ctx, record("5", "http://cdn.test"), Thumbnail)
	assert.True(t, res.Placeholder())
	assert.Zero(t, f.calls.Load())
}

func TestNetworkFailureRechecksCache(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	img := fetchtest.PNG(t, 8, 8)
	f := &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) {
		// a background download lands while the request is failing
		if _, err := blobs.Put(ctx, "9", img); err != nil {
			return nil, err
		}
		return nil, xerrors.E(xerrors.KindNetwork, "fetch", url)
	}}
	r := New(Options{Blobs: blobs, Fetcher: f})
	defer r.Close()

	res := r.Resolve(ctx, record("9", "http://cdn.test"), Full)
	assert.Equal(t, SourceCache, res.Source)
	assert.NotEmpty(t, res.Data)
}

func TestUndecodableNetworkBodyIsPlaceholder(t *testing.T) {
	f := &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) {
		return []byte("<html>"), nil
	}}
	r := New(Options{Blobs: newBlobs(t), Fetcher: f})
	defer r.Close()
	assert.True(t, r.Resolve(context.Background(), record("3", "http://cdn.test"), Thumbnail).Placeholder())
}

func TestConcurrentResolvesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	img := fetchtest.PNG(t, 8, 8)
	release := make(chan struct{})
	f := &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) {
		<-release
		return img, nil
	}}
	r := New(Options{Blobs: newBlobs(t), Fetcher: f, MemoryBytes: -1})
	defer r.Close()

	var wg sync.WaitGroup
	results := make([]Result, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(ctx, record("11", "http://cdn.test"), Thumbnail)
		}(i)
	}
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, f.calls.Load())
	for _, res := range results {
		assert.Equal(t, SourceNetwork, res.Source)
	}
}

func TestCacheOnReadStoresThumbnail(t *testing.T) {
	ctx := context.Background()
	img := fetchtest.PNG(t, 8, 8)
	blobs := newBlobs(t)
	f := &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) { return img, nil }}
	r := New(Options{Blobs: blobs, Fetcher: f, CacheOnRead: true})
	defer r.Close()

	r.Resolve(ctx, record("12", "http://cdn.test"), Full)
	assert.False(t, blobs.Exists(ctx, "12"), "full images are not written to the thumbnail cache")
	r.Resolve(ctx, record("12", "http://cdn.test"), Thumbnail)
	assert.True(t, blobs.Exists(ctx, "12"))
}

func TestConnectivityLossMidDownload(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	src := netmon.NewManualSource()
	mon := netmon.New(src, netmon.Options{})
	defer mon.Close()
	src.SetOnline(true, netmon.KindWiFi)
	require.Eventually(t, func() bool { return mon.State().Kind == netmon.KindWiFi }, time.Second, time.Millisecond)

	started := make(chan struct{})
	f := &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, xerrors.Wrap(xerrors.KindNetwork, "fetch", url, ctx.Err())
	}}
	reg := download.New(download.Options{Store: blobs, Fetcher: f})
	defer reg.Close()
	task := reg.Start("20", "http://cdn.test/thumb/20")
	<-started

	cancelOnOffline := mon.Subscribe(func(st netmon.State) {
		if !st.Connected {
			reg.Cancel("20")
		}
	})
	defer cancelOnOffline()
	src.SetOnline(false)

	assert.Error(t, task.Wait(ctx))
	assert.False(t, blobs.Exists(ctx, "20"))

	r := New(Options{Blobs: blobs, Fetcher: f, Network: mon})
	defer r.Close()
	res := r.Resolve(ctx, record("20", "http://cdn.test"), Thumbnail)
	assert.True(t, res.Placeholder())
	assert.EqualValues(t, 1, f.calls.Load())

	_, err := blobs.Put(ctx, "20", fetchtest.PNG(t, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, r.Resolve(ctx, record("20", "http://cdn.test"), Thumbnail).Source)
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "thumb", Thumbnail.String())
	assert.Equal(t, "full", Full.String())
	assert.Equal(t, "placeholder", SourcePlaceholder.String())
	assert.Equal(t, "network", SourceNetwork.String())
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	img := fetchtest.PNG(t, 8, 8)
	release := make(chan struct{})
	f := &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return img, nil
	}}
	r := New(Options{Blobs: newBlobs(t), Fetcher: f, MemoryBytes: -1})
	defer r.Close()
	rec := record("13", "http://cdn.test")

	ctxA, cancelA := context.WithCancel(context.Background())
	resA := make(chan Result, 1)
	go func() { resA <- r.Resolve(ctxA, rec, Thumbnail) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	resB := make(chan Result, 1)
	go func() { resB <- r.Resolve(context.Background(), rec, Thumbnail) }()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case res := <-resA:
		assert.True(t, res.Placeholder())
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}

	close(release)
	res := <-resB
	assert.Equal(t, SourceNetwork, res.Source)
	assert.NotEmpty(t, res.Data)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestLaterBlobBeatsMemoryTier(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	img := fetchtest.PNG(t, 8, 8)
	f := &countingFetcher{fn: func(ctx context.Context, url string) ([]byte, error) { return img, nil }}
	r := New(Options{Blobs: blobs, Fetcher: f})
	defer r.Close()
	rec := record("14", "http://cdn.test")

	for _, v := range []Variant{Thumbnail, Full} {
		require.Equal(t, SourceNetwork, r.Resolve(ctx, rec, v).Source)
		require.Equal(t, SourceMemory, r.Resolve(ctx, rec, v).Source)
	}

	// a background download lands after the network results were remembered
	_, err := blobs.Put(ctx, "14", img)
	require.NoError(t, err)
	for _, v := range []Variant{Thumbnail, Full} {
		assert.Equal(t, SourceCache, r.Resolve(ctx, rec, v).Source, "variant %s", v)
	}
	assert.EqualValues(t, 2, f.calls.Load())
}
