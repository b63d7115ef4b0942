package blob

import (
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

const defaultTrackEntries = 1 << 16

// Options configures a PathStore.
type Options struct {
	Compressor Compressor
	// TrackEntries bounds the access-order index used by Evict.
	TrackEntries int
	Logger       *zerolog.Logger
}

// PathStore keeps one compressed JPEG per image id under root.
type PathStore struct {
	root       string
	compressor Compressor
	log        zerolog.Logger

	// dirMu is held shared by writers and exclusively by ClearAll and Evict.
	dirMu  sync.RWMutex
	locks  keyedMutex
	recent *lru.Cache[ID, struct{}]
}

// NewPathStore returns a Store rooted at root, creating the directory.
func NewPathStore(root string, opts Options) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.mkdir", root, err)
	}
	track := opts.TrackEntries
	if track <= 0 {
		track = defaultTrackEntries
	}
	recent, err := lru.New[ID, struct{}](track)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "PathStore.lru", root, err)
	}
	p := &PathStore{
		root:       root,
		compressor: opts.Compressor.withDefaults(),
		log:        logging.OrNop(opts.Logger).With().Str("component", "blob").Logger(),
		recent:     recent,
	}
	p.seedRecent()
	return p, nil
}

// Root returns the cache directory.
func (p *PathStore) Root() string { return p.root }

// PathFor derives the blob path for id.
func (p *PathStore) PathFor(id ID) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(p.root, string(id)+Ext), nil
}

func (p *PathStore) Exists(ctx context.Context, id ID) bool {
	path, err := p.PathFor(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Put compresses raw and atomically replaces the blob for id.
func (p *PathStore) Put(ctx context.Context, id ID, raw []byte) (int64, error) {
	path, err := p.PathFor(id)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, xerrors.Wrap(xerrors.KindIO, "blob.Put", string(id), err)
	}
	out, err := p.compressor.CompressBytes(raw)
	if err != nil {
		return 0, err
	}

	unlock := p.locks.Lock(string(id))
	defer unlock()
	p.dirMu.RLock()
	defer p.dirMu.RUnlock()

	if err := writeAtomic(p.root, path, out.Data); err != nil {
		return 0, xerrors.Wrap(xerrors.KindIO, "blob.Put", string(id), err)
	}
	p.recent.Add(id, struct{}{})
	p.log.Debug().Str("id", string(id)).Int("bytes", len(out.Data)).Int("quality", out.Quality).
		Int("attempts", out.Attempts).Msg("blob stored")
	return int64(len(out.Data)), nil
}

// Get returns the stored JPEG bytes. Missing, unreadable and undecodable
// blobs are all reported as absent.
func (p *PathStore) Get(ctx context.Context, id ID) ([]byte, bool) {
	path, err := p.PathFor(id)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		p.log.Debug().Err(err).Str("id", string(id)).Msg("ignoring corrupt blob")
		return nil, false
	}
	p.recent.Add(id, struct{}{})
	return data, true
}

// ClearAll removes the cache directory and recreates it empty.
func (p *PathStore) ClearAll(ctx context.Context) error {
	p.dirMu.Lock()
	defer p.dirMu.Unlock()
	if err := os.RemoveAll(p.root); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "blob.ClearAll", p.root, err)
	}
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "blob.ClearAll", p.root, err)
	}
	p.recent.Purge()
	return nil
}

// TotalSize sums the on-disk size of every blob. Errors count as zero.
func (p *PathStore) TotalSize(ctx context.Context) int64 {
	return p.Stats(ctx).Bytes
}

// Stats reports blob count and total bytes.
func (p *PathStore) Stats(ctx context.Context) Stats {
	entries, err := p.scan()
	if err != nil {
		p.log.Debug().Err(err).Msg("scan failed")
		return Stats{}
	}
	var s Stats
	for _, e := range entries {
		s.Count++
		s.Bytes += e.size
	}
	return s
}

type blobEntry struct {
	id      ID
	path    string
	size    int64
	modTime time.Time
}

func (p *PathStore) scan() ([]blobEntry, error) {
	dirents, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]blobEntry, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if !d.Type().IsRegular() || !strings.HasSuffix(name, Ext) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		out = append(out, blobEntry{
			id:      ID(strings.TrimSuffix(name, Ext)),
			path:    filepath.Join(p.root, name),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return out, nil
}

func (p *PathStore) seedRecent() {
	entries, err := p.scan()
	if err != nil {
		return
	}
	sortByAge(entries)
	for _, e := range entries {
		p.recent.Add(e.id, struct{}{})
	}
}

func sortByAge(entries []blobEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].id < entries[j].id
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// keyedMutex serialises writers per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
