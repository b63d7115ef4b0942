package blob

import (
	"context"
	"errors"
	"os"
	"sort"

	"github.com/jacktea/xgallery/pkg/xerrors"
)

// Evict removes least recently used blobs until the cache holds at most
// maxBytes. Blobs missing from the access index (written by another process,
// or pushed out of a full index) go first, oldest mtime first.
func (p *PathStore) Evict(ctx context.Context, maxBytes int64) (freed int64, remaining int64, err error) {
	if maxBytes < 0 {
		maxBytes = 0
	}
	p.dirMu.Lock()
	defer p.dirMu.Unlock()

	entries, err := p.scan()
	if err != nil {
		return 0, 0, xerrors.Wrap(xerrors.KindIO, "blob.Evict", p.root, err)
	}
	for _, e := range entries {
		remaining += e.size
	}
	if remaining <= maxBytes {
		return 0, remaining, nil
	}

	for _, e := range evictionOrder(entries, p.recent.Keys()) {
		if remaining <= maxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return freed, remaining, err
		}
		if err := os.Remove(e.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, xerrors.Wrap(xerrors.KindIO, "blob.Evict", string(e.id), err)
		}
		p.recent.Remove(e.id)
		remaining -= e.size
		freed += e.size
		p.log.Debug().Str("id", string(e.id)).Int64("bytes", e.size).Msg("blob evicted")
	}
	return freed, remaining, nil
}

// evictionOrder puts untracked entries (by age) ahead of tracked ones, which
// keep the index order: least recently used first.
func evictionOrder(entries []blobEntry, recent []ID) []blobEntry {
	rank := make(map[ID]int, len(recent))
	for i, id := range recent {
		rank[id] = i
	}
	var untracked, tracked []blobEntry
	for _, e := range entries {
		if _, ok := rank[e.id]; ok {
			tracked = append(tracked, e)
		} else {
			untracked = append(untracked, e)
		}
	}
	sortByAge(untracked)
	sort.Slice(tracked, func(i, j int) bool {
		return rank[tracked[i].id] < rank[tracked[j].id]
	})
	return append(untracked, tracked...)
}
