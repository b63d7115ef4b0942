package blob

import (
	"context"
	"strings"

	"github.com/jacktea/xgallery/pkg/xerrors"
)

// Ext is appended to every blob file name. Blobs are always JPEG-encoded.
const Ext = ".jpg"

// ID is the image identifier a blob is stored under.
type ID string

// Store is the local image cache used by the synchronizer and resolver.
type Store interface {
	Exists(ctx context.Context, id ID) bool
	Put(ctx context.Context, id ID, raw []byte) (int64, error)
	Get(ctx context.Context, id ID) ([]byte, bool)
	ClearAll(ctx context.Context) error
	TotalSize(ctx context.Context) int64
}

// Evictor trims a store down to a byte budget.
type Evictor interface {
	Evict(ctx context.Context, maxBytes int64) (freed int64, remaining int64, err error)
}

// Stats summarises the blobs currently on disk.
type Stats struct {
	Count int
	Bytes int64
}

// ValidateID rejects ids that cannot map to a single file in the cache root.
func ValidateID(id ID) error {
	name := string(id)
	switch {
	case name == "", name == ".", name == "..":
		return xerrors.E(xerrors.KindInvalid, "blob.id", name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return xerrors.E(xerrors.KindInvalid, "blob.id", name)
	}
	return nil
}
