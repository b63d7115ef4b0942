// Package catalog provides the paginated source of image metadata.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacktea/xgallery/pkg/meta"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// DefaultPageSize is the number of records per page.
const DefaultPageSize = 20

// Source returns pages of records. Pages are 1-based; a page past the end is
// empty, not an error.
type Source interface {
	FetchPage(ctx context.Context, page, size int) ([]meta.Record, error)
}

// Static serves a fixed, in-memory list of records.
type Static struct {
	records []meta.Record
	latency time.Duration
}

// NewStatic returns a source over records. latency simulates a network
// round trip for each page.
func NewStatic(records []meta.Record, latency time.Duration) *Static {
	cp := make([]meta.Record, len(records))
	copy(cp, records)
	return &Static{records: cp, latency: latency}
}

// Default returns the built-in catalog.
func Default(latency time.Duration) *Static {
	return NewStatic(DefaultRecords(), latency)
}

// Len reports the catalog size.
func (s *Static) Len() int { return len(s.records) }

func (s *Static) FetchPage(ctx context.Context, page, size int) ([]meta.Record, error) {
	if page < 1 || size < 1 {
		return nil, xerrors.E(xerrors.KindInvalid, "catalog.FetchPage", fmt.Sprintf("page=%d size=%d", page, size))
	}
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := (page - 1) * size
	if start >= len(s.records) {
		return []meta.Record{}, nil
	}
	end := min(start+size, len(s.records))
	out := make([]meta.Record, end-start)
	copy(out, s.records[start:end])
	return out, nil
}

type fileFormat struct {
	Images []fileRecord `yaml:"images"`
}

type fileRecord struct {
	ID           string `yaml:"id"`
	ImageURL     string `yaml:"image_url"`
	ThumbnailURL string `yaml:"thumbnail_url"`
	Author       string `yaml:"author"`
}

// LoadYAML reads a catalog file. Records without an id get their 1-based
// position; a missing thumbnail URL defaults to the image URL with ?w=400.
func LoadYAML(path string, latency time.Duration) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "catalog.Load", path, err)
	}
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecode, "catalog.Load", path, err)
	}
	seen := make(map[string]struct{}, len(doc.Images))
	records := make([]meta.Record, 0, len(doc.Images))
	for i, img := range doc.Images {
		rec := meta.Record{
			ID:           img.ID,
			ImageURL:     img.ImageURL,
			ThumbnailURL: img.ThumbnailURL,
			Author:       img.Author,
		}
		if rec.ID == "" {
			rec.ID = strconv.Itoa(i + 1)
		}
		if rec.ImageURL == "" {
			return nil, xerrors.E(xerrors.KindInvalid, "catalog.Load", fmt.Sprintf("%s: image %s has no image_url", path, rec.ID))
		}
		if rec.ThumbnailURL == "" {
			rec.ThumbnailURL = thumbnail(rec.ImageURL)
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, xerrors.E(xerrors.KindInvalid, "catalog.Load", fmt.Sprintf("%s: duplicate id %s", path, rec.ID))
		}
		seen[rec.ID] = struct{}{}
		records = append(records, rec)
	}
	return NewStatic(records, latency), nil
}
