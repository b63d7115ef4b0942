package meta

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// Adapter applies the insert-if-absent policy on top of a Store. Existing
// records are never modified.
type Adapter struct {
	store Store
	log   zerolog.Logger
}

// NewAdapter wraps store.
func NewAdapter(store Store, logger *zerolog.Logger) *Adapter {
	return &Adapter{
		store: store,
		log:   logging.OrNop(logger).With().Str("component", "records").Logger(),
	}
}

// Store returns the wrapped store.
func (a *Adapter) Store() Store { return a.store }

// Upsert inserts rec if no record with its ID exists, then saves.
func (a *Adapter) Upsert(ctx context.Context, rec Record) (bool, error) {
	n, err := a.UpsertAll(ctx, []Record{rec})
	return n == 1, err
}

// UpsertAll stages every absent record and commits once. Every record is
// attempted; the first failure is returned along with the insert count.
func (a *Adapter) UpsertAll(ctx context.Context, recs []Record) (int, error) {
	var (
		inserted int
		firstErr error
	)
	for _, rec := range recs {
		ok, err := a.stage(ctx, rec)
		if err != nil {
			a.log.Warn().Err(err).Str("id", rec.ID).Msg("upsert failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			inserted++
		}
	}
	if err := a.store.Save(ctx); err != nil {
		a.log.Error().Err(err).Msg("save failed")
		if firstErr == nil {
			firstErr = xerrors.Wrap(xerrors.KindPersistence, "meta.Save", "", err)
		}
	}
	return inserted, firstErr
}

func (a *Adapter) stage(ctx context.Context, rec Record) (bool, error) {
	if rec.ID == "" {
		return false, xerrors.E(xerrors.KindInvalid, "meta.Upsert", "id")
	}
	_, err := a.store.FetchByID(ctx, rec.ID)
	if err == nil {
		return false, nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return false, xerrors.Wrap(xerrors.KindPersistence, "meta.FetchByID", rec.ID, err)
	}
	if err := a.store.Insert(ctx, rec); err != nil {
		return false, xerrors.Wrap(xerrors.KindPersistence, "meta.Insert", rec.ID, err)
	}
	return true, nil
}

// FetchAll returns every stored record in store order, filling in missing
// authors.
func (a *Adapter) FetchAll(ctx context.Context) ([]Record, error) {
	recs, err := a.store.FetchAll(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindPersistence, "meta.FetchAll", "", err)
	}
	for i := range recs {
		recs[i] = recs[i].normalized()
	}
	return recs, nil
}
