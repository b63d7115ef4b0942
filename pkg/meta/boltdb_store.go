package meta

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketOrder   = []byte("order")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists records in BoltDB. Records are JSON values keyed by ID;
// a second bucket maps an insertion sequence to ID so FetchAll is ordered.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB

	mu      sync.Mutex
	pending []Record
	staged  map[string]int
}

// NewBoltStore opens (or creates) a Bolt-backed record store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("boltdb: mkdir: %w", err)
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db, staged: make(map[string]int)}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketOrder} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) FetchAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	seen := make(map[string]struct{})
	err := b.db.View(func(tx *bolt.Tx) error {
		recs := tx.Bucket(bucketRecords)
		return tx.Bucket(bucketOrder).ForEach(func(_, id []byte) error {
			data := recs.Get(id)
			if data == nil {
				return nil
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("boltdb: decode %s: %w", id, err)
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.pending {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *BoltStore) FetchByID(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	b.mu.Lock()
	if idx, ok := b.staged[id]; ok {
		rec := b.pending[idx]
		b.mu.Unlock()
		return rec, nil
	}
	b.mu.Unlock()

	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(id))
		if data == nil {
			return notFound("boltdb.FetchByID", id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (b *BoltStore) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.staged[rec.ID]; ok {
		b.pending[idx] = rec
		return nil
	}
	b.staged[rec.ID] = len(b.pending)
	b.pending = append(b.pending, rec)
	return nil
}

// Save commits all staged records in one transaction. On failure the staged
// records are kept for the next attempt.
func (b *BoltStore) Save(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		recs := tx.Bucket(bucketRecords)
		order := tx.Bucket(bucketOrder)
		for _, rec := range b.pending {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			key := []byte(rec.ID)
			if recs.Get(key) == nil {
				seq, err := order.NextSequence()
				if err != nil {
					return err
				}
				if err := order.Put(encodeUint64(seq), key); err != nil {
					return err
				}
			}
			if err := recs.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltdb: save: %w", err)
	}
	b.pending = nil
	b.staged = make(map[string]int)
	return nil
}

// Close commits staged records and closes the database.
func (b *BoltStore) Close() error {
	saveErr := b.Save(context.Background())
	if err := b.db.Close(); err != nil {
		return err
	}
	return saveErr
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
