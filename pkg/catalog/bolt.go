package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")

	metaSavedAtKey = []byte("saved-at")
)

// BoltConfig configures the BoltDB-backed catalog.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists the catalog in BoltDB. Entries are keyed by their
// position so the natural order survives a reopen.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (or creates) a Bolt catalog at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Load(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Catalog
	err := b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta).Get(metaSavedAtKey) == nil {
			return xerrors.E(xerrors.KindNotFound, "catalog load", b.cfg.Path)
		}
		out = Empty()
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return xerrors.Wrap(xerrors.KindParse, "catalog load", fmt.Sprintf("entry %d", decodeUint64(k)), err)
			}
			out.set(e.ID, e.Description)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the stored catalog in a single transaction.
func (b *BoltStore) Save(ctx context.Context, c *Catalog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		bkt, err := tx.CreateBucket(bucketEntries)
		if err != nil {
			return err
		}
		for i, e := range c.Entries() {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := bkt.Put(encodeUint64(uint64(i)), data); err != nil {
				return err
			}
		}
		stamp := encodeUint64(uint64(time.Now().UnixNano()))
		return tx.Bucket(bucketMeta).Put(metaSavedAtKey, stamp)
	})
	return xerrors.Wrap(xerrors.KindIO, "catalog save", b.cfg.Path, err)
}

// SavedAt returns the time of the last Save, or the zero time.
func (b *BoltStore) SavedAt() time.Time {
	var ts uint64
	b.db.View(func(tx *bolt.Tx) error {
		ts = decodeUint64(tx.Bucket(bucketMeta).Get(metaSavedAtKey))
		return nil
	})
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ts))
}

func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
