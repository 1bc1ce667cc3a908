package blob

import (
	"bytes"
	"context"
	"io"

	"github.com/pigseek/pigseek/pkg/cache"
	"github.com/pigseek/pigseek/pkg/catalog"
)

// CachedStore layers an in-memory read cache over another Store. Reads of
// blobs up to MaxBlob bytes are kept in the cache; writes and deletes
// invalidate the cached copy.
type CachedStore struct {
	Store
	cache   *cache.Cache[catalog.ContentID, []byte]
	maxBlob int64
}

// CacheOptions control the read cache.
type CacheOptions struct {
	Entries  int
	MaxBytes int64
	MaxBlob  int64
}

// NewCachedStore wraps inner with a read cache.
func NewCachedStore(inner Store, opts CacheOptions) *CachedStore {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 64 << 20
	}
	if opts.MaxBlob <= 0 || opts.MaxBlob > opts.MaxBytes {
		opts.MaxBlob = opts.MaxBytes / 4
	}
	return &CachedStore{
		Store:   inner,
		cache:   cache.NewBytes[catalog.ContentID](opts.Entries, opts.MaxBytes, 0),
		maxBlob: opts.MaxBlob,
	}
}

func (c *CachedStore) Open(ctx context.Context, id catalog.ContentID) (io.ReadCloser, int64, error) {
	if data, ok := c.cache.Get(id); ok {
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}
	rc, size, err := c.Store.Open(ctx, id)
	if err != nil || size > c.maxBlob {
		return rc, size, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, err
	}
	c.cache.Set(id, data)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (c *CachedStore) PutID(ctx context.Context, id catalog.ContentID, r io.Reader, verify bool) (int64, error) {
	c.cache.Delete(id)
	return c.Store.PutID(ctx, id, r, verify)
}

func (c *CachedStore) Delete(ctx context.Context, id catalog.ContentID) error {
	c.cache.Delete(id)
	return c.Store.Delete(ctx, id)
}

// Stats reports read cache statistics.
func (c *CachedStore) Stats() cache.Stats { return c.cache.Stats() }

// Close releases the cache.
func (c *CachedStore) Close() error { return c.cache.Close() }
