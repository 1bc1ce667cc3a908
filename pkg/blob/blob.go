package blob

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"
	"time"

	"github.com/pigseek/pigseek/pkg/catalog"
)

// Info describes a stored blob.
type Info struct {
	ID      catalog.ContentID
	Size    int64
	ModTime time.Time
}

// Store is the blob directory contract used by the higher layers.
type Store interface {
	// Put stores r under its SHA-256 digest.
	Put(ctx context.Context, r io.Reader) (catalog.ContentID, int64, error)
	// PutID stores r under a caller supplied id, optionally verifying the digest.
	PutID(ctx context.Context, id catalog.ContentID, r io.Reader, verify bool) (int64, error)
	Open(ctx context.Context, id catalog.ContentID) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, id catalog.ContentID) error
	Exists(ctx context.Context, id catalog.ContentID) (bool, error)
	List(ctx context.Context) ([]Info, error)
}

// Hasher returns the digest used for content ids.
func Hasher() hash.Hash {
	return sha256.New()
}

// ReadAll reads a whole blob into memory.
func ReadAll(ctx context.Context, s Store, id catalog.ContentID) ([]byte, error) {
	rc, _, err := s.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
