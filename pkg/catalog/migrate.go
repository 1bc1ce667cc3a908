package catalog

import (
	"context"
	"fmt"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

// MigrateToBolt copies the catalog held by src into a Bolt-backed store.
// A missing or malformed source migrates as an empty catalog.
// The caller is responsible for closing the returned store.
func MigrateToBolt(ctx context.Context, src Persister, cfg BoltConfig) (*BoltStore, int, error) {
	cat, err := src.Load(ctx)
	switch {
	case err == nil:
	case xerrors.Is(err, xerrors.KindNotFound), xerrors.Is(err, xerrors.KindParse):
		cat = Empty()
	default:
		return nil, 0, fmt.Errorf("migrate: load source: %w", err)
	}
	dst, err := NewBoltStore(cfg)
	if err != nil {
		return nil, 0, err
	}
	if err := dst.Save(ctx, cat); err != nil {
		dst.Close()
		return nil, 0, fmt.Errorf("migrate: write: %w", err)
	}
	return dst, cat.Len(), nil
}
