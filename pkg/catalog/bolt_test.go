package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := NewBoltStore(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}

	if _, err := store.Load(ctx); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected not found before first save, got %v", err)
	}
	if !store.SavedAt().IsZero() {
		t.Fatalf("expected zero saved-at")
	}

	want := New(
		Entry{ID: "c", Description: "three"},
		Entry{ID: "a", Description: "one"},
		Entry{ID: "b", Description: "two"},
	)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, want.Without("a")); err != nil {
		t.Fatalf("save shrink: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBoltStore(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(want.Without("a")) {
		t.Fatalf("unexpected catalog %v", got.Entries())
	}
	if reopened.SavedAt().IsZero() {
		t.Fatalf("expected saved-at to be set")
	}
}

func TestBoltStoreRequiresPath(t *testing.T) {
	if _, err := NewBoltStore(BoltConfig{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestMigrateToBolt(t *testing.T) {
	ctx := context.Background()
	fsys := memfs.New()
	src := NewFileStore(fsys, "")
	want := New(Entry{ID: "z", Description: "pig"}, Entry{ID: "y", Description: "boar"})
	if err := src.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	dst, n, err := MigrateToBolt(ctx, src, BoltConfig{Path: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer dst.Close()
	if n != 2 {
		t.Fatalf("expected 2 entries migrated, got %d", n)
	}
	got, err := dst.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("unexpected catalog %v", got.Entries())
	}
}

func TestMigrateMalformedSourceIsEmpty(t *testing.T) {
	ctx := context.Background()
	fsys := memfs.New()
	if err := util.WriteFile(fsys, MetadataFile, []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dst, n, err := MigrateToBolt(ctx, NewFileStore(fsys, ""), BoltConfig{Path: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer dst.Close()
	if n != 0 {
		t.Fatalf("expected empty migration, got %d", n)
	}
	got, err := dst.Load(ctx)
	if err != nil || got.Len() != 0 {
		t.Fatalf("expected empty catalog, got %v, %v", got.Entries(), err)
	}
}
