package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

func TestDirStoreFlatLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := OpenDir(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	id, n, err := store.Put(ctx, strings.NewReader("flat-test"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != int64(len("flat-test")) {
		t.Fatalf("unexpected size %d", n)
	}
	if id != catalog.IDOf([]byte("flat-test")) {
		t.Fatalf("unexpected id %s", id)
	}
	if _, err := os.Stat(filepath.Join(root, string(id))); err != nil {
		t.Fatalf("expected blob at top level: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the blob, found %d entries", len(entries))
	}
}

func TestDirStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(memfs.New())

	id, _, err := store.Put(ctx, strings.NewReader("oink"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	again, _, err := store.Put(ctx, strings.NewReader("oink"))
	if err != nil || again != id {
		t.Fatalf("second put: %v %s", err, again)
	}
	data, err := ReadAll(ctx, store, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "oink" {
		t.Fatalf("unexpected data %q", data)
	}
	ok, err := store.Exists(ctx, id)
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, _ = store.Exists(ctx, id)
	if ok {
		t.Fatalf("blob still present after delete")
	}
}

func TestDirStoreDeleteMissing(t *testing.T) {
	store := NewDirStore(memfs.New())
	err := store.Delete(context.Background(), catalog.IDOf([]byte("never")))
	if kind := xerrors.KindOf(err); kind != xerrors.KindNotFound {
		t.Fatalf("expected not found, got %v (%v)", kind, err)
	}
	err = store.Delete(context.Background(), "../metadata.json")
	if kind := xerrors.KindOf(err); kind != xerrors.KindNotFound {
		t.Fatalf("expected not found for invalid id, got %v", kind)
	}
}

func TestDirStorePutIDVerifiesDigest(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(memfs.New())
	good := catalog.IDOf([]byte("pig"))

	if _, err := store.PutID(ctx, good, strings.NewReader("pig"), true); err != nil {
		t.Fatalf("put verified: %v", err)
	}
	wrong := catalog.IDOf([]byte("hog"))
	_, err := store.PutID(ctx, wrong, strings.NewReader("pig"), true)
	if kind := xerrors.KindOf(err); kind != xerrors.KindInvalid {
		t.Fatalf("expected digest mismatch, got %v (%v)", kind, err)
	}
	if ok, _ := store.Exists(ctx, wrong); ok {
		t.Fatalf("mismatched blob should not be stored")
	}
	if _, err := store.PutID(ctx, wrong, strings.NewReader("pig"), false); err != nil {
		t.Fatalf("unverified put: %v", err)
	}
	if _, err := store.PutID(ctx, "not-an-id", strings.NewReader("x"), false); xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}

func TestDirStoreListSkipsForeignFiles(t *testing.T) {
	ctx := context.Background()
	fsys := memfs.New()
	store := NewDirStore(fsys)
	if err := util.WriteFile(fsys, catalog.MetadataFile, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := util.WriteFile(fsys, "notes.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	a, _, _ := store.Put(ctx, strings.NewReader("a"))
	b, _, _ := store.Put(ctx, strings.NewReader("bb"))

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(infos))
	}
	sizes := map[catalog.ContentID]int64{}
	for _, info := range infos {
		sizes[info.ID] = info.Size
	}
	if sizes[a] != 1 || sizes[b] != 2 {
		t.Fatalf("unexpected sizes %v", sizes)
	}
}

func TestCachedStoreServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := NewDirStore(memfs.New())
	store := NewCachedStore(inner, CacheOptions{Entries: 8, MaxBytes: 1024})
	defer store.Close()

	id, _, err := store.Put(ctx, strings.NewReader("cached"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := ReadAll(ctx, store, id); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := ReadAll(ctx, store, id); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if hits := store.Stats().Hits; hits != 1 {
		t.Fatalf("expected 1 cache hit, got %d", hits)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ReadAll(ctx, store, id); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
