package pack

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/signal"
	"github.com/pigseek/pigseek/pkg/store"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	fsys := memfs.New()
	s, err := store.New(store.Config{
		Blobs:     blob.NewDirStore(fsys),
		Persister: catalog.NewFileStore(fsys, ""),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recorder collects the progress values an observer sees.
func recorder(t *testing.T, v *signal.Value[float64]) func() []float64 {
	t.Helper()
	var seen []float64
	stop := make(chan struct{})
	done := make(chan struct{})
	sub := v.Subscribe()
	go func() {
		defer close(done)
		for {
			select {
			case p := <-sub.C():
				seen = append(seen, p)
			case <-stop:
				return
			}
		}
	}()
	return func() []float64 {
		close(stop)
		<-done
		sub.Close()
		return seen
	}
}

type zipEntry struct {
	name string
	body string
}

func writeZip(t *testing.T, entries ...zipEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func TestExportWritesBlobsAndCatalog(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	idA, err := s.Add(ctx, strings.NewReader("pig-a"), "first pig")
	require.NoError(t, err)
	idB, err := s.Add(ctx, strings.NewReader("pig-b"), "second pig")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), DefaultArchiveName)
	exp := NewExporter(s, ExportOptions{Path: out})
	collect := recorder(t, exp.Progress())
	path, err := exp.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, out, path)
	progress := collect()

	files := readZip(t, out)
	assert.Len(t, files, 3)
	assert.Equal(t, "pig-a", files[string(idA)])
	assert.Equal(t, "pig-b", files[string(idB)])
	c, err := catalog.DecodeBytes([]byte(files[catalog.MetadataFile]))
	require.NoError(t, err)
	assert.True(t, c.Equal(s.Snapshot()))

	assert.Equal(t, 1.0, exp.Progress().Get())
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress must not decrease within a run")
	}
}

func TestExportOverwritesPreviousArchive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	out := filepath.Join(t.TempDir(), DefaultArchiveName)
	require.NoError(t, os.WriteFile(out, []byte("stale"), 0o644))

	_, err := s.Add(ctx, strings.NewReader("x"), "x")
	require.NoError(t, err)
	_, err = NewExporter(s, ExportOptions{Path: out}).Export(ctx)
	require.NoError(t, err)
	assert.Len(t, readZip(t, out), 2)

	dir, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, dir, 1, "no temp files left behind")
}

func TestExportEmptyCollection(t *testing.T) {
	s := newStore(t)
	out := filepath.Join(t.TempDir(), "empty.zip")
	_, err := NewExporter(s, ExportOptions{Path: out}).Export(context.Background())
	require.NoError(t, err)
	files := readZip(t, out)
	require.Len(t, files, 1)
	assert.JSONEq(t, `{}`, files[catalog.MetadataFile])
}

func TestExportCanceled(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Add(ctx, strings.NewReader("x"), "x")
	require.NoError(t, err)
	_, err = s.Load(ctx)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	out := filepath.Join(t.TempDir(), "c.zip")
	_, err = NewExporter(s, ExportOptions{Path: out}).Export(canceled)
	require.Error(t, err)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestImportMergesCatalog(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	local, err := s.Add(ctx, strings.NewReader("local"), "local desc")
	require.NoError(t, err)
	keep, err := s.Add(ctx, strings.NewReader("keep"), "untouched")
	require.NoError(t, err)

	newID := catalog.IDOf([]byte("new"))
	meta := fmt.Sprintf(`{%q:"overwritten",%q:"brand new"}`, local, newID)
	path := writeZip(t,
		zipEntry{name: string(local), body: "local"},
		zipEntry{name: string(newID), body: "new"},
		zipEntry{name: catalog.MetadataFile, body: meta},
	)

	imp := NewImporter(s, ImportOptions{Verify: true})
	merged, err := imp.Import(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, 3, merged.Len())
	desc, _ := merged.Get(local)
	assert.Equal(t, "overwritten", desc)
	desc, _ = merged.Get(keep)
	assert.Equal(t, "untouched", desc)
	desc, _ = merged.Get(newID)
	assert.Equal(t, "brand new", desc)
	assert.True(t, s.Snapshot().Equal(merged))

	data, err := blob.ReadAll(ctx, s.Blobs(), newID)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.Equal(t, 1.0, imp.Progress().Get())
}

func TestImportMalformedArchiveCatalog(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := catalog.IDOf([]byte("blob"))
	path := writeZip(t,
		zipEntry{name: string(id), body: "blob"},
		zipEntry{name: catalog.MetadataFile, body: "{{{"},
	)
	merged, err := NewImporter(s, ImportOptions{}).Import(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, merged.Len())
	ok, err := s.Blobs().Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "blobs are still extracted")
}

func TestImportSkipsUnexpectedEntries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	path := writeZip(t,
		zipEntry{name: "../evil", body: "x"},
		zipEntry{name: "nested/" + strings.Repeat("a", 64), body: "x"},
		zipEntry{name: "readme.txt", body: "x"},
		zipEntry{name: catalog.MetadataFile, body: `{}`},
	)
	imp := NewImporter(s, ImportOptions{})
	collect := recorder(t, imp.Progress())
	_, err := imp.Import(ctx, path)
	require.NoError(t, err)
	progress := collect()

	infos, err := s.Blobs().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
	assert.Equal(t, 1.0, imp.Progress().Get())
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
}

func TestImportDigestMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	path := writeZip(t, zipEntry{name: string(catalog.IDOf([]byte("a"))), body: "b"})
	_, err := NewImporter(s, ImportOptions{Verify: true}).Import(ctx, path)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
	assert.Equal(t, 0, s.Snapshot().Len())
}

func TestImportNotAZip(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, err := NewImporter(s, ImportOptions{}).Import(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindParse, xerrors.KindOf(err))

	_, err = NewImporter(s, ImportOptions{}).Import(context.Background(), filepath.Join(t.TempDir(), "missing.zip"))
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	for i := 0; i < 5; i++ {
		_, err := src.Add(ctx, strings.NewReader(fmt.Sprintf("pig-%d", i)), fmt.Sprintf("pig number %d", i))
		require.NoError(t, err)
	}
	out := filepath.Join(t.TempDir(), DefaultArchiveName)
	_, err := NewExporter(src, ExportOptions{Path: out}).Export(ctx)
	require.NoError(t, err)

	dst := newStore(t)
	merged, err := NewImporter(dst, ImportOptions{Verify: true}).Import(ctx, out)
	require.NoError(t, err)
	assert.True(t, merged.Equal(src.Snapshot()))
}
