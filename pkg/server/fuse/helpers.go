// Package fuse mounts a collection read-only: one regular file per catalog
// entry, named after its description.
package fuse

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/platform"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Collection is what the mount presents.
type Collection interface {
	Snapshot() *catalog.Catalog
	Blobs() blob.Store
}

// Options control the mount.
type Options struct {
	// CacheEntries and CacheBytes size the blob read cache.
	CacheEntries int
	CacheBytes   int64
	// AllowOther lets users other than the mounting one read the files.
	AllowOther bool
}

// fileEntry is one file in the mounted directory.
type fileEntry struct {
	Name string
	ID   catalog.ContentID
	Size int64
}

// view maps the current catalog to file names. Extensions are sniffed
// once per blob and remembered.
type view struct {
	col   Collection
	blobs blob.Store

	mu   sync.Mutex
	exts map[catalog.ContentID]string
}

func newView(col Collection, opts Options) *view {
	return &view{
		col: col,
		blobs: blob.NewCachedStore(col.Blobs(), blob.CacheOptions{
			Entries:  opts.CacheEntries,
			MaxBytes: opts.CacheBytes,
		}),
		exts: make(map[catalog.ContentID]string),
	}
}

func (v *view) close() error {
	if c, ok := v.blobs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// entries lists catalogued blobs that are present, sorted by name.
func (v *view) entries(ctx context.Context) ([]fileEntry, error) {
	snap := v.col.Snapshot()
	infos, err := v.col.Blobs().List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]fileEntry, 0, len(infos))
	for _, info := range infos {
		desc, ok := snap.Get(info.ID)
		if !ok {
			continue
		}
		ext, err := v.extension(ctx, info.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, fileEntry{
			Name: platform.ShareName(desc, string(info.ID), ext),
			ID:   info.ID,
			Size: info.Size,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (v *view) lookup(ctx context.Context, name string) (fileEntry, error) {
	entries, err := v.entries(ctx)
	if err != nil {
		return fileEntry{}, err
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= name })
	if i < len(entries) && entries[i].Name == name {
		return entries[i], nil
	}
	return fileEntry{}, xerrors.E(xerrors.KindNotFound, "lookup", name)
}

func (v *view) extension(ctx context.Context, id catalog.ContentID) (string, error) {
	v.mu.Lock()
	ext, ok := v.exts[id]
	v.mu.Unlock()
	if ok {
		return ext, nil
	}
	rc, _, err := v.blobs.Open(ctx, id)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", xerrors.Wrap(xerrors.KindIO, "sniff", string(id), err)
	}
	ext = platform.ExtensionFor(head[:n])
	v.mu.Lock()
	v.exts[id] = ext
	v.mu.Unlock()
	return ext, nil
}

// readAt copies the blob bytes at off into dest.
func (v *view) readAt(ctx context.Context, id catalog.ContentID, dest []byte, off int64) (int, error) {
	data, err := blob.ReadAll(ctx, v.blobs, id)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(data)) {
		return 0, nil
	}
	return copy(dest, data[off:]), nil
}

// errnoForError converts repo errors to syscall errno codes.
func errnoForError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case xerrors.Is(err, xerrors.KindNotFound):
		return syscall.ENOENT
	case xerrors.Is(err, xerrors.KindInvalid):
		return syscall.EINVAL
	case os.IsNotExist(err):
		return syscall.ENOENT
	case os.IsPermission(err):
		return syscall.EPERM
	default:
		return syscall.EIO
	}
}
