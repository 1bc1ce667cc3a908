package nfs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/remote"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Collection is what the export presents.
type Collection interface {
	Snapshot() *catalog.Catalog
	Blobs() blob.Store
}

// filesystem is a read-only billy view of a collection in the published
// layout: /metadata.json and /output/<id>.
type filesystem struct {
	ctx     context.Context
	col     Collection
	root    string
	blobDir string
	started time.Time
}

func newFilesystem(ctx context.Context, col Collection, export string) (billy.Filesystem, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fsys := &filesystem{
		ctx:     ctx,
		col:     col,
		root:    "/",
		blobDir: "/" + remote.DefaultBlobPrefix,
		started: time.Now(),
	}
	return fsys.chroot(export)
}

func (f *filesystem) chroot(p string) (billy.Filesystem, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := f.stat(full)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrInvalid
	}
	out := *f
	out.root = full
	return &out, nil
}

func (f *filesystem) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

func (f *filesystem) Create(filename string) (billy.File, error) {
	return nil, os.ErrPermission
}

func (f *filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

func (f *filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	data, err := f.read(full)
	if err != nil {
		return nil, err
	}
	return newFile(full, data), nil
}

func (f *filesystem) read(full string) ([]byte, error) {
	if full == f.catalogPath() {
		return catalog.EncodeBytes(f.col.Snapshot())
	}
	id, ok := f.blobID(full)
	if !ok {
		return nil, os.ErrNotExist
	}
	data, err := blob.ReadAll(f.ctx, f.col.Blobs(), id)
	if err != nil {
		return nil, translateErr(err)
	}
	return data, nil
}

func (f *filesystem) Stat(filename string) (os.FileInfo, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	return f.stat(full)
}

func (f *filesystem) stat(full string) (os.FileInfo, error) {
	switch {
	case full == "/":
		return dirInfo("/", f.started), nil
	case full == f.blobDir:
		return dirInfo(path.Base(f.blobDir), f.started), nil
	case full == f.catalogPath():
		data, err := catalog.EncodeBytes(f.col.Snapshot())
		if err != nil {
			return nil, err
		}
		return entryInfo{name: catalog.MetadataFile, size: int64(len(data)), mode: 0o444, modTime: f.started}, nil
	}
	id, ok := f.blobID(full)
	if !ok {
		return nil, os.ErrNotExist
	}
	rc, size, err := f.col.Blobs().Open(f.ctx, id)
	if err != nil {
		return nil, translateErr(err)
	}
	rc.Close()
	return entryInfo{name: string(id), size: size, mode: 0o444, modTime: f.started}, nil
}

func (f *filesystem) Lstat(filename string) (os.FileInfo, error) {
	return f.Stat(filename)
}

func (f *filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	var out []os.FileInfo
	switch full {
	case "/":
		meta, err := f.stat(f.catalogPath())
		if err != nil {
			return nil, err
		}
		out = append(out, meta, dirInfo(path.Base(f.blobDir), f.started))
	case f.blobDir:
		snap := f.col.Snapshot()
		infos, err := f.col.Blobs().List(f.ctx)
		if err != nil {
			return nil, translateErr(err)
		}
		for _, info := range infos {
			if !snap.Has(info.ID) {
				continue
			}
			out = append(out, entryInfo{name: string(info.ID), size: info.Size, mode: 0o444, modTime: info.ModTime})
		}
	default:
		if _, err := f.stat(full); err != nil {
			return nil, err
		}
		return nil, os.ErrInvalid
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out, nil
}

func (f *filesystem) Rename(oldpath, newpath string) error {
	return os.ErrPermission
}

func (f *filesystem) Remove(filename string) error {
	return os.ErrPermission
}

func (f *filesystem) MkdirAll(filename string, perm os.FileMode) error {
	return os.ErrPermission
}

func (f *filesystem) Symlink(target, link string) error {
	return os.ErrPermission
}

func (f *filesystem) Readlink(link string) (string, error) {
	return "", os.ErrInvalid
}

func (f *filesystem) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrPermission
}

func (f *filesystem) Chroot(p string) (billy.Filesystem, error) {
	return f.chroot(p)
}

func (f *filesystem) Root() string {
	return f.root
}

func (f *filesystem) Join(elem ...string) string {
	res := path.Join(elem...)
	if res == "" {
		return "/"
	}
	return res
}

func (f *filesystem) Chmod(string, os.FileMode) error {
	return os.ErrPermission
}

func (f *filesystem) Lchown(string, int, int) error {
	return os.ErrPermission
}

func (f *filesystem) Chown(string, int, int) error {
	return os.ErrPermission
}

func (f *filesystem) Chtimes(string, time.Time, time.Time) error {
	return os.ErrPermission
}

func (f *filesystem) catalogPath() string {
	return "/" + catalog.MetadataFile
}

func (f *filesystem) blobID(full string) (catalog.ContentID, bool) {
	dir, name := path.Split(full)
	if cleanPath(dir) != f.blobDir {
		return "", false
	}
	id := catalog.ContentID(name)
	if !id.Valid() || !f.col.Snapshot().Has(id) {
		return "", false
	}
	return id, true
}

func (f *filesystem) resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	clean := cleanPath(p)
	var combined string
	if f.root == "/" {
		combined = clean
	} else {
		combined = path.Join(f.root, strings.TrimPrefix(clean, "/"))
		if !strings.HasPrefix(combined, f.root) {
			return "", os.ErrPermission
		}
	}
	if combined == "" {
		combined = "/"
	}
	return combined, nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	res := path.Clean("/" + strings.TrimSpace(p))
	if res == "" {
		return "/"
	}
	return res
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if xerrors.Is(err, xerrors.KindNotFound) {
		return os.ErrNotExist
	}
	return err
}

type entryInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (e entryInfo) Name() string       { return e.name }
func (e entryInfo) Size() int64        { return e.size }
func (e entryInfo) Mode() os.FileMode  { return e.mode }
func (e entryInfo) ModTime() time.Time { return e.modTime }
func (e entryInfo) IsDir() bool        { return e.isDir }
func (e entryInfo) Sys() interface{}   { return nil }

func dirInfo(name string, mtime time.Time) entryInfo {
	return entryInfo{name: name, mode: os.ModeDir | 0o555, modTime: mtime, isDir: true}
}

// file is an open read-only handle over an in-memory copy of the content.
type file struct {
	mu     sync.Mutex
	name   string
	r      *bytes.Reader
	closed bool
}

func newFile(name string, data []byte) *file {
	return &file{name: name, r: bytes.NewReader(data)}
}

func (f *file) Name() string { return f.name }

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	return f.r.Read(p)
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	return f.r.ReadAt(p, off)
}

func (f *file) Write(p []byte) (int, error) {
	return 0, os.ErrPermission
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if whence != io.SeekStart && whence != io.SeekCurrent && whence != io.SeekEnd {
		return 0, os.ErrInvalid
	}
	return f.r.Seek(offset, whence)
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

func (f *file) Truncate(size int64) error {
	return os.ErrPermission
}
