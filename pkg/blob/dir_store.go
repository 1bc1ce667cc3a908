package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// DirStore keeps blobs as flat files named by their content id inside a
// billy filesystem.
type DirStore struct {
	fs billy.Filesystem
}

// NewDirStore returns a Store over fsys.
func NewDirStore(fsys billy.Filesystem) *DirStore {
	return &DirStore{fs: fsys}
}

// OpenDir returns a DirStore rooted at the local directory root, creating it
// when needed.
func OpenDir(root string) (*DirStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "DirStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "DirStore.mkdir", root, err)
	}
	return NewDirStore(osfs.New(root)), nil
}

// Filesystem exposes the underlying directory, shared with the catalog
// document and the NFS export.
func (d *DirStore) Filesystem() billy.Filesystem { return d.fs }

func (d *DirStore) Put(ctx context.Context, r io.Reader) (catalog.ContentID, int64, error) {
	tmp, id, n, err := d.spool(ctx, r)
	if err != nil {
		return "", 0, err
	}
	if _, err := d.fs.Stat(string(id)); err == nil {
		d.fs.Remove(tmp)
		return id, n, nil
	}
	if err := d.fs.Rename(tmp, string(id)); err != nil {
		d.fs.Remove(tmp)
		return "", 0, xerrors.Wrap(xerrors.KindIO, "blob put", string(id), err)
	}
	return id, n, nil
}

func (d *DirStore) PutID(ctx context.Context, id catalog.ContentID, r io.Reader, verify bool) (int64, error) {
	if !id.Valid() {
		return 0, xerrors.E(xerrors.KindInvalid, "blob put", string(id))
	}
	tmp, sum, n, err := d.spool(ctx, r)
	if err != nil {
		return 0, err
	}
	if verify && sum != id {
		d.fs.Remove(tmp)
		return 0, xerrors.Wrap(xerrors.KindInvalid, "blob put", string(id), fmt.Errorf("digest mismatch: got %s", sum))
	}
	if err := d.fs.Rename(tmp, string(id)); err != nil {
		d.fs.Remove(tmp)
		return 0, xerrors.Wrap(xerrors.KindIO, "blob put", string(id), err)
	}
	return n, nil
}

// spool copies r into a temp file and returns its name and digest.
func (d *DirStore) spool(ctx context.Context, r io.Reader) (string, catalog.ContentID, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", "", 0, err
	}
	file, err := d.fs.TempFile(".", ".upload-")
	if err != nil {
		return "", "", 0, xerrors.Wrap(xerrors.KindIO, "blob spool", "", err)
	}
	tmpName := file.Name()
	hasher := Hasher()
	n, err := io.Copy(io.MultiWriter(file, hasher), r)
	if err != nil {
		file.Close()
		d.fs.Remove(tmpName)
		return "", "", 0, xerrors.Wrap(xerrors.KindIO, "blob spool", "", err)
	}
	if err := file.Close(); err != nil {
		d.fs.Remove(tmpName)
		return "", "", 0, xerrors.Wrap(xerrors.KindIO, "blob spool", "", err)
	}
	return tmpName, catalog.ContentID(hex.EncodeToString(hasher.Sum(nil))), n, nil
}

func (d *DirStore) Open(ctx context.Context, id catalog.ContentID) (io.ReadCloser, int64, error) {
	if !id.Valid() {
		return nil, 0, xerrors.E(xerrors.KindNotFound, "blob open", string(id))
	}
	info, err := d.fs.Stat(string(id))
	if err != nil {
		return nil, 0, xerrors.Wrap(kindForFSError(err), "blob open", string(id), err)
	}
	f, err := d.fs.Open(string(id))
	if err != nil {
		return nil, 0, xerrors.Wrap(kindForFSError(err), "blob open", string(id), err)
	}
	return f, info.Size(), nil
}

// Delete removes a blob. Every failure, including a missing file, is
// reported as KindNotFound.
func (d *DirStore) Delete(ctx context.Context, id catalog.ContentID) error {
	if !id.Valid() {
		return xerrors.E(xerrors.KindNotFound, "blob delete", string(id))
	}
	if _, err := d.fs.Stat(string(id)); err != nil {
		return xerrors.Wrap(xerrors.KindNotFound, "blob delete", string(id), err)
	}
	if err := d.fs.Remove(string(id)); err != nil {
		return xerrors.Wrap(xerrors.KindNotFound, "blob delete", string(id), err)
	}
	return nil
}

func (d *DirStore) Exists(ctx context.Context, id catalog.ContentID) (bool, error) {
	if !id.Valid() {
		return false, nil
	}
	_, err := d.fs.Stat(string(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, xerrors.Wrap(xerrors.KindIO, "blob exists", string(id), err)
}

// List returns every blob in name order. Files whose name is not a content
// id (the catalog document, temp files) are skipped.
func (d *DirStore) List(ctx context.Context) ([]Info, error) {
	infos, err := d.fs.ReadDir(".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "blob list", "", err)
	}
	out := make([]Info, 0, len(infos))
	for _, fi := range infos {
		id := catalog.ContentID(fi.Name())
		if fi.IsDir() || !id.Valid() {
			continue
		}
		out = append(out, Info{ID: id, Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func kindForFSError(err error) xerrors.Kind {
	if errors.Is(err, os.ErrNotExist) {
		return xerrors.KindNotFound
	}
	return xerrors.KindIO
}
