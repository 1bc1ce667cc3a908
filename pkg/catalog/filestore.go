package catalog

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Persister loads and saves a whole catalog.
//
// Load returns a KindNotFound error when nothing has been saved yet and a
// KindParse error when the stored document is malformed.
type Persister interface {
	Load(ctx context.Context) (*Catalog, error)
	Save(ctx context.Context, c *Catalog) error
}

// FileStore persists the catalog as a JSON document inside a billy
// filesystem, normally the blob directory itself.
type FileStore struct {
	mu   sync.Mutex
	fs   billy.Filesystem
	name string
}

// NewFileStore returns a FileStore writing name inside fsys. An empty name
// selects MetadataFile.
func NewFileStore(fsys billy.Filesystem, name string) *FileStore {
	if name == "" {
		name = MetadataFile
	}
	return &FileStore{fs: fsys, name: name}
}

// Path returns the document path relative to the filesystem root.
func (f *FileStore) Path() string { return f.name }

func (f *FileStore) Load(ctx context.Context) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := util.ReadFile(f.fs, f.name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "catalog load", f.name, err)
		}
		return nil, xerrors.Wrap(xerrors.KindIO, "catalog load", f.name, err)
	}
	c, err := DecodeBytes(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindParse, "catalog load", f.name, err)
	}
	return c, nil
}

// Save rewrites the whole document through a temp file and a rename, so a
// reader sees either the previous or the new catalog.
func (f *FileStore) Save(ctx context.Context, c *Catalog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeBytes(c)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "catalog save", f.name, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := f.fs.TempFile(".", ".metadata-")
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "catalog save", f.name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.KindIO, "catalog save", f.name, err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.KindIO, "catalog save", f.name, err)
	}
	if err := f.fs.Rename(tmp.Name(), f.name); err != nil {
		f.fs.Remove(tmp.Name())
		return xerrors.Wrap(xerrors.KindIO, "catalog save", f.name, err)
	}
	return nil
}
