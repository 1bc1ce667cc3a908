//go:build linux

package fuse

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const (
	attrTimeout    = 2 * time.Second
	entryTimeout   = 2 * time.Second
	defaultBlkSz   = 4096
	defaultDirMod  = 0o555
	defaultFileMod = 0o444
)

// Mount exposes col at mountpoint until ctx is canceled.
func Mount(ctx context.Context, col Collection, mountpoint string, opts Options) error {
	if col == nil {
		return fmt.Errorf("fuse: nil collection")
	}
	v := newView(col, opts)
	defer v.close()
	root := &dirNode{view: v, mounted: time.Now()}
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "pigseek",
			Name:       "pigseek",
			AllowOther: opts.AllowOther,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = server.Unmount()
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// dirNode is the single directory of the mount.
type dirNode struct {
	gofuse.Inode
	view    *view
	mounted time.Time
}

var (
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry, err := d.view.lookup(ctx, name)
	if err != nil {
		return nil, errnoForError(err)
	}
	child := &fileNode{view: d.view, entry: entry, mounted: d.mounted}
	fillEntry(out, child.attr())
	return d.NewInode(ctx, child, stableAttr(string(entry.ID), fuse.S_IFREG)), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := d.view.entries(ctx)
	if err != nil {
		return nil, errnoForError(err)
	}
	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		dirEntries = append(dirEntries, fuse.DirEntry{
			Name: entry.Name,
			Mode: fuse.S_IFREG,
			Ino:  inodeFor(string(entry.ID)),
		})
	}
	return gofuse.NewListDirStream(dirEntries), 0
}

func (d *dirNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr := makeAttr(0, "/", fuse.S_IFDIR|defaultDirMod, d.mounted)
	fillAttrOut(out, attr)
	return 0
}

// fileNode serves one blob.
type fileNode struct {
	gofuse.Inode
	view    *view
	entry   fileEntry
	mounted time.Time
}

var (
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeReader    = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
)

func (f *fileNode) attr() fuse.Attr {
	return makeAttr(f.entry.Size, string(f.entry.ID), fuse.S_IFREG|defaultFileMod, f.mounted)
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&uint32(os.O_WRONLY|os.O_RDWR|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if len(dest) == 0 {
		return fuse.ReadResultData(nil), 0
	}
	n, err := f.view.readAt(ctx, f.entry.ID, dest, off)
	if err != nil {
		return nil, errnoForError(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttrOut(out, f.attr())
	return 0
}

func makeAttr(size int64, key string, mode uint32, mtime time.Time) fuse.Attr {
	if size < 0 {
		size = 0
	}
	attr := fuse.Attr{
		Ino:     inodeFor(key),
		Mode:    mode,
		Size:    uint64(size),
		Blocks:  (uint64(size) + 511) / 512,
		Blksize: defaultBlkSz,
		Nlink:   1,
		Owner: fuse.Owner{
			Uid: uint32(os.Getuid()),
			Gid: uint32(os.Getgid()),
		},
	}
	attr.Mtime = uint64(mtime.Unix())
	attr.Mtimensec = uint32(mtime.Nanosecond())
	attr.Ctime, attr.Ctimensec = attr.Mtime, attr.Mtimensec
	attr.Atime, attr.Atimensec = attr.Mtime, attr.Mtimensec
	return attr
}

func fillEntry(out *fuse.EntryOut, attr fuse.Attr) {
	out.NodeId = attr.Ino
	out.Attr = attr
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(attrTimeout)
}

func fillAttrOut(out *fuse.AttrOut, attr fuse.Attr) {
	out.Attr = attr
	out.SetTimeout(attrTimeout)
}

func stableAttr(key string, typ uint32) gofuse.StableAttr {
	return gofuse.StableAttr{
		Mode: typ,
		Ino:  inodeFor(key),
	}
}

func inodeFor(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	ino := h.Sum64()
	if ino == 0 {
		return 1
	}
	return ino
}
