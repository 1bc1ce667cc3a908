package pack

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/signal"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// ExportOptions configure an Exporter.
type ExportOptions struct {
	// Path is the archive location; empty selects DefaultArchivePath.
	Path     string
	Progress *signal.Value[float64]
	Logger   logrus.FieldLogger
}

// Exporter writes the whole collection to a single archive path, replacing
// any archive a previous run left there.
type Exporter struct {
	src      Source
	path     string
	progress *signal.Value[float64]
	log      logrus.FieldLogger
}

// NewExporter returns an Exporter reading from src.
func NewExporter(src Source, opts ExportOptions) *Exporter {
	if opts.Path == "" {
		opts.Path = DefaultArchivePath()
	}
	return &Exporter{
		src:      src,
		path:     opts.Path,
		progress: newProgress(opts.Progress),
		log:      defaultLogger(opts.Logger).WithField("component", "export"),
	}
}

// Path returns the archive location.
func (e *Exporter) Path() string { return e.path }

// Progress publishes the fraction of files written.
func (e *Exporter) Progress() *signal.Value[float64] { return e.progress }

// Export writes every blob and then the catalog document. Progress advances
// by 1/(blobs+1) per file. On failure the previous archive, if any, is left
// untouched.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	e.progress.Set(0)
	cat, err := e.src.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	blobs, err := e.src.Blobs().List(ctx)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	total := len(blobs) + 1

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.KindIO, "export", e.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".pigpack-*.zip")
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindIO, "export", e.path, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}

	zw := zip.NewWriter(tmp)
	for i, info := range blobs {
		if err := ctx.Err(); err != nil {
			return fail(xerrors.Wrap(xerrors.KindCanceled, "export", e.path, err))
		}
		if err := e.writeBlob(ctx, zw, info); err != nil {
			return fail(err)
		}
		e.progress.Set(fraction(i+1, total))
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: catalog.MetadataFile, Method: zip.Deflate})
	if err != nil {
		return fail(xerrors.Wrap(xerrors.KindIO, "export", catalog.MetadataFile, err))
	}
	if err := catalog.Encode(w, cat); err != nil {
		return fail(xerrors.Wrap(xerrors.KindIO, "export", catalog.MetadataFile, err))
	}
	if err := zw.Close(); err != nil {
		return fail(xerrors.Wrap(xerrors.KindIO, "export", e.path, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindIO, "export", e.path, err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindIO, "export", e.path, err)
	}
	e.progress.Set(1)
	e.log.WithFields(logrus.Fields{"path": e.path, "blobs": len(blobs), "entries": cat.Len()}).Info("archive written")
	return e.path, nil
}

func (e *Exporter) writeBlob(ctx context.Context, zw *zip.Writer, info blob.Info) error {
	rc, _, err := e.src.Blobs().Open(ctx, info.ID)
	if err != nil {
		return fmt.Errorf("export %s: %w", info.ID, err)
	}
	defer rc.Close()
	hdr := &zip.FileHeader{
		Name:     string(info.ID),
		Method:   zip.Deflate,
		Modified: info.ModTime,
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "export", string(info.ID), err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		return xerrors.Wrap(xerrors.KindIO, "export", string(info.ID), err)
	}
	return nil
}
