package pack

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/signal"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// ImportOptions configure an Importer.
type ImportOptions struct {
	// Verify rejects blob entries whose digest does not match their name.
	Verify   bool
	Progress *signal.Value[float64]
	Logger   logrus.FieldLogger
}

// Importer extracts an archive into the collection.
type Importer struct {
	sink     Sink
	verify   bool
	progress *signal.Value[float64]
	log      logrus.FieldLogger
}

// NewImporter returns an Importer writing into sink.
func NewImporter(sink Sink, opts ImportOptions) *Importer {
	return &Importer{
		sink:     sink,
		verify:   opts.Verify,
		progress: newProgress(opts.Progress),
		log:      defaultLogger(opts.Logger).WithField("component", "import"),
	}
}

// Progress publishes the fraction of archive entries processed.
func (im *Importer) Progress() *signal.Value[float64] { return im.progress }

// Import extracts every entry of the archive at path, then merges the
// archive's catalog into the local one: new entries are added and imported
// descriptions replace local ones for the same id. A malformed catalog
// document in the archive counts as empty. Entries that are neither a blob
// nor the catalog document are skipped.
func (im *Importer) Import(ctx context.Context, path string) (*catalog.Catalog, error) {
	im.progress.Set(0)
	if _, err := im.sink.Load(ctx); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	zr, err := zip.OpenReader(path)
	if errors.Is(err, zip.ErrInsecurePath) {
		// entry names are validated below
		err = nil
	}
	if err != nil {
		kind := xerrors.KindIO
		if errors.Is(err, zip.ErrFormat) {
			kind = xerrors.KindParse
		} else if xerrors.KindOf(err) == xerrors.KindNotFound {
			kind = xerrors.KindNotFound
		}
		return nil, xerrors.Wrap(kind, "import", path, err)
	}
	defer zr.Close()

	incoming := catalog.Empty()
	var blobs, skipped int
	total := len(zr.File)
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.KindCanceled, "import", path, err)
		}
		switch id := catalog.ContentID(f.Name); {
		case f.Name == catalog.MetadataFile:
			incoming = im.readCatalog(f)
		case id.Valid() && !f.FileInfo().IsDir():
			if err := im.extract(ctx, f, id); err != nil {
				return nil, err
			}
			blobs++
		default:
			skipped++
			im.log.WithField("entry", f.Name).Warn("skipping unexpected archive entry")
		}
		im.progress.Set(fraction(i+1, total))
	}

	merged, err := im.sink.Merge(ctx, incoming)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	im.progress.Set(1)
	im.log.WithFields(logrus.Fields{
		"path":    path,
		"blobs":   blobs,
		"entries": incoming.Len(),
		"skipped": skipped,
		"catalog": merged.Len(),
	}).Info("archive imported")
	return merged, nil
}

func (im *Importer) extract(ctx context.Context, f *zip.File, id catalog.ContentID) error {
	rc, err := f.Open()
	if err != nil {
		return xerrors.Wrap(xerrors.KindParse, "import", f.Name, err)
	}
	defer rc.Close()
	if _, err := im.sink.Blobs().PutID(ctx, id, rc, im.verify); err != nil {
		return fmt.Errorf("import %s: %w", id.Short(12), err)
	}
	return nil
}

func (im *Importer) readCatalog(f *zip.File) *catalog.Catalog {
	rc, err := f.Open()
	if err != nil {
		im.log.WithError(err).Warn("archive catalog unreadable, treating as empty")
		return catalog.Empty()
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		im.log.WithError(err).Warn("archive catalog unreadable, treating as empty")
		return catalog.Empty()
	}
	c, err := catalog.DecodeBytes(data)
	if err != nil {
		im.log.WithError(err).Warn("archive catalog malformed, treating as empty")
		return catalog.Empty()
	}
	return c
}
