// Package pack writes and reads portable collection archives: a zip holding
// every blob under its content id plus the catalog document.
package pack

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/signal"
)

// DefaultArchiveName is the file name of the exported archive.
const DefaultArchiveName = "PiggyPackage.zip"

// DefaultArchivePath is where Export writes when no path is configured.
func DefaultArchivePath() string {
	return filepath.Join(os.TempDir(), DefaultArchiveName)
}

// Source is what the exporter reads from.
type Source interface {
	Load(ctx context.Context) (*catalog.Catalog, error)
	Blobs() blob.Store
}

// Sink is what the importer writes into.
type Sink interface {
	Source
	Merge(ctx context.Context, incoming *catalog.Catalog) (*catalog.Catalog, error)
}

func newProgress(p *signal.Value[float64]) *signal.Value[float64] {
	if p == nil {
		return signal.NewValue(0.0)
	}
	return p
}

func defaultLogger(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.New()
	}
	return l
}

// fraction returns done/total clamped to [0, 1].
func fraction(done, total int) float64 {
	if total <= 0 || done >= total {
		return 1
	}
	return float64(done) / float64(total)
}
