// Package gallery is the application facade: it owns the content store,
// the sync reconciler and the archive tools, runs bulk operations one at a
// time and publishes their progress.
package gallery

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/gc"
	"github.com/pigseek/pigseek/pkg/jobs"
	"github.com/pigseek/pigseek/pkg/metrics"
	"github.com/pigseek/pigseek/pkg/pack"
	"github.com/pigseek/pigseek/pkg/platform"
	"github.com/pigseek/pigseek/pkg/remote"
	"github.com/pigseek/pigseek/pkg/search"
	"github.com/pigseek/pigseek/pkg/signal"
	"github.com/pigseek/pigseek/pkg/store"
	"github.com/pigseek/pigseek/pkg/syncer"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Job kinds sharing the bulk operation slot.
const (
	JobSync   = "sync"
	JobExport = "export"
	JobImport = "import"
	JobGC     = "gc"
)

// Config wires a Gallery.
type Config struct {
	Store *store.Store
	// Source is where Sync pulls from; nil disables sync.
	Source remote.Source
	// BlobDir is the local directory holding blobs, used to hand files to
	// a platform Sharer.
	BlobDir     string
	ArchivePath string
	Verify      bool
	// Ranker orders search results; nil selects search.DefaultRanker.
	Ranker *search.Ranker

	SuccessLinger   time.Duration
	CompletedLinger time.Duration
	GCMinAge        time.Duration
	JobHistory      int

	Logger logrus.FieldLogger
}

// Gallery is safe for concurrent use.
type Gallery struct {
	store    *store.Store
	syncer   *syncer.Reconciler
	exporter *pack.Exporter
	importer *pack.Importer
	sweeper  *gc.Sweeper
	gcMinAge time.Duration
	ranker   search.Ranker
	blobDir  string
	jobs     *jobs.Guard
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *signal.Subscription[*catalog.Catalog]
}

// New builds a Gallery. Close releases its background goroutines; the
// store stays open and belongs to the caller.
func New(cfg Config) (*Gallery, error) {
	if cfg.Store == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "gallery", "store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	ranker := search.DefaultRanker()
	if cfg.Ranker != nil {
		ranker = *cfg.Ranker
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gallery{
		store:    cfg.Store,
		ranker:   ranker,
		blobDir:  cfg.BlobDir,
		gcMinAge: cfg.GCMinAge,
		jobs:     jobs.NewGuard(cfg.JobHistory),
		log:      cfg.Logger.WithField("component", "gallery"),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.exporter = pack.NewExporter(cfg.Store, pack.ExportOptions{Path: cfg.ArchivePath, Logger: cfg.Logger})
	g.importer = pack.NewImporter(cfg.Store, pack.ImportOptions{Verify: cfg.Verify, Logger: cfg.Logger})
	g.sweeper = gc.NewSweeper(gc.Options{Owner: cfg.Store, MinAge: cfg.GCMinAge, Logger: cfg.Logger})
	if cfg.Source != nil {
		r, err := syncer.New(syncer.Config{
			Source:          cfg.Source,
			Target:          cfg.Store,
			Verify:          cfg.Verify,
			SuccessLinger:   cfg.SuccessLinger,
			CompletedLinger: cfg.CompletedLinger,
			OnTransition:    observeSync,
			Logger:          cfg.Logger,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		g.syncer = r
	}
	g.sub = cfg.Store.Catalog().Subscribe()
	g.wg.Add(1)
	go g.watchCatalog()
	return g, nil
}

var syncPhases = []string{
	syncer.PhaseIdle.String(),
	syncer.PhaseFetchingMetadata.String(),
	syncer.PhaseDownloading.String(),
	syncer.PhaseSuccess.String(),
	syncer.PhaseError.String(),
	syncer.PhaseCompleted.String(),
}

func observeSync(s syncer.State) {
	metrics.SetSyncPhase(s.Phase.String(), syncPhases)
	if s.Phase == syncer.PhaseDownloading && s.Progress > 0 {
		metrics.SyncDownloaded()
	}
}

func (g *Gallery) watchCatalog() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case c, ok := <-g.sub.C():
			if !ok {
				return
			}
			metrics.SetCatalogEntries(c.Len())
		}
	}
}

// Close cancels running jobs and waits for them to stop.
func (g *Gallery) Close() error {
	g.cancel()
	g.wg.Wait()
	g.sub.Close()
	return nil
}

// Store returns the content store.
func (g *Gallery) Store() *store.Store { return g.store }

// Images publishes the catalog after every change.
func (g *Gallery) Images() *signal.Value[*catalog.Catalog] { return g.store.Catalog() }

// Load reads the catalog from disk once.
func (g *Gallery) Load(ctx context.Context) (*catalog.Catalog, error) {
	return g.store.Load(ctx)
}

// Search ranks the current catalog against query.
func (g *Gallery) Search(query string) []catalog.Entry {
	out := g.ranker.Rank(g.store.Snapshot().Entries(), query)
	metrics.ObserveSearch(len(out))
	return out
}

// Explain is Search with match details.
func (g *Gallery) Explain(query string) []search.Hit {
	out := g.ranker.Explain(g.store.Snapshot().Entries(), query)
	metrics.ObserveSearch(len(out))
	return out
}

// Add stores the image read from r.
func (g *Gallery) Add(ctx context.Context, r io.Reader, description string) (catalog.ContentID, error) {
	started := time.Now()
	cr := &countingReader{r: r}
	id, err := g.store.Add(ctx, cr, description)
	metrics.ObserveOperation("add", started, err)
	if err == nil {
		metrics.AddBlobBytes("in", cr.n)
	}
	return id, err
}

// AddLocator stores the image a platform picker returned.
func (g *Gallery) AddLocator(ctx context.Context, loc platform.Locator, description string) (catalog.ContentID, error) {
	f, err := platform.OpenLocator(loc)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return g.Add(ctx, f, description)
}

// AddResult is delivered by StartAdd.
type AddResult struct {
	ID  catalog.ContentID
	Err error
}

// StartAdd adds an image in the background. Adds are not bulk operations
// and never wait for the job slot.
func (g *Gallery) StartAdd(loc platform.Locator, description string) <-chan AddResult {
	out := make(chan AddResult, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		id, err := g.AddLocator(g.ctx, loc, description)
		if err != nil {
			g.log.WithError(err).WithField("locator", string(loc)).Warn("add failed")
		}
		out <- AddResult{ID: id, Err: err}
	}()
	return out
}

// Open streams a stored image.
func (g *Gallery) Open(ctx context.Context, id catalog.ContentID) (io.ReadCloser, int64, error) {
	rc, n, err := g.store.Blobs().Open(ctx, id)
	if err == nil {
		metrics.AddBlobBytes("out", n)
	}
	return rc, n, err
}

// Remove deletes an image and its entry.
func (g *Gallery) Remove(ctx context.Context, id catalog.ContentID) (catalog.ContentID, error) {
	started := time.Now()
	out, err := g.store.Remove(ctx, id)
	metrics.ObserveOperation("remove", started, err)
	return out, err
}

// RemoveLocator deletes the image a locator names.
func (g *Gallery) RemoveLocator(ctx context.Context, loc platform.Locator) (catalog.ContentID, error) {
	return g.Remove(ctx, store.IDFromLocator(string(loc)))
}

// Describe edits a description.
func (g *Gallery) Describe(ctx context.Context, id catalog.ContentID, description string) error {
	started := time.Now()
	err := g.store.Describe(ctx, id, description)
	metrics.ObserveOperation("describe", started, err)
	return err
}

// Share hands a stored image to sharer under its description.
func (g *Gallery) Share(ctx context.Context, id catalog.ContentID, sharer platform.Sharer) (platform.ShareOutcome, error) {
	if g.blobDir == "" {
		return platform.ShareCanceled, xerrors.E(xerrors.KindInvalid, "share", "blob directory unknown")
	}
	desc, ok := g.store.Snapshot().Get(id)
	if !ok {
		return platform.ShareCanceled, xerrors.E(xerrors.KindNotFound, "share", string(id))
	}
	return sharer.Share(ctx, platform.Locator(filepath.Join(g.blobDir, string(id))), desc)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
