package gallery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/gc"
	"github.com/pigseek/pigseek/pkg/jobs"
	"github.com/pigseek/pigseek/pkg/metrics"
	"github.com/pigseek/pigseek/pkg/platform"
	"github.com/pigseek/pigseek/pkg/signal"
	"github.com/pigseek/pigseek/pkg/syncer"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// run executes fn in the job slot and waits for it.
func (g *Gallery) run(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	jobCtx, info, finish, err := g.jobs.Acquire(ctx, kind)
	if err != nil {
		metrics.ObserveOperation(kind, time.Now(), err)
		return err
	}
	err = fn(jobCtx)
	finish(err)
	metrics.ObserveOperation(kind, info.Started, err)
	return err
}

// start claims the job slot and runs fn in the background. onDone, when
// set, receives the result after the slot is released.
func (g *Gallery) start(kind string, fn func(ctx context.Context) error, onDone func(error)) (jobs.Info, error) {
	jobCtx, info, finish, err := g.jobs.Acquire(g.ctx, kind)
	if err != nil {
		metrics.ObserveOperation(kind, time.Now(), err)
		return jobs.Info{}, err
	}
	log := g.log.WithFields(logrus.Fields{"job": info.ID, "kind": kind})
	log.Info("job started")
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := fn(jobCtx)
		finish(err)
		metrics.ObserveOperation(kind, info.Started, err)
		if err != nil {
			log.WithError(err).Warn("job failed")
		} else {
			log.Info("job finished")
		}
		if onDone != nil {
			onDone(err)
		}
	}()
	return info, nil
}

// Job looks up a running or recently finished job.
func (g *Gallery) Job(id string) (jobs.Info, bool) { return g.jobs.Lookup(id) }

// CurrentJob returns the job holding the slot.
func (g *Gallery) CurrentJob() (jobs.Info, bool) { return g.jobs.Current() }

// Cancel stops the running job with the given id.
func (g *Gallery) Cancel(id string) bool { return g.jobs.Cancel(id) }

func (g *Gallery) reconciler() (*syncer.Reconciler, error) {
	if g.syncer == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "sync", "no sync source configured")
	}
	return g.syncer, nil
}

// SyncState publishes the sync state machine. Without a source it stays
// Idle.
func (g *Gallery) SyncState() *signal.Value[syncer.State] {
	if g.syncer == nil {
		return signal.NewValue(syncer.Idle())
	}
	return g.syncer.State()
}

// ResetSync returns a finished sync to Idle.
func (g *Gallery) ResetSync() {
	if g.syncer != nil {
		g.syncer.Reset()
	}
}

// Sync pulls the remote collection and waits for the result.
func (g *Gallery) Sync(ctx context.Context) error {
	r, err := g.reconciler()
	if err != nil {
		return err
	}
	return g.run(ctx, JobSync, r.Sync)
}

// StartSync pulls the remote collection in the background.
func (g *Gallery) StartSync() (jobs.Info, error) {
	r, err := g.reconciler()
	if err != nil {
		return jobs.Info{}, err
	}
	return g.start(JobSync, r.Sync, nil)
}

// ExportProgress publishes export progress.
func (g *Gallery) ExportProgress() *signal.Value[float64] { return g.exporter.Progress() }

// ArchivePath is where Export writes.
func (g *Gallery) ArchivePath() string { return g.exporter.Path() }

// Export writes the collection archive and returns its path.
func (g *Gallery) Export(ctx context.Context) (string, error) {
	var path string
	err := g.run(ctx, JobExport, func(ctx context.Context) error {
		var err error
		path, err = g.exporter.Export(ctx)
		return err
	})
	return path, err
}

// StartExport writes the collection archive in the background.
func (g *Gallery) StartExport() (jobs.Info, error) {
	return g.start(JobExport, func(ctx context.Context) error {
		_, err := g.exporter.Export(ctx)
		return err
	}, nil)
}

// ImportProgress publishes import progress.
func (g *Gallery) ImportProgress() *signal.Value[float64] { return g.importer.Progress() }

// Import merges the archive at loc into the collection.
func (g *Gallery) Import(ctx context.Context, loc platform.Locator) (*catalog.Catalog, error) {
	path, err := platform.ResolveLocator(loc)
	if err != nil {
		return nil, err
	}
	var merged *catalog.Catalog
	err = g.run(ctx, JobImport, func(ctx context.Context) error {
		var err error
		merged, err = g.importer.Import(ctx, path)
		return err
	})
	return merged, err
}

// StartImport merges the archive at loc in the background. onDone may be
// nil.
func (g *Gallery) StartImport(loc platform.Locator, onDone func(error)) (jobs.Info, error) {
	path, err := platform.ResolveLocator(loc)
	if err != nil {
		return jobs.Info{}, err
	}
	return g.start(JobImport, func(ctx context.Context) error {
		_, err := g.importer.Import(ctx, path)
		return err
	}, onDone)
}

// Sweep removes blobs no entry references.
func (g *Gallery) Sweep(ctx context.Context, dryRun bool) (gc.Result, error) {
	var res gc.Result
	err := g.run(ctx, JobGC, func(ctx context.Context) error {
		var err error
		sw := g.sweeper
		if dryRun {
			sw = g.dryRunSweeper()
		}
		res, err = sw.Sweep(ctx)
		return err
	})
	return res, err
}

func (g *Gallery) dryRunSweeper() *gc.Sweeper {
	return gc.NewSweeper(gc.Options{Owner: g.store, MinAge: g.gcMinAge, DryRun: true, Logger: g.log})
}
