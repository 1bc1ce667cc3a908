// Package syncer pulls a remote collection into the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/remote"
	"github.com/pigseek/pigseek/pkg/signal"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

const (
	DefaultSuccessLinger   = time.Second
	DefaultCompletedLinger = 100 * time.Millisecond

	msgUpToDate = "already up to date"
	msgCanceled = "sync canceled"
)

// Target is the local side of a sync.
type Target interface {
	Load(ctx context.Context) (*catalog.Catalog, error)
	Blobs() blob.Store
	Replace(ctx context.Context, next *catalog.Catalog) error
}

// Config wires a Reconciler.
type Config struct {
	Source remote.Source
	Target Target
	// Verify checks every downloaded blob against its id.
	Verify bool
	// Zero lingers select the defaults; negative ones skip the pause.
	SuccessLinger   time.Duration
	CompletedLinger time.Duration
	// OnTransition observes every state change synchronously.
	OnTransition func(State)
	Logger       logrus.FieldLogger
}

// Reconciler runs sync passes and publishes their state.
type Reconciler struct {
	src             remote.Source
	dst             Target
	verify          bool
	successLinger   time.Duration
	completedLinger time.Duration
	onTransition    func(State)
	log             logrus.FieldLogger

	mu      sync.Mutex
	state   *signal.Value[State]
	running atomic.Bool
}

// New returns an idle Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Source == nil || cfg.Target == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "syncer", "source and target required")
	}
	if cfg.SuccessLinger == 0 {
		cfg.SuccessLinger = DefaultSuccessLinger
	}
	if cfg.CompletedLinger == 0 {
		cfg.CompletedLinger = DefaultCompletedLinger
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Reconciler{
		src:             cfg.Source,
		dst:             cfg.Target,
		verify:          cfg.Verify,
		successLinger:   cfg.SuccessLinger,
		completedLinger: cfg.CompletedLinger,
		onTransition:    cfg.OnTransition,
		log:             cfg.Logger.WithField("component", "sync"),
		state:           signal.NewValue(Idle()),
	}, nil
}

// State publishes the current sync state.
func (r *Reconciler) State() *signal.Value[State] { return r.state }

// Reset returns a finished or failed sync to Idle.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Get().Terminal() {
		r.setLocked(Idle())
	}
}

func (r *Reconciler) set(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(s)
}

func (r *Reconciler) setLocked(s State) {
	r.state.Set(s)
	if r.onTransition != nil {
		r.onTransition(s)
	}
	r.log.WithField("state", s.String()).Debug("sync transition")
}

// settle moves from a lingering phase to Idle unless Reset got there first.
func (r *Reconciler) settle(from Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Get().Phase == from {
		r.setLocked(Idle())
	}
}

// Sync downloads every blob the remote catalog lists but the local one
// lacks, then replaces the local catalog with the remote one. Failures are
// reported both as the returned error and as an Error state that remains
// until Reset. A second Sync while one is running fails with KindBusy.
func (r *Reconciler) Sync(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return xerrors.E(xerrors.KindBusy, "sync", "already running")
	}
	defer r.running.Store(false)

	r.set(FetchingMetadata())
	remoteCat, err := r.src.FetchCatalog(ctx)
	if err != nil {
		return r.fail(ctx, "fetch metadata", err)
	}
	local, err := r.dst.Load(ctx)
	if err != nil {
		return r.fail(ctx, "load catalog", err)
	}
	missing := remoteCat.Missing(local)
	log := r.log.WithFields(logrus.Fields{"remote": remoteCat.Len(), "missing": len(missing)})

	if len(missing) == 0 {
		log.Info("catalog already up to date")
		r.set(Success(msgUpToDate))
		r.linger(ctx, PhaseSuccess, r.successLinger)
		return nil
	}

	r.set(Downloading(0))
	for i, id := range missing {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, "download", err)
		}
		if err := r.download(ctx, id); err != nil {
			return r.fail(ctx, "download "+id.Short(12), err)
		}
		r.set(Downloading(float64(i+1) / float64(len(missing))))
	}
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, "download", err)
	}
	if err := r.dst.Replace(ctx, remoteCat); err != nil {
		return r.fail(ctx, "save catalog", err)
	}
	log.Info("sync completed")
	r.set(Completed())
	r.linger(ctx, PhaseCompleted, r.completedLinger)
	return nil
}

func (r *Reconciler) download(ctx context.Context, id catalog.ContentID) error {
	blobs := r.dst.Blobs()
	if ok, err := blobs.Exists(ctx, id); err == nil && ok {
		return nil
	}
	rc, err := r.src.FetchBlob(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()
	n, err := blobs.PutID(ctx, id, rc, r.verify)
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"id": id.Short(12), "bytes": n}).Debug("blob downloaded")
	return nil
}

// fail publishes an Error state and returns the wrapped cause.
func (r *Reconciler) fail(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		r.set(Error(msgCanceled))
		r.log.Info("sync canceled")
		return xerrors.Wrap(xerrors.KindCanceled, "sync", step, errOr(ctx.Err(), err))
	}
	msg := fmt.Sprintf("%s: %v", step, err)
	r.set(Error(msg))
	r.log.WithError(err).WithField("step", step).Warn("sync failed")
	return fmt.Errorf("sync: %s: %w", step, err)
}

// linger holds a finished state for d before returning to Idle. A canceled
// context ends the pause early.
func (r *Reconciler) linger(ctx context.Context, from Phase, d time.Duration) {
	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	r.settle(from)
}

func errOr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
