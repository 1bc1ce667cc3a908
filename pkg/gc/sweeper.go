// Package gc removes blobs that no catalog entry references.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Owner runs fn while holding the catalog still.
type Owner interface {
	Exec(ctx context.Context, fn func(ctx context.Context, cur *catalog.Catalog) error) error
	Blobs() blob.Store
}

// Options configures a Sweeper.
type Options struct {
	Owner Owner
	// MinAge spares blobs modified more recently than this.
	MinAge time.Duration
	// DryRun reports orphans without deleting them.
	DryRun bool
	Logger logrus.FieldLogger
}

// Result summarizes one pass.
type Result struct {
	Scanned int                 `json:"scanned"`
	Removed []catalog.ContentID `json:"removed"`
	Bytes   int64               `json:"bytes"`
}

// Sweeper removes orphaned blobs from the blob directory.
type Sweeper struct {
	owner  Owner
	minAge time.Duration
	dryRun bool
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewSweeper wires the catalog owner for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Sweeper{
		owner:  opts.Owner,
		minAge: opts.MinAge,
		dryRun: opts.DryRun,
		log:    log.WithField("component", "gc"),
		now:    time.Now,
	}
}

// Sweep performs one pass inside the catalog owner, so no Add can land a
// blob between listing and deletion.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if s.owner == nil {
		return res, fmt.Errorf("gc sweeper missing dependencies")
	}
	err := s.owner.Exec(ctx, func(ctx context.Context, cur *catalog.Catalog) error {
		blobs := s.owner.Blobs()
		infos, err := blobs.List(ctx)
		if err != nil {
			return err
		}
		cutoff := s.now().Add(-s.minAge)
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Scanned++
			if cur.Has(info.ID) || (s.minAge > 0 && info.ModTime.After(cutoff)) {
				continue
			}
			if !s.dryRun {
				if err := blobs.Delete(ctx, info.ID); err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
					return err
				}
			}
			res.Removed = append(res.Removed, info.ID)
			res.Bytes += info.Size
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	s.log.WithFields(logrus.Fields{
		"scanned": res.Scanned,
		"removed": len(res.Removed),
		"bytes":   res.Bytes,
		"dry_run": s.dryRun,
	}).Info("gc pass finished")
	return res, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Warn("gc sweep failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
