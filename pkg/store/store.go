// Package store owns the catalog and keeps it consistent with the blob
// directory. All mutations run on a single goroutine in arrival order.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/signal"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("store: closed")

// Config wires the store to its collaborators.
type Config struct {
	Blobs     blob.Store
	Persister catalog.Persister
	Logger    logrus.FieldLogger
	// QueueSize bounds pending commands; zero selects 64.
	QueueSize int
}

// Store is the content store actor.
type Store struct {
	blobs     blob.Store
	persister catalog.Persister
	log       logrus.FieldLogger

	cmds      chan command
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	catalog *signal.Value[*catalog.Catalog]

	// owned by the actor goroutine
	current *catalog.Catalog
	loaded  bool
}

type command struct {
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error
}

// New starts the actor. Call Close to stop it.
func New(cfg Config) (*Store, error) {
	if cfg.Blobs == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "store", "blobs")
	}
	if cfg.Persister == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "store", "persister")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	s := &Store{
		blobs:     cfg.Blobs,
		persister: cfg.Persister,
		log:       cfg.Logger.WithField("component", "store"),
		cmds:      make(chan command, cfg.QueueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		catalog:   signal.NewValue(catalog.Empty()),
		current:   catalog.Empty(),
	}
	go s.loop()
	return s, nil
}

func (s *Store) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.cmds:
			if err := cmd.ctx.Err(); err != nil {
				cmd.reply <- err
				continue
			}
			cmd.reply <- cmd.run(cmd.ctx)
		}
	}
}

// submit runs fn on the actor goroutine and waits for its result.
func (s *Store) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{ctx: ctx, run: fn, reply: make(chan error, 1)}
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.cmds <- cmd:
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// Close stops the actor. Pending commands fail with ErrClosed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
	return nil
}

// Blobs returns the blob store backing the catalog.
func (s *Store) Blobs() blob.Store { return s.blobs }

// Catalog publishes every committed catalog.
func (s *Store) Catalog() *signal.Value[*catalog.Catalog] { return s.catalog }

// Snapshot returns the latest committed catalog. It is never nil.
func (s *Store) Snapshot() *catalog.Catalog { return s.catalog.Get() }

// Load reads the persisted catalog once. A missing or malformed document is
// replaced by an empty catalog, which is written back. Later calls return
// the in-memory catalog.
func (s *Store) Load(ctx context.Context) (*catalog.Catalog, error) {
	var out *catalog.Catalog
	err := s.submit(ctx, func(ctx context.Context) error {
		if err := s.ensureLoaded(ctx); err != nil {
			return err
		}
		out = s.current
		return nil
	})
	return out, err
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	cat, err := s.persister.Load(ctx)
	switch {
	case err == nil:
		s.current = cat
	case xerrors.Is(err, xerrors.KindNotFound), xerrors.Is(err, xerrors.KindParse):
		if xerrors.Is(err, xerrors.KindParse) {
			s.log.WithError(err).Warn("catalog unreadable, starting empty")
		}
		if err := s.persister.Save(ctx, catalog.Empty()); err != nil {
			return fmt.Errorf("reinitialize catalog: %w", err)
		}
		s.current = catalog.Empty()
	default:
		return fmt.Errorf("load catalog: %w", err)
	}
	s.loaded = true
	s.catalog.Set(s.current)
	return nil
}

// commit persists next and makes it current.
func (s *Store) commit(ctx context.Context, next *catalog.Catalog) error {
	if err := s.persister.Save(ctx, next); err != nil {
		return err
	}
	s.current = next
	s.catalog.Set(next)
	return nil
}

// mutate loads if needed, applies fn and commits its result.
func (s *Store) mutate(ctx context.Context, fn func(cur *catalog.Catalog) (*catalog.Catalog, error)) error {
	return s.submit(ctx, func(ctx context.Context) error {
		if err := s.ensureLoaded(ctx); err != nil {
			return err
		}
		next, err := fn(s.current)
		if err != nil {
			return err
		}
		return s.commit(ctx, next)
	})
}

// Add stores the blob read from r and records description for it. Adding
// the same content again replaces its description. The blob is written
// before the command is queued, so a slow reader holds up only this call.
func (s *Store) Add(ctx context.Context, r io.Reader, description string) (catalog.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, _, err := s.blobs.Put(ctx, r)
	if err != nil {
		return "", fmt.Errorf("store blob: %w", err)
	}
	err = s.mutate(ctx, func(cur *catalog.Catalog) (*catalog.Catalog, error) {
		// A Remove of the same content may have run since Put.
		ok, err := s.blobs.Exists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("store blob: %w", err)
		}
		if !ok {
			return nil, xerrors.E(xerrors.KindIO, "add", string(id))
		}
		return cur.With(id, description), nil
	})
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"op": "add", "id": id.Short(12)}).Debug("blob added")
	return id, nil
}

// Remove drops the catalog entry and then deletes its blob. A blob that is
// missing yields a KindNotFound error and leaves the catalog as is. If the
// entry was dropped but the blob cannot be deleted, the error is still
// KindNotFound and the orphaned blob is left for the sweeper.
func (s *Store) Remove(ctx context.Context, id catalog.ContentID) (catalog.ContentID, error) {
	err := s.submit(ctx, func(ctx context.Context) error {
		if err := s.ensureLoaded(ctx); err != nil {
			return err
		}
		ok, err := s.blobs.Exists(ctx, id)
		if err != nil {
			return xerrors.Wrap(xerrors.KindNotFound, "remove", string(id), err)
		}
		if !ok {
			return xerrors.E(xerrors.KindNotFound, "remove", string(id))
		}
		if err := s.commit(ctx, s.current.Without(id)); err != nil {
			return fmt.Errorf("remove %s: blob kept: %w", id.Short(12), err)
		}
		if err := s.blobs.Delete(ctx, id); err != nil {
			return xerrors.Wrap(xerrors.KindNotFound, "remove", string(id),
				fmt.Errorf("entry removed, blob left for gc: %w", err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"op": "remove", "id": id.Short(12)}).Debug("blob removed")
	return id, nil
}

// RemoveLocator removes the blob a locator points at. The locator's last
// path element is taken as the content id; file:// URIs and plain paths
// are accepted.
func (s *Store) RemoveLocator(ctx context.Context, locator string) (catalog.ContentID, error) {
	return s.Remove(ctx, IDFromLocator(locator))
}

// IDFromLocator extracts a content id from a path, file:// URI or bare id.
func IDFromLocator(locator string) catalog.ContentID {
	loc := strings.TrimSpace(locator)
	if u, err := url.Parse(loc); err == nil && u.Scheme != "" && u.Path != "" {
		loc = u.Path
	}
	loc = strings.ReplaceAll(loc, "\\", "/")
	return catalog.ContentID(path.Base(loc))
}

// Describe changes the description of an existing entry.
func (s *Store) Describe(ctx context.Context, id catalog.ContentID, description string) error {
	return s.mutate(ctx, func(cur *catalog.Catalog) (*catalog.Catalog, error) {
		if !cur.Has(id) {
			return nil, xerrors.E(xerrors.KindNotFound, "describe", string(id))
		}
		return cur.With(id, description), nil
	})
}

// Merge adds every entry of incoming; incoming descriptions win.
func (s *Store) Merge(ctx context.Context, incoming *catalog.Catalog) (*catalog.Catalog, error) {
	var out *catalog.Catalog
	err := s.mutate(ctx, func(cur *catalog.Catalog) (*catalog.Catalog, error) {
		out = cur.Merge(incoming)
		return out, nil
	})
	return out, err
}

// Replace overwrites the catalog with next.
func (s *Store) Replace(ctx context.Context, next *catalog.Catalog) error {
	if next == nil {
		next = catalog.Empty()
	}
	return s.mutate(ctx, func(*catalog.Catalog) (*catalog.Catalog, error) {
		return next, nil
	})
}

// Exec runs fn on the actor goroutine with the current catalog, so fn does
// not interleave with any mutation. fn must not call back into the Store.
func (s *Store) Exec(ctx context.Context, fn func(ctx context.Context, cur *catalog.Catalog) error) error {
	return s.submit(ctx, func(ctx context.Context) error {
		if err := s.ensureLoaded(ctx); err != nil {
			return err
		}
		return fn(ctx, s.current)
	})
}
