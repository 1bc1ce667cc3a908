// Package jobs serializes bulk operations: at most one sync, import, export
// or sweep runs at a time and a second request is rejected.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

// State of a job.
type State string

const (
	StateRunning  State = "running"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// Info describes a job.
type Info struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	State    State     `json:"state"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

// Guard owns the single bulk operation slot.
type Guard struct {
	mu      sync.Mutex
	current *running
	history []Info
	keep    int
	now     func() time.Time
}

type running struct {
	info   Info
	cancel context.CancelFunc
}

// NewGuard returns a Guard remembering the last keep finished jobs.
func NewGuard(keep int) *Guard {
	if keep <= 0 {
		keep = 16
	}
	return &Guard{keep: keep, now: time.Now}
}

// Acquire claims the slot for a job of the given kind. The returned context
// is canceled by Cancel; finish must be called exactly once with the job's
// result. If another job holds the slot, Acquire fails with KindBusy.
func (g *Guard) Acquire(ctx context.Context, kind string) (jobCtx context.Context, info Info, finish func(error), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return nil, Info{}, nil, xerrors.Wrap(xerrors.KindBusy, kind, g.current.info.ID,
			&BusyError{Running: g.current.info})
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r := &running{
		info: Info{
			ID:      uuid.NewString(),
			Kind:    kind,
			State:   StateRunning,
			Started: g.now(),
		},
		cancel: cancel,
	}
	g.current = r
	var once sync.Once
	finish = func(err error) {
		once.Do(func() {
			cancel()
			g.finish(r, err)
		})
	}
	return jobCtx, r.info, finish, nil
}

func (g *Guard) finish(r *running, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info := r.info
	info.Finished = g.now()
	switch {
	case err == nil:
		info.State = StateDone
	case xerrors.Is(err, xerrors.KindCanceled):
		info.State = StateCanceled
		info.Error = err.Error()
	default:
		info.State = StateFailed
		info.Error = err.Error()
	}
	if g.current == r {
		g.current = nil
	}
	g.history = append(g.history, info)
	if len(g.history) > g.keep {
		g.history = g.history[len(g.history)-g.keep:]
	}
}

// Current returns the running job, if any.
func (g *Guard) Current() (Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return Info{}, false
	}
	return g.current.info, true
}

// Busy reports whether a job holds the slot.
func (g *Guard) Busy() bool {
	_, ok := g.Current()
	return ok
}

// Lookup finds a running or recently finished job.
func (g *Guard) Lookup(id string) (Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && g.current.info.ID == id {
		return g.current.info, true
	}
	for i := len(g.history) - 1; i >= 0; i-- {
		if g.history[i].ID == id {
			return g.history[i], true
		}
	}
	return Info{}, false
}

// Cancel cancels the running job with the given id.
func (g *Guard) Cancel(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil || g.current.info.ID != id {
		return false
	}
	g.current.cancel()
	return true
}

// BusyError carries the job occupying the slot.
type BusyError struct {
	Running Info
}

func (e *BusyError) Error() string {
	return "another " + e.Running.Kind + " is running (" + e.Running.ID + ")"
}
