package syncer

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/store"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

type fakeSource struct {
	cat      *catalog.Catalog
	blobs    map[catalog.ContentID]string
	catErr   error
	failID   catalog.ContentID
	fetched  []catalog.ContentID
	onFetch  func(id catalog.ContentID)
	tamperID catalog.ContentID
}

func newFakeSource(bodies ...string) *fakeSource {
	f := &fakeSource{cat: catalog.Empty(), blobs: map[catalog.ContentID]string{}}
	for _, b := range bodies {
		id := catalog.IDOf([]byte(b))
		f.cat = f.cat.With(id, "pig "+b)
		f.blobs[id] = b
	}
	return f
}

func (f *fakeSource) FetchCatalog(ctx context.Context) (*catalog.Catalog, error) {
	if f.catErr != nil {
		return nil, f.catErr
	}
	return f.cat, nil
}

func (f *fakeSource) FetchBlob(ctx context.Context, id catalog.ContentID) (io.ReadCloser, error) {
	f.fetched = append(f.fetched, id)
	if f.onFetch != nil {
		f.onFetch(id)
	}
	if id == f.failID {
		return nil, xerrors.E(xerrors.KindNetwork, "remote get", string(id))
	}
	body := f.blobs[id]
	if id == f.tamperID {
		body += "!"
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, len(r.states))
	for i, s := range r.states {
		out[i] = s.Phase
	}
	return out
}

func newTarget(t *testing.T) *store.Store {
	t.Helper()
	fsys := memfs.New()
	s, err := store.New(store.Config{
		Blobs:     blob.NewDirStore(fsys),
		Persister: catalog.NewFileStore(fsys, ""),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newReconciler(t *testing.T, src *fakeSource, dst Target, rec *recorder) *Reconciler {
	t.Helper()
	r, err := New(Config{
		Source:          src,
		Target:          dst,
		Verify:          true,
		SuccessLinger:   5 * time.Millisecond,
		CompletedLinger: 5 * time.Millisecond,
		OnTransition:    rec.record,
	})
	require.NoError(t, err)
	return r
}

func TestSyncDownloadsMissingAndReplacesCatalog(t *testing.T) {
	ctx := context.Background()
	dst := newTarget(t)
	localID, err := dst.Add(ctx, strings.NewReader("local-only"), "mine")
	require.NoError(t, err)
	src := newFakeSource("a", "b", "c")
	rec := &recorder{}

	r := newReconciler(t, src, dst, rec)
	require.NoError(t, r.Sync(ctx))

	assert.Equal(t, src.cat.IDs(), src.fetched, "downloads follow remote order")
	assert.True(t, dst.Snapshot().Equal(src.cat), "remote catalog replaces local")
	assert.False(t, dst.Snapshot().Has(localID))

	assert.Equal(t, []Phase{
		PhaseFetchingMetadata,
		PhaseDownloading, PhaseDownloading, PhaseDownloading, PhaseDownloading,
		PhaseCompleted, PhaseIdle,
	}, rec.phases())
	var progress []float64
	for _, s := range rec.states {
		if s.Phase == PhaseDownloading {
			progress = append(progress, s.Progress)
		}
	}
	assert.InDeltaSlice(t, []float64{0, 1.0 / 3, 2.0 / 3, 1}, progress, 1e-9)
	assert.Equal(t, Idle(), r.State().Get())

	for id, body := range src.blobs {
		data, err := blob.ReadAll(ctx, dst.Blobs(), id)
		require.NoError(t, err)
		assert.Equal(t, body, string(data))
	}
}

func TestSyncAlreadyUpToDate(t *testing.T) {
	ctx := context.Background()
	dst := newTarget(t)
	src := newFakeSource("a")
	_, err := dst.Add(ctx, strings.NewReader("a"), "old description")
	require.NoError(t, err)
	rec := &recorder{}
	r := newReconciler(t, src, dst, rec)
	require.NoError(t, r.Sync(ctx))

	assert.Empty(t, src.fetched)
	assert.Equal(t, []Phase{PhaseFetchingMetadata, PhaseSuccess, PhaseIdle}, rec.phases())
	assert.Equal(t, msgUpToDate, rec.states[1].Message)
	desc, _ := dst.Snapshot().Get(src.cat.IDs()[0])
	assert.Equal(t, "old description", desc, "up-to-date sync does not rewrite the catalog")
}

func TestSyncMetadataFailureStaysInError(t *testing.T) {
	dst := newTarget(t)
	src := newFakeSource("a")
	src.catErr = xerrors.E(xerrors.KindNetwork, "remote get", "metadata.json")
	rec := &recorder{}
	r := newReconciler(t, src, dst, rec)

	err := r.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.KindNetwork, xerrors.KindOf(err))
	st := r.State().Get()
	assert.Equal(t, PhaseError, st.Phase)
	assert.True(t, strings.HasPrefix(st.Message, "fetch metadata: "), st.Message)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseError, r.State().Get().Phase, "error does not linger back to idle")
	r.Reset()
	assert.Equal(t, Idle(), r.State().Get())
}

func TestSyncDownloadFailureLeavesCatalog(t *testing.T) {
	ctx := context.Background()
	dst := newTarget(t)
	_, err := dst.Add(ctx, strings.NewReader("keep"), "keep me")
	require.NoError(t, err)
	before := dst.Snapshot()

	src := newFakeSource("a", "b", "c")
	src.failID = src.cat.IDs()[1]
	rec := &recorder{}
	r := newReconciler(t, src, dst, rec)

	require.Error(t, r.Sync(ctx))
	assert.True(t, dst.Snapshot().Equal(before))
	st := r.State().Get()
	assert.Equal(t, PhaseError, st.Phase)
	assert.Contains(t, st.Message, "download "+src.failID.Short(12))
	assert.Len(t, src.fetched, 2, "stops at the first failure")
}

func TestSyncRejectsTamperedBlob(t *testing.T) {
	dst := newTarget(t)
	src := newFakeSource("a")
	src.tamperID = src.cat.IDs()[0]
	r := newReconciler(t, src, dst, &recorder{})

	err := r.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
	assert.Equal(t, 0, dst.Snapshot().Len())
}

func TestSyncCanceledBetweenDownloads(t *testing.T) {
	dst := newTarget(t)
	src := newFakeSource("a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onFetch = func(id catalog.ContentID) {
		if id == src.cat.IDs()[0] {
			cancel()
		}
	}
	rec := &recorder{}
	r := newReconciler(t, src, dst, rec)

	err := r.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindCanceled, xerrors.KindOf(err))
	assert.Equal(t, Error(msgCanceled), r.State().Get())
	assert.Len(t, src.fetched, 1)
	assert.Equal(t, 0, dst.Snapshot().Len())
}

func TestSyncSkipsBlobsAlreadyOnDisk(t *testing.T) {
	ctx := context.Background()
	dst := newTarget(t)
	src := newFakeSource("a", "b")
	first := src.cat.IDs()[0]
	_, err := dst.Blobs().PutID(ctx, first, strings.NewReader("a"), true)
	require.NoError(t, err)

	r := newReconciler(t, src, dst, &recorder{})
	require.NoError(t, r.Sync(ctx))
	assert.Equal(t, []catalog.ContentID{src.cat.IDs()[1]}, src.fetched)
	assert.True(t, dst.Snapshot().Equal(src.cat))
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	dst := newTarget(t)
	src := newFakeSource("a")
	entered := make(chan struct{})
	release := make(chan struct{})
	src.onFetch = func(catalog.ContentID) {
		close(entered)
		<-release
	}
	r := newReconciler(t, src, dst, &recorder{})

	done := make(chan error, 1)
	go func() { done <- r.Sync(context.Background()) }()
	<-entered
	err := r.Sync(context.Background())
	assert.Equal(t, xerrors.KindBusy, xerrors.KindOf(err))
	close(release)
	require.NoError(t, <-done)
}

func TestResetOnlyFromTerminal(t *testing.T) {
	r, err := New(Config{Source: newFakeSource(), Target: newTarget(t)})
	require.NoError(t, err)
	r.set(Downloading(0.5))
	r.Reset()
	assert.Equal(t, PhaseDownloading, r.State().Get().Phase)
	r.set(Completed())
	r.Reset()
	assert.Equal(t, PhaseIdle, r.State().Get().Phase)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "downloading 50%", Downloading(0.5).String())
	assert.Equal(t, "error: boom", Error("boom").String())
	assert.Equal(t, "idle", Idle().String())
	text, err := PhaseFetchingMetadata.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "fetching_metadata", string(text))
}
