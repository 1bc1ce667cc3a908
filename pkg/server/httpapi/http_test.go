package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/gallery"
	"github.com/pigseek/pigseek/pkg/jobs"
	"github.com/pigseek/pigseek/pkg/remote"
	"github.com/pigseek/pigseek/pkg/server/middleware"
	"github.com/pigseek/pigseek/pkg/store"
)

type gatedSource struct {
	gate chan struct{}
}

func (g *gatedSource) FetchCatalog(ctx context.Context) (*catalog.Catalog, error) {
	return catalog.New(catalog.Entry{ID: catalog.IDOf([]byte("remote")), Description: "remote pig"}), nil
}

func (g *gatedSource) FetchBlob(ctx context.Context, id catalog.ContentID) (io.ReadCloser, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return io.NopCloser(strings.NewReader("remote")), nil
}

func newTestServer(t *testing.T, src remote.Source, opts Options) (*Server, *gallery.Gallery) {
	t.Helper()
	home := t.TempDir()
	blobs, err := blob.OpenDir(home)
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}
	s, err := store.New(store.Config{Blobs: blobs, Persister: catalog.NewFileStore(blobs.Filesystem(), "")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	g, err := gallery.New(gallery.Config{
		Store:           s,
		Source:          src,
		BlobDir:         home,
		ArchivePath:     filepath.Join(t.TempDir(), "PiggyPackage.zip"),
		Verify:          true,
		SuccessLinger:   -1,
		CompletedLinger: -1,
	})
	if err != nil {
		t.Fatalf("new gallery: %v", err)
	}
	t.Cleanup(func() {
		g.Close()
		s.Close()
	})
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	return &Server{Gallery: g, Opts: opts}, g
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func addImage(t *testing.T, h http.Handler, body, desc string) catalog.ContentID {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/images?description="+strings.ReplaceAll(desc, " ", "+"), strings.NewReader(body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		ID catalog.ContentID `json:"id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode add: %v", err)
	}
	return out.ID
}

type listing struct {
	Entries []struct {
		ID          catalog.ContentID `json:"id"`
		Description string            `json:"description"`
		Score       *float64          `json:"score"`
	} `json:"entries"`
	Total         int    `json:"total"`
	NextPageToken string `json:"next_page_token"`
}

func list(t *testing.T, h http.Handler, target string) listing {
	t.Helper()
	rr := do(t, h, http.MethodGet, target, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list %s: expected 200, got %d", target, rr.Code)
	}
	var out listing
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	return out
}

func TestHTTPAPIAddSearchGetDelete(t *testing.T) {
	srv, _ := newTestServer(t, nil, Options{})
	h := srv.Handler()

	hat := addImage(t, h, "hat bytes", "pig in a hat")
	addImage(t, h, "cow bytes", "cow")

	got := list(t, h, "/images?q=hat")
	if got.Total != 1 || got.Entries[0].ID != hat {
		t.Fatalf("unexpected search result %+v", got)
	}
	if got.Entries[0].Score != nil {
		t.Fatalf("score should only appear with explain")
	}
	explained := list(t, h, "/images?q=hat&explain=1")
	if len(explained.Entries) != 1 || explained.Entries[0].Score == nil {
		t.Fatalf("expected explained hit, got %+v", explained)
	}
	if all := list(t, h, "/images"); all.Total != 2 {
		t.Fatalf("expected 2 images, got %d", all.Total)
	}

	rr := do(t, h, http.MethodGet, "/images/"+string(hat), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "hat bytes" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}

	rr = do(t, h, http.MethodPatch, "/images/"+string(hat), strings.NewReader(`{"description":"pig with a hat"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", rr.Code)
	}
	if got := list(t, h, "/images?q=with"); got.Total != 1 || got.Entries[0].Description != "pig with a hat" {
		t.Fatalf("description not updated: %+v", got)
	}

	rr = do(t, h, http.MethodDelete, "/images/"+string(hat), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodDelete, "/images/"+string(hat), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/images/not-an-id", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rr.Code)
	}
}

func TestHTTPAPIRangeGet(t *testing.T) {
	srv, _ := newTestServer(t, nil, Options{})
	h := srv.Handler()
	id := addImage(t, h, "hello world", "greeting")

	req := httptest.NewRequest(http.MethodGet, "/images/"+string(id), nil)
	req.Header.Set("Range", "bytes=6-10")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rr.Code)
	}
	if rr.Body.String() != "world" {
		t.Fatalf("expected world, got %q", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 6-10/11" {
		t.Fatalf("unexpected content range %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/images/"+string(id), nil)
	req.Header.Set("Range", "bytes=20-")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", rr.Code)
	}
}

func TestHTTPAPIPagination(t *testing.T) {
	srv, _ := newTestServer(t, nil, Options{DefaultPageSize: 2})
	h := srv.Handler()
	for _, s := range []string{"a", "b", "c"} {
		addImage(t, h, s, "pig "+s)
	}
	first := list(t, h, "/images")
	if len(first.Entries) != 2 || first.NextPageToken != "2" || first.Total != 3 {
		t.Fatalf("unexpected first page %+v", first)
	}
	second := list(t, h, "/images?page_token="+first.NextPageToken)
	if len(second.Entries) != 1 || second.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestHTTPAPISyncBusy(t *testing.T) {
	src := &gatedSource{gate: make(chan struct{})}
	srv, g := newTestServer(t, src, Options{})
	h := srv.Handler()

	rr := do(t, h, http.MethodPost, "/sync", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("sync: expected 202, got %d", rr.Code)
	}
	var info jobs.Info
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	rr = do(t, h, http.MethodPost, "/sync", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second sync: expected 409, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/export", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("export during sync: expected 409, got %d", rr.Code)
	}

	close(src.gate)
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, ok := g.Job(info.ID)
		if ok && got.State == jobs.StateDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sync did not finish: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	rr = do(t, h, http.MethodGet, "/sync", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"phase":"idle"`) {
		t.Fatalf("unexpected sync state %d %s", rr.Code, rr.Body.String())
	}
	if got := list(t, h, "/images?q=remote"); got.Total != 1 {
		t.Fatalf("expected synced image, got %+v", got)
	}
	if rr := do(t, h, http.MethodGet, "/jobs/"+info.ID, nil); rr.Code != http.StatusOK {
		t.Fatalf("job lookup: expected 200, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/jobs/"+info.ID, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("cancel finished job: expected 404, got %d", rr.Code)
	}
}

func TestHTTPAPISyncWithoutSource(t *testing.T) {
	srv, _ := newTestServer(t, nil, Options{})
	rr := do(t, srv.Handler(), http.MethodPost, "/sync", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func waitIdle(t *testing.T, g *gallery.Gallery) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, busy := g.CurrentJob(); !busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job slot still held")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPAPIExportImportRoundTrip(t *testing.T) {
	srcSrv, srcGallery := newTestServer(t, nil, Options{})
	src := srcSrv.Handler()
	addImage(t, src, "one", "pig one")
	addImage(t, src, "two", "pig two")

	if rr := do(t, src, http.MethodGet, "/export/archive", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("archive before export: expected 404, got %d", rr.Code)
	}
	if rr := do(t, src, http.MethodPost, "/export", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("export: expected 202, got %d", rr.Code)
	}
	waitIdle(t, srcGallery)
	rr := do(t, src, http.MethodGet, "/export/archive", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d", rr.Code)
	}
	archive := rr.Body.Bytes()

	dstSrv, dstGallery := newTestServer(t, nil, Options{})
	dst := dstSrv.Handler()
	if rr := do(t, dst, http.MethodPost, "/import", bytes.NewReader(archive)); rr.Code != http.StatusAccepted {
		t.Fatalf("import: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	waitIdle(t, dstGallery)
	if !dstGallery.Images().Get().Equal(srcGallery.Images().Get()) {
		t.Fatalf("catalogs differ after import")
	}
	rr = do(t, dst, http.MethodGet, "/import", nil)
	if !strings.Contains(rr.Body.String(), `"progress":1`) {
		t.Fatalf("unexpected import progress %s", rr.Body.String())
	}
}

func TestHTTPAPIUploadLimit(t *testing.T) {
	srv, _ := newTestServer(t, nil, Options{MaxUpload: 4})
	rr := do(t, srv.Handler(), http.MethodPost, "/images?description=big", strings.NewReader("too many bytes"))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestHTTPAPIAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil, Options{APIKey: "secret"})
	h := srv.Handler()
	if rr := do(t, h, http.MethodGet, "/images", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/images", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rr.Code)
	}
}

func TestHTTPAPIRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	srv, _ := newTestServer(t, nil, Options{RateLimit: middleware.RateLimitOptions{
		Requests: 1,
		Window:   time.Minute,
		Now:      func() time.Time { return now },
	}})
	h := srv.Handler()
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		header     string
		start, end int64
		ok         bool
	}{
		{"bytes=0-4", 0, 4, true},
		{"bytes=-3", 8, 10, true},
		{"bytes=5-", 5, 10, true},
		{"bytes=3-100", 3, 10, true},
		{"bytes=11-", 0, 0, false},
		{"bytes=1-2,4-5", 0, 0, false},
		{"items=0-1", 0, 0, false},
	}
	for _, c := range cases {
		start, end, err := parseRangeHeader(c.header, 11)
		if (err == nil) != c.ok {
			t.Fatalf("%s: unexpected error state %v", c.header, err)
		}
		if c.ok && (start != c.start || end != c.end) {
			t.Fatalf("%s: got %d-%d", c.header, start, end)
		}
	}
}
