package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/gallery"
	"github.com/pigseek/pigseek/pkg/jobs"
	"github.com/pigseek/pigseek/pkg/platform"
	"github.com/pigseek/pigseek/pkg/server/middleware"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Server exposes a Gallery over a simple HTTP+JSON API.
type Server struct {
	Gallery *gallery.Gallery
	Log     logrus.FieldLogger
	Opts    Options
}

// Options configure auth, pagination, uploads and rate limiting.
type Options struct {
	APIKey          string
	RateLimit       middleware.RateLimitOptions
	DefaultPageSize int
	MaxPageSize     int
	// MaxUpload bounds image and archive request bodies; zero selects 64 MiB.
	MaxUpload int64
	// TempDir receives uploaded archives before import.
	TempDir string
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/images", s.handleImages)
	mux.HandleFunc("/images/", s.handleImage)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/export/archive", s.handleArchive)
	mux.HandleFunc("/import", s.handleImport)
	mux.HandleFunc("/jobs/", s.handleJob)
	return s.applyMiddleware(mux)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

type imageEntry struct {
	ID          catalog.ContentID `json:"id"`
	Description string            `json:"description"`
	Contains    *bool             `json:"contains,omitempty"`
	Score       *float64          `json:"score,omitempty"`
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listImages(w, r)
	case http.MethodPost:
		s.addImage(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	var entries []imageEntry
	if explain, _ := strconv.ParseBool(q.Get("explain")); explain && strings.TrimSpace(query) != "" {
		for _, h := range s.Gallery.Explain(query) {
			contains, score := h.Contains, h.Score
			entries = append(entries, imageEntry{ID: h.ID, Description: h.Description, Contains: &contains, Score: &score})
		}
	} else {
		for _, e := range s.Gallery.Search(query) {
			entries = append(entries, imageEntry{ID: e.ID, Description: e.Description})
		}
	}
	limit, offset := s.listingParams(r)
	if offset > len(entries) {
		offset = len(entries)
	}
	end := offset + limit
	var next string
	if end < len(entries) {
		next = strconv.Itoa(end)
	} else {
		end = len(entries)
	}
	response := struct {
		Entries       []imageEntry `json:"entries"`
		Total         int          `json:"total"`
		NextPageToken string       `json:"next_page_token,omitempty"`
	}{
		Entries:       append([]imageEntry{}, entries[offset:end]...),
		Total:         len(entries),
		NextPageToken: next,
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) addImage(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.maxUpload())
	id, err := s.Gallery.Add(r.Context(), body, r.URL.Query().Get("description"))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
			return
		}
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]catalog.ContentID{"id": id})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := catalog.ContentID(strings.TrimPrefix(cleanPath(strings.TrimPrefix(r.URL.Path, "/images")), "/"))
	if !id.Valid() {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.serveImage(ctx, w, r, id)
	case http.MethodPatch:
		var payload struct {
			Description *string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Description == nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := s.Gallery.Describe(ctx, id, *payload.Description); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if _, err := s.Gallery.Remove(ctx, id); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveImage(ctx context.Context, w http.ResponseWriter, r *http.Request, id catalog.ContentID) {
	rc, size, err := s.Gallery.Open(ctx, id)
	if err != nil {
		httpError(w, err)
		return
	}
	defer rc.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		httpError(w, xerrors.Wrap(xerrors.KindIO, "read image", string(id), err))
		return
	}
	head = head[:n]
	body := io.MultiReader(strings.NewReader(string(head)), rc)

	w.Header().Set("Content-Type", http.DetectContentType(head))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("ETag", `"`+string(id)+`"`)
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, parseErr := parseRangeHeader(rangeHeader, size)
		if parseErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if _, err := io.CopyN(io.Discard, body, start); err != nil {
			httpError(w, xerrors.Wrap(xerrors.KindIO, "read image", string(id), err))
			return
		}
		length := end - start + 1
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != http.MethodHead {
			io.CopyN(w, body, length)
		}
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.Copy(w, body)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		info, err := s.Gallery.StartSync()
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, info)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Gallery.SyncState().Get())
	case http.MethodDelete:
		s.Gallery.ResetSync()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type progressResponse struct {
	Progress float64    `json:"progress"`
	Path     string     `json:"path,omitempty"`
	Job      *jobs.Info `json:"job,omitempty"`
}

func (s *Server) progress(p float64, kind, archive string) progressResponse {
	out := progressResponse{Progress: p, Path: archive}
	if job, ok := s.Gallery.CurrentJob(); ok && job.Kind == kind {
		out.Job = &job
	}
	return out
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		info, err := s.Gallery.StartExport()
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, info)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.progress(s.Gallery.ExportProgress().Get(), gallery.JobExport, s.Gallery.ArchivePath()))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if job, ok := s.Gallery.CurrentJob(); ok && job.Kind == gallery.JobExport {
		httpError(w, xerrors.E(xerrors.KindBusy, "archive", "export running"))
		return
	}
	f, err := os.Open(s.Gallery.ArchivePath())
	if err != nil {
		kind := xerrors.KindIO
		if errors.Is(err, fs.ErrNotExist) {
			kind = xerrors.KindNotFound
		}
		httpError(w, xerrors.Wrap(kind, "archive", s.Gallery.ArchivePath(), err))
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindIO, "archive", s.Gallery.ArchivePath(), err))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(s.Gallery.ArchivePath())+`"`)
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.startImport(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.progress(s.Gallery.ImportProgress().Get(), gallery.JobImport, ""))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) startImport(w http.ResponseWriter, r *http.Request) {
	tmp, err := os.CreateTemp(s.Opts.TempDir, "pigseek-import-*.zip")
	if err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindIO, "import", "upload", err))
		return
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	_, err = io.Copy(tmp, http.MaxBytesReader(w, r.Body, s.maxUpload()))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "archive too large", http.StatusRequestEntityTooLarge)
			return
		}
		httpError(w, xerrors.Wrap(xerrors.KindIO, "import", "upload", err))
		return
	}
	info, err := s.Gallery.StartImport(platform.Locator(tmp.Name()), func(error) { cleanup() })
	if err != nil {
		cleanup()
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	switch r.Method {
	case http.MethodGet:
		info, ok := s.Gallery.Job(id)
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		if !s.Gallery.Cancel(id) {
			http.Error(w, "job not running", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) maxUpload() int64 {
	if s.Opts.MaxUpload > 0 {
		return s.Opts.MaxUpload
	}
	return 64 << 20
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	out := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if out == "" {
		return "/"
	}
	return out
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindInvalid, xerrors.KindParse:
		status = http.StatusBadRequest
	case xerrors.KindBusy:
		status = http.StatusConflict
	case xerrors.KindNetwork:
		status = http.StatusBadGateway
	case xerrors.KindCanceled:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rangeSpec == "" || strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("invalid range")
	}
	if strings.HasPrefix(rangeSpec, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(rangeSpec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start")
	}
	var end int64
	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || end < 0 {
			return 0, 0, fmt.Errorf("invalid range end")
		}
	}
	if start >= size {
		return 0, 0, fmt.Errorf("start beyond size")
	}
	if end >= size {
		end = size - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("start greater than end")
	}
	return start, end, nil
}

// listingParams returns the page size and the offset encoded in page_token.
func (s *Server) listingParams(r *http.Request) (limit int, offset int) {
	def, max := s.pageBounds()
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	if raw := r.URL.Query().Get("page_token"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

func (s *Server) pageBounds() (def int, max int) {
	def = 100
	max = 1000
	if s.Opts.DefaultPageSize > 0 {
		def = s.Opts.DefaultPageSize
	}
	if s.Opts.MaxPageSize > 0 {
		max = s.Opts.MaxPageSize
	}
	if def > max {
		def = max
	}
	return def, max
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var chain []middleware.HTTPMiddleware
	chain = append(chain, middleware.AccessLog(s.logger()))
	if auth := middleware.APIKeyAuth(s.Opts.APIKey, "/healthz", "/metrics"); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return middleware.Wrap(handler, chain...)
}
