// Package publish serves a collection in the layout the sync sources read,
// as a read-only S3-compatible bucket. Both remote.HTTPSource and
// remote.S3Source can pull from it.
package publish

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/sirupsen/logrus"

	"github.com/pigseek/pigseek/pkg/server/middleware"
)

// DefaultBucket is the bucket name used when Options.Bucket is empty.
const DefaultBucket = "pigseek"

// Options configure the publish gateway.
type Options struct {
	Bucket     string
	Root       string
	BlobPrefix string
	APIKey     string
	RateLimit  middleware.RateLimitOptions
}

// Server exposes Collection over a subset of the S3 API.
type Server struct {
	Collection Collection
	Opt        Options
	Log        logrus.FieldLogger

	handlerOnce sync.Once
	handler     http.Handler
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.httpHandler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctxShutdown)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) bucket() string {
	if s.Opt.Bucket == "" {
		return DefaultBucket
	}
	return s.Opt.Bucket
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		backend := NewBackend(s.Collection, s.bucket(), s.Opt.Root, s.Opt.BlobPrefix)
		s3 := gofakes3.New(backend).Server()
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				http.Error(w, "read-only bucket", http.StatusMethodNotAllowed)
				return
			}
			s.rewriteBucketPath(r)
			s3.ServeHTTP(w, r)
		})
		if chain := s.middlewares(); len(chain) > 0 {
			handler = middleware.Wrap(handler, chain...)
		}
		s.handler = handler
	})
	return s.handler
}

// rewriteBucketPath lets clients address keys without the bucket segment.
func (s *Server) rewriteBucketPath(r *http.Request) {
	bucket := s.bucket()
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, bucket+"/") || trimmed == bucket {
		return
	}
	newPath := path.Join("/", bucket, trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = newPath
}

func (s *Server) middlewares() []middleware.HTTPMiddleware {
	var chain []middleware.HTTPMiddleware
	if s.Log != nil {
		chain = append(chain, middleware.AccessLog(s.Log.WithField("component", "publish")))
	}
	if auth := middleware.APIKeyAuth(s.Opt.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opt.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return chain
}
