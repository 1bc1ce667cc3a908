// Package nfs exports a collection read-only over NFSv3 in the published
// layout.
package nfs

import (
	"context"
	"fmt"
	"net"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"
	nfsproto "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// Options control the exported NFS service.
type Options struct {
	// Export is the directory presented to clients (default "/").
	Export string
	// HandleCache controls how many active file handles are cached (default 1024).
	HandleCache int
	Logger      logrus.FieldLogger
}

// Serve exposes col over NFS at addr using default options.
func Serve(ctx context.Context, col Collection, addr string) error {
	return ServeWithOptions(ctx, col, addr, Options{})
}

// ServeWithOptions exposes col over NFS until ctx is canceled.
func ServeWithOptions(ctx context.Context, col Collection, addr string, opts Options) error {
	if col == nil {
		return fmt.Errorf("nfs: collection is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if addr == "" {
		addr = ":2049"
	}
	export := strings.TrimSpace(opts.Export)
	if export == "" {
		export = "/"
	}
	cacheSize := opts.HandleCache
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	bfs, err := newFilesystem(ctx, col, export)
	if err != nil {
		return fmt.Errorf("nfs: %w", err)
	}
	handler := nfshelper.NewNullAuthHandler(bfs)
	handler = nfshelper.NewCachingHandler(handler, cacheSize)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nfs: listen: %w", err)
	}
	if opts.Logger != nil {
		opts.Logger.WithFields(logrus.Fields{"addr": l.Addr().String(), "export": export}).Info("nfs export ready")
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	srv := &nfsproto.Server{
		Handler: handler,
		Context: ctx,
	}
	err = srv.Serve(l)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var _ billy.Filesystem = (*filesystem)(nil)
