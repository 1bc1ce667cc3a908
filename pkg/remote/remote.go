// Package remote reads a published collection: a catalog document at
// <base>/metadata.json and blobs at <base>/<prefix>/<id>.
package remote

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/pigseek/pigseek/pkg/catalog"
)

// DefaultBlobPrefix is the directory holding blobs in a published layout.
const DefaultBlobPrefix = "output"

// Source is a remote collection the syncer pulls from.
type Source interface {
	FetchCatalog(ctx context.Context) (*catalog.Catalog, error)
	FetchBlob(ctx context.Context, id catalog.ContentID) (io.ReadCloser, error)
}

// BlobKey returns the object key of a blob under prefix.
func BlobKey(prefix string, id catalog.ContentID) string {
	return joinKey(prefix, string(id))
}

// BlobDir returns the directory key holding blobs under root.
func BlobDir(root, prefix string) string {
	return joinKey(root, prefix)
}

// CatalogKey returns the object key of the catalog document under root.
func CatalogKey(root string) string {
	return joinKey(root, catalog.MetadataFile)
}

func joinKey(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return path.Join(kept...)
}
