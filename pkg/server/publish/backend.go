package publish

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/johannesboyne/gofakes3"

	"github.com/pigseek/pigseek/pkg/blob"
	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/remote"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Collection is what the backend publishes.
type Collection interface {
	Snapshot() *catalog.Catalog
	Blobs() blob.Store
}

// Backend implements a read-only gofakes3.Backend over a Collection. The
// bucket holds <root>/metadata.json and <root>/<prefix>/<id> for every
// catalog entry whose blob is present.
type Backend struct {
	col        Collection
	bucket     string
	catalogKey string
	blobPrefix string
	started    time.Time
}

var _ gofakes3.Backend = (*Backend)(nil)

// NewBackend publishes col as bucket.
func NewBackend(col Collection, bucket, root, prefix string) *Backend {
	if prefix == "" {
		prefix = remote.DefaultBlobPrefix
	}
	return &Backend{
		col:        col,
		bucket:     bucket,
		catalogKey: remote.CatalogKey(root),
		blobPrefix: remote.BlobDir(root, prefix),
		started:    time.Now(),
	}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	return []gofakes3.BucketInfo{{
		Name:         b.bucket,
		CreationDate: gofakes3.NewContentTime(b.started),
	}}, nil
}

type listedObject struct {
	key     string
	content *gofakes3.Content
}

func (b *Backend) listObjects(ctx context.Context) ([]listedObject, error) {
	snap := b.col.Snapshot()
	doc, err := catalog.EncodeBytes(snap)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(doc)
	out := []listedObject{{
		key: b.catalogKey,
		content: &gofakes3.Content{
			Key:          b.catalogKey,
			LastModified: gofakes3.NewContentTime(time.Now()),
			Size:         int64(len(doc)),
			ETag:         gofakes3.FormatETag(sum[:]),
		},
	}}
	infos, err := b.col.Blobs().List(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if !snap.Has(info.ID) {
			continue
		}
		key := path.Join(b.blobPrefix, string(info.ID))
		out = append(out, listedObject{key: key, content: &gofakes3.Content{
			Key:          key,
			LastModified: gofakes3.NewContentTime(info.ModTime),
			Size:         info.Size,
			ETag:         gofakes3.FormatETag(idHash(info.ID)),
		}})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].key < out[j].key
	})
	return out, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	ctx := context.Background()
	if err := b.ensureBucket(name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.listObjects(ctx)
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	marker := page.Marker
	var lastKey string
	count := 0
	for _, item := range objects {
		if marker != "" && item.key <= marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: item.key, MatchedPart: item.key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(item.key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count < limit {
				results.AddPrefix(match.MatchedPart)
				count++
			} else {
				results.IsTruncated = true
				lastKey = match.MatchedPart
				break
			}
			continue
		}
		if count < limit {
			results.Add(item.content)
			count++
			lastKey = item.key
		} else {
			results.IsTruncated = true
			lastKey = item.key
			break
		}
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

func (b *Backend) BucketExists(name string) (bool, error) {
	return name == b.bucket, nil
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	return b.object(bucket, object, rangeRequest, false)
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	return b.object(bucket, object, nil, true)
}

func (b *Backend) object(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest, head bool) (*gofakes3.Object, error) {
	ctx := context.Background()
	if err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	object = strings.TrimPrefix(object, "/")
	if object == b.catalogKey {
		doc, err := catalog.EncodeBytes(b.col.Snapshot())
		if err != nil {
			return nil, err
		}
		sum := md5.Sum(doc)
		return b.buildObjectResponse(object, int64(len(doc)), sum[:], "application/json", rangeRequest, head,
			io.NopCloser(bytes.NewReader(doc)))
	}
	id, ok := b.blobID(object)
	if !ok || !b.col.Snapshot().Has(id) {
		return nil, gofakes3.KeyNotFound(object)
	}
	rc, size, err := b.col.Blobs().Open(ctx, id)
	if err != nil {
		if xerrors.Is(err, xerrors.KindNotFound) {
			return nil, gofakes3.KeyNotFound(object)
		}
		return nil, err
	}
	if head {
		rc.Close()
		rc = io.NopCloser(bytes.NewReader(nil))
	}
	return b.buildObjectResponse(object, size, idHash(id), "application/octet-stream", rangeRequest, head,
		rc)
}

func (b *Backend) buildObjectResponse(key string, size int64, hash []byte, contentType string, rangeRequest *gofakes3.ObjectRangeRequest, head bool, body io.ReadCloser) (*gofakes3.Object, error) {
	rng, err := b.rangeForObject(rangeRequest, size)
	if err != nil {
		body.Close()
		return nil, err
	}
	if !head {
		body = newRangeReader(body, rng)
	}
	return &gofakes3.Object{
		Name: key,
		Metadata: map[string]string{
			"Content-Type":  contentType,
			"Last-Modified": b.started.UTC().Format(http.TimeFormat),
		},
		Size:     size,
		Contents: body,
		Hash:     hash,
		Range:    rng,
	}, nil
}

func (b *Backend) blobID(key string) (catalog.ContentID, bool) {
	rest, ok := strings.CutPrefix(key, b.blobPrefix+"/")
	if !ok {
		return "", false
	}
	id := catalog.ContentID(rest)
	return id, id.Valid()
}

func (b *Backend) ensureBucket(name string) error {
	if name != b.bucket {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

func (b *Backend) rangeForObject(req *gofakes3.ObjectRangeRequest, size int64) (*gofakes3.ObjectRange, error) {
	if req == nil {
		return nil, nil
	}
	return req.Range(size)
}

// The published collection only changes through the gallery.

func (b *Backend) CreateBucket(name string) error {
	return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
}

func (b *Backend) DeleteBucket(name string) error { return errReadOnly }

func (b *Backend) ForceDeleteBucket(name string) error { return errReadOnly }

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	return gofakes3.ObjectDeleteResult{}, errReadOnly
}

func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	return gofakes3.PutObjectResult{}, errReadOnly
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	var result gofakes3.MultiDeleteResult
	for range objects {
		result.Error = append(result.Error, gofakes3.ErrorResultFromError(errReadOnly))
	}
	return result, result.AsError()
}

func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	return gofakes3.CopyObjectResult{}, errReadOnly
}

var errReadOnly error = gofakes3.ErrNotImplemented

// idHash is the raw digest a content id encodes, used as the ETag.
func idHash(id catalog.ContentID) []byte {
	sum, err := hex.DecodeString(string(id))
	if err != nil {
		return nil
	}
	return sum
}

type rangeReader struct {
	io.Reader
	closer io.Closer
}

func newRangeReader(rc io.ReadCloser, rng *gofakes3.ObjectRange) io.ReadCloser {
	if rng == nil {
		return rc
	}
	if _, err := io.CopyN(io.Discard, rc, rng.Start); err != nil && !errors.Is(err, io.EOF) {
		return &rangeReader{Reader: errReader{err}, closer: rc}
	}
	return &rangeReader{Reader: io.LimitReader(rc, rng.Length), closer: rc}
}

func (r *rangeReader) Close() error { return r.closer.Close() }

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
