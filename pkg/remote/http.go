package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pigseek/pigseek/pkg/catalog"
	"github.com/pigseek/pigseek/pkg/xerrors"
)

// GitHubRawBase is the host serving raw repository files.
const GitHubRawBase = "https://raw.githubusercontent.com"

// Default community data repository.
const (
	DefaultGitHubOwner  = "shadow3aaa"
	DefaultGitHubRepo   = "PigSeek-Data"
	DefaultGitHubBranch = "main"
)

// HTTPSource fetches a published collection over plain HTTP GET.
type HTTPSource struct {
	baseURL    string
	blobPrefix string
	client     *http.Client
}

// HTTPConfig configures an HTTPSource.
type HTTPConfig struct {
	BaseURL    string
	BlobPrefix string
	Client     *http.Client
}

// NewHTTPSource builds an HTTPSource rooted at cfg.BaseURL.
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "remote", "base url required")
	}
	prefix := cfg.BlobPrefix
	if prefix == "" {
		prefix = DefaultBlobPrefix
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{baseURL: base, blobPrefix: prefix, client: client}, nil
}

// NewGitHubSource returns a source reading raw files of a GitHub repository
// branch. Empty arguments select the community data repository.
func NewGitHubSource(owner, repo, branch string, client *http.Client) (*HTTPSource, error) {
	if owner == "" {
		owner = DefaultGitHubOwner
	}
	if repo == "" {
		repo = DefaultGitHubRepo
	}
	if branch == "" {
		branch = DefaultGitHubBranch
	}
	return NewHTTPSource(HTTPConfig{
		BaseURL:    strings.Join([]string{GitHubRawBase, owner, repo, branch}, "/"),
		BlobPrefix: DefaultBlobPrefix,
		Client:     client,
	})
}

// BaseURL returns the collection root.
func (h *HTTPSource) BaseURL() string { return h.baseURL }

// FetchCatalog downloads and decodes metadata.json.
func (h *HTTPSource) FetchCatalog(ctx context.Context) (*catalog.Catalog, error) {
	body, err := h.get(ctx, h.objectURL(catalog.MetadataFile))
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return catalog.Decode(body)
}

// FetchBlob opens the blob stored under id.
func (h *HTTPSource) FetchBlob(ctx context.Context, id catalog.ContentID) (io.ReadCloser, error) {
	if !id.Valid() {
		return nil, xerrors.E(xerrors.KindInvalid, "remote get", string(id))
	}
	return h.get(ctx, h.objectURL(BlobKey(h.blobPrefix, id)))
}

func (h *HTTPSource) objectURL(key string) string {
	return h.baseURL + "/" + key
}

func (h *HTTPSource) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "remote get", url, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.KindCanceled, "remote get", url, ctx.Err())
		}
		return nil, xerrors.Wrap(xerrors.KindNetwork, "remote get", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, xerrors.Wrap(xerrors.KindNetwork, "remote get", url,
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	return resp.Body, nil
}
