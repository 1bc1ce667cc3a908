// Package platform describes the host collaborators the core relies on:
// pickers that hand over user chosen files and a sharer that hands a blob
// to some other application.
package platform

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Locator is an opaque reference to a file chosen on the host, either a
// plain path or a file:// URI.
type Locator string

// ImagePicker asks the host for an image. ok is false when the user
// dismissed the picker.
type ImagePicker interface {
	PickImage(ctx context.Context) (loc Locator, ok bool, err error)
}

// ArchivePicker asks the host for a pack archive.
type ArchivePicker interface {
	PickArchive(ctx context.Context) (loc Locator, ok bool, err error)
}

// ShareOutcome reports what a Sharer did.
type ShareOutcome int

const (
	ShareCanceled ShareOutcome = iota
	ShareCopied
	ShareSent
)

func (o ShareOutcome) String() string {
	switch o {
	case ShareCopied:
		return "copied"
	case ShareSent:
		return "sent"
	default:
		return "canceled"
	}
}

// Sharer hands a blob to the host.
type Sharer interface {
	Share(ctx context.Context, loc Locator, description string) (ShareOutcome, error)
}

// ResolveLocator turns a locator into a local file path.
func ResolveLocator(loc Locator) (string, error) {
	s := strings.TrimSpace(string(loc))
	if s == "" {
		return "", xerrors.E(xerrors.KindInvalid, "resolve locator", "")
	}
	if strings.HasPrefix(s, "file:") {
		u, err := url.Parse(s)
		if err != nil {
			return "", xerrors.Wrap(xerrors.KindInvalid, "resolve locator", s, err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", xerrors.Wrap(xerrors.KindInvalid, "resolve locator", s, fmt.Errorf("remote host %q", u.Host))
		}
		s = u.Path
	}
	return filepath.FromSlash(s), nil
}

// OpenLocator opens the file a locator refers to.
func OpenLocator(loc Locator) (io.ReadCloser, error) {
	p, err := ResolveLocator(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), "open locator", p, err)
	}
	return f, nil
}

// ArgPicker returns a fixed locator, which is how the CLI "picks" files.
type ArgPicker struct {
	Locator Locator
}

func (p ArgPicker) PickImage(ctx context.Context) (Locator, bool, error) {
	return p.Locator, p.Locator != "", ctx.Err()
}

func (p ArgPicker) PickArchive(ctx context.Context) (Locator, bool, error) {
	return p.Locator, p.Locator != "", ctx.Err()
}
