package platform

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

// DirSharer shares a blob by copying it into Dir under a readable name.
type DirSharer struct {
	Dir string
}

func (s DirSharer) Share(ctx context.Context, loc Locator, description string) (ShareOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ShareCanceled, err
	}
	src, err := OpenLocator(loc)
	if err != nil {
		return ShareCanceled, err
	}
	defer src.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return ShareCanceled, xerrors.Wrap(xerrors.KindIO, "share", string(loc), err)
	}
	head = head[:n]

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return ShareCanceled, xerrors.Wrap(xerrors.KindIO, "share", s.Dir, err)
	}
	base, _ := ResolveLocator(loc)
	name := ShareName(description, filepath.Base(base), ExtensionFor(head))
	dst, err := os.Create(filepath.Join(s.Dir, name))
	if err != nil {
		return ShareCanceled, xerrors.Wrap(xerrors.KindIO, "share", name, err)
	}
	if _, err := io.Copy(dst, io.MultiReader(bytes.NewReader(head), src)); err != nil {
		dst.Close()
		return ShareCanceled, xerrors.Wrap(xerrors.KindIO, "share", name, err)
	}
	if err := dst.Close(); err != nil {
		return ShareCanceled, xerrors.Wrap(xerrors.KindIO, "share", name, err)
	}
	return ShareCopied, nil
}

// ExtensionFor guesses a file extension from the first bytes of a blob.
func ExtensionFor(head []byte) string {
	switch http.DetectContentType(head) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "image/x-icon":
		return ".ico"
	default:
		return ""
	}
}

// ShareName builds a file name from a description and a content id:
// "<description>-<id prefix><ext>", with path separators and control
// characters removed.
func ShareName(description, id, ext string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(description))
	if r := []rune(clean); len(r) > 64 {
		clean = string(r[:64])
	}
	clean = strings.Trim(clean, ". ")
	short := id
	if len(short) > 12 {
		short = short[:12]
	}
	if clean == "" {
		return short + ext
	}
	return clean + "-" + short + ext
}
