package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLocator(t *testing.T) {
	testcases := []struct {
		in   Locator
		want string
	}{
		{in: "/tmp/a.zip", want: filepath.FromSlash("/tmp/a.zip")},
		{in: "file:///tmp/a.zip", want: filepath.FromSlash("/tmp/a.zip")},
		{in: "file://localhost/tmp/a%20b.zip", want: filepath.FromSlash("/tmp/a b.zip")},
		{in: "relative/x", want: filepath.FromSlash("relative/x")},
	}
	for _, tc := range testcases {
		got, err := ResolveLocator(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := ResolveLocator("")
	assert.Error(t, err)
	_, err = ResolveLocator("file://elsewhere/x")
	assert.Error(t, err)
}

func TestArgPicker(t *testing.T) {
	loc, ok, err := ArgPicker{Locator: "/x.png"}.PickImage(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Locator("/x.png"), loc)

	_, ok, _ = ArgPicker{}.PickArchive(context.Background())
	assert.False(t, ok)
}

func TestShareName(t *testing.T) {
	id := "0123456789abcdef0123"
	assert.Equal(t, "cute pig-0123456789ab.png", ShareName(" cute pig ", id, ".png"))
	assert.Equal(t, "a_b_c-0123456789ab", ShareName("a/b\\c", id, ""))
	assert.Equal(t, "0123456789ab.jpg", ShareName("...", id, ".jpg"))
}

func TestExtensionFor(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	assert.Equal(t, ".png", ExtensionFor(png))
	assert.Equal(t, ".jpg", ExtensionFor([]byte("\xff\xd8\xff\xe0")))
	assert.Equal(t, "", ExtensionFor([]byte("plain text")))
}

func TestDirSharerCopies(t *testing.T) {
	src := filepath.Join(t.TempDir(), "0123456789abcdef")
	require.NoError(t, os.WriteFile(src, []byte("GIF89a-data"), 0o644))
	out := t.TempDir()

	outcome, err := DirSharer{Dir: out}.Share(context.Background(), Locator("file://"+filepath.ToSlash(src)), "dancing pig")
	require.NoError(t, err)
	assert.Equal(t, ShareCopied, outcome)

	data, err := os.ReadFile(filepath.Join(out, "dancing pig-0123456789ab.gif"))
	require.NoError(t, err)
	assert.Equal(t, "GIF89a-data", string(data))
}
