package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

func TestIDOf(t *testing.T) {
	id := IDOf([]byte("abc"))
	assert.Equal(t, ContentID("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"), id)
	assert.True(t, id.Valid())
	assert.Equal(t, "ba7816bf8f01", id.Short(12))
}

func TestContentIDValid(t *testing.T) {
	assert.False(t, ContentID("").Valid())
	assert.False(t, ContentID("metadata.json").Valid())
	assert.False(t, ContentID(strings.Repeat("A", 64)).Valid())
	assert.False(t, ContentID("../"+strings.Repeat("a", 61)).Valid())
	assert.True(t, ContentID(strings.Repeat("0", 64)).Valid())
}

func TestCatalogIsImmutable(t *testing.T) {
	base := New(Entry{ID: "a", Description: "one"})
	next := base.With("b", "two")

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, next.Len())
	assert.False(t, base.Has("b"))

	removed := next.Without("a")
	assert.True(t, next.Has("a"))
	assert.Equal(t, []ContentID{"b"}, removed.IDs())
}

func TestCatalogWithKeepsPositionOnOverwrite(t *testing.T) {
	c := New(Entry{ID: "a", Description: "one"}, Entry{ID: "b", Description: "two"})
	c = c.With("a", "uno")
	assert.Equal(t, []Entry{{ID: "a", Description: "uno"}, {ID: "b", Description: "two"}}, c.Entries())
}

func TestCatalogMergeIncomingWins(t *testing.T) {
	local := New(Entry{ID: "x", Description: "old"}, Entry{ID: "y", Description: "keep"})
	incoming := New(Entry{ID: "x", Description: "new"}, Entry{ID: "z", Description: "added"})

	merged := local.Merge(incoming)
	assert.Equal(t, []Entry{
		{ID: "x", Description: "new"},
		{ID: "y", Description: "keep"},
		{ID: "z", Description: "added"},
	}, merged.Entries())
	assert.Equal(t, 2, local.Len())
}

func TestCatalogMissing(t *testing.T) {
	remote := New(Entry{ID: "a"}, Entry{ID: "b"}, Entry{ID: "c"})
	local := New(Entry{ID: "b"}, Entry{ID: "d"})
	assert.Equal(t, []ContentID{"a", "c"}, remote.Missing(local))
	assert.Empty(t, local.Missing(local))
	assert.Equal(t, []ContentID{"a", "b", "c"}, remote.Missing(nil))
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Entries())
	assert.True(t, c.Equal(Empty()))
	assert.Equal(t, 1, c.With("a", "x").Len())
}

func TestDecodePreservesDocumentOrder(t *testing.T) {
	doc := `{"c":"third","a":"first","b":"second"}`
	c, err := DecodeBytes([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []ContentID{"c", "a", "b"}, c.IDs())

	data, err := EncodeBytes(c)
	require.NoError(t, err)
	again, err := DecodeBytes(data)
	require.NoError(t, err)
	assert.True(t, c.Equal(again))
}

func TestDecodeMalformed(t *testing.T) {
	for _, doc := range []string{
		``,
		`not json`,
		`[]`,
		`{"a": 1}`,
		`{"a": "x"`,
		`{"a": "x"} {}`,
	} {
		_, err := DecodeBytes([]byte(doc))
		require.Error(t, err, doc)
		assert.Equal(t, xerrors.KindParse, xerrors.KindOf(err), doc)
	}
}

func TestDecodeUnicodeDescriptions(t *testing.T) {
	c, err := DecodeBytes([]byte(`{"a":"猪猪 😀","b":"line\nbreak"}`))
	require.NoError(t, err)
	desc, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "猪猪 😀", desc)

	data, err := c.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"a":"猪猪 😀","b":"line\nbreak"}`, string(data))
}
