package catalog

import (
	"crypto/sha256"
	"encoding/hex"
)

// MetadataFile is the name of the catalog document inside a blob directory,
// an archive and a remote source.
const MetadataFile = "metadata.json"

// ContentID is the lowercase hex SHA-256 digest of a blob.
type ContentID string

// IDOf computes the ContentID of data.
func IDOf(data []byte) ContentID {
	sum := sha256.Sum256(data)
	return ContentID(hex.EncodeToString(sum[:]))
}

// Valid reports whether id is a 64 character lowercase hex string.
func (id ContentID) Valid() bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Short returns the first n characters of id.
func (id ContentID) Short(n int) string {
	if n <= 0 || n >= len(id) {
		return string(id)
	}
	return string(id[:n])
}

func (id ContentID) String() string { return string(id) }

// Entry pairs a blob with its description.
type Entry struct {
	ID          ContentID `json:"id"`
	Description string    `json:"description"`
}

// Catalog is an immutable ordered mapping from ContentID to description.
// Iteration follows insertion order. A nil *Catalog behaves as empty.
type Catalog struct {
	keys  []ContentID
	descs map[ContentID]string
}

// New builds a catalog from entries. A repeated id keeps its first position
// and its last description.
func New(entries ...Entry) *Catalog {
	c := &Catalog{
		keys:  make([]ContentID, 0, len(entries)),
		descs: make(map[ContentID]string, len(entries)),
	}
	for _, e := range entries {
		c.set(e.ID, e.Description)
	}
	return c
}

// Empty returns a catalog with no entries.
func Empty() *Catalog { return New() }

func (c *Catalog) set(id ContentID, desc string) {
	if _, ok := c.descs[id]; !ok {
		c.keys = append(c.keys, id)
	}
	c.descs[id] = desc
}

func (c *Catalog) clone(extra int) *Catalog {
	out := &Catalog{
		keys:  make([]ContentID, 0, c.Len()+extra),
		descs: make(map[ContentID]string, c.Len()+extra),
	}
	if c == nil {
		return out
	}
	out.keys = append(out.keys, c.keys...)
	for k, v := range c.descs {
		out.descs[k] = v
	}
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Get returns the description for id.
func (c *Catalog) Get(id ContentID) (string, bool) {
	if c == nil {
		return "", false
	}
	desc, ok := c.descs[id]
	return desc, ok
}

// Has reports whether id is present.
func (c *Catalog) Has(id ContentID) bool {
	_, ok := c.Get(id)
	return ok
}

// IDs returns the ids in natural order.
func (c *Catalog) IDs() []ContentID {
	if c == nil {
		return nil
	}
	out := make([]ContentID, len(c.keys))
	copy(out, c.keys)
	return out
}

// Entries returns every entry in natural order.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, 0, len(c.keys))
	for _, id := range c.keys {
		out = append(out, Entry{ID: id, Description: c.descs[id]})
	}
	return out
}

// With returns a copy of c where id maps to desc.
func (c *Catalog) With(id ContentID, desc string) *Catalog {
	out := c.clone(1)
	out.set(id, desc)
	return out
}

// Without returns a copy of c without id.
func (c *Catalog) Without(id ContentID) *Catalog {
	if !c.Has(id) {
		return c.clone(0)
	}
	out := &Catalog{
		keys:  make([]ContentID, 0, c.Len()-1),
		descs: make(map[ContentID]string, c.Len()-1),
	}
	for _, k := range c.keys {
		if k == id {
			continue
		}
		out.keys = append(out.keys, k)
		out.descs[k] = c.descs[k]
	}
	return out
}

// Merge returns c with every entry of incoming added. Descriptions from
// incoming win on collision; entries only in c are kept.
func (c *Catalog) Merge(incoming *Catalog) *Catalog {
	out := c.clone(incoming.Len())
	if incoming == nil {
		return out
	}
	for _, id := range incoming.keys {
		out.set(id, incoming.descs[id])
	}
	return out
}

// Missing returns the ids of c that local does not contain, in c's order.
func (c *Catalog) Missing(local *Catalog) []ContentID {
	if c == nil {
		return nil
	}
	var out []ContentID
	for _, id := range c.keys {
		if !local.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Equal reports whether both catalogs hold the same entries in the same order.
func (c *Catalog) Equal(other *Catalog) bool {
	if c.Len() != other.Len() {
		return false
	}
	if c.Len() == 0 {
		return true
	}
	for i, id := range c.keys {
		if other.keys[i] != id || other.descs[id] != c.descs[id] {
			return false
		}
	}
	return true
}
