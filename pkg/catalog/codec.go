package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pigseek/pigseek/pkg/xerrors"
)

// Decode reads a metadata document: a single JSON object whose values are
// descriptions. Key order in the document becomes the catalog order.
// Anything else is reported as a KindParse error.
func Decode(r io.Reader) (*Catalog, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindParse, "catalog decode", "", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, xerrors.Wrap(xerrors.KindParse, "catalog decode", "", fmt.Errorf("expected object, got %v", tok))
	}
	out := Empty()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindParse, "catalog decode", "", err)
		}
		key, _ := tok.(string)
		var desc string
		if err := dec.Decode(&desc); err != nil {
			return nil, xerrors.Wrap(xerrors.KindParse, "catalog decode", key, err)
		}
		out.set(ContentID(key), desc)
	}
	if _, err := dec.Token(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindParse, "catalog decode", "", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.KindParse, "catalog decode", "", errors.New("trailing data after object"))
	}
	return out, nil
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(data []byte) (*Catalog, error) {
	return Decode(bytes.NewReader(data))
}

// Encode writes c as an indented JSON object in natural order.
func Encode(w io.Writer, c *Catalog) error {
	data, err := c.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}

// EncodeBytes is Encode into a byte slice.
func EncodeBytes(c *Catalog) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler, keeping natural order.
func (c *Catalog) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c.Entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(string(e.ID))
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Description)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Catalog) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeBytes(data)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}
