package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is a single top-level scalar value of a record image
type Field struct {
	Name  string
	Value string
}

// Image is a snapshot of a record as an ordered list of fields. Field order is
// the order the source delivered them in, which plain maps cannot keep.
type Image []Field

// ImageOf builds an image from alternating name/value pairs
func ImageOf(pairs ...string) Image {
	if len(pairs)%2 != 0 {
		panic("models.ImageOf: odd argument count")
	}
	b := NewImageBuilder(len(pairs) / 2)
	for i := 0; i < len(pairs); i += 2 {
		b.Set(pairs[i], pairs[i+1])
	}
	return b.Image()
}

// ImageBuilder assembles an image field by field. A repeated name keeps its
// first position and takes the latest value.
type ImageBuilder struct {
	img   Image
	index map[string]int
}

// NewImageBuilder creates a builder sized for n fields
func NewImageBuilder(n int) *ImageBuilder {
	return &ImageBuilder{
		img:   make(Image, 0, n),
		index: make(map[string]int, n),
	}
}

// Set adds or replaces a field
func (b *ImageBuilder) Set(name, value string) {
	if i, ok := b.index[name]; ok {
		b.img[i].Value = value
		return
	}
	b.index[name] = len(b.img)
	b.img = append(b.img, Field{Name: name, Value: value})
}

// Image returns the built image, never nil
func (b *ImageBuilder) Image() Image {
	return b.img
}

// Get returns the value of the named field. For a repeated name that is the
// last value.
func (img Image) Get(name string) (string, bool) {
	for i := len(img) - 1; i >= 0; i-- {
		if img[i].Name == name {
			return img[i].Value, true
		}
	}
	return "", false
}

// Keys returns the field names in order
func (img Image) Keys() []string {
	keys := make([]string, 0, len(img))
	for _, f := range img {
		keys = append(keys, f.Name)
	}
	return keys
}

// Map returns the fields as a map for constant-time lookup. For a repeated
// name the last value wins.
func (img Image) Map() map[string]string {
	m := make(map[string]string, len(img))
	for _, f := range img {
		m[f.Name] = f.Value
	}
	return m
}

// Clone returns a copy of the image
func (img Image) Clone() Image {
	if img == nil {
		return nil
	}
	out := make(Image, len(img))
	copy(out, img)
	return out
}

// MarshalJSON encodes the image as a JSON object in field order
func (img Image) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range img {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order. Numbers and booleans
// are kept as their literal text; nulls, objects and arrays are dropped since
// only top-level scalars take part in diffing.
func (img *Image) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if tok == nil {
		*img = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("image must be a JSON object, got %v", tok)
	}

	out := NewImageBuilder(0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read image key: %w", err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to read image field %q: %w", key, err)
		}
		switch raw[0] {
		case '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("failed to decode image field %q: %w", key, err)
			}
			out.Set(key, s)
		case 'n', '{', '[':
			continue
		default:
			out.Set(key, string(raw))
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	*img = out.Image()
	return nil
}
