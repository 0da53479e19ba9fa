package bundleitem

import (
	"bytes"
	"fmt"
)

// MaxTagBytes bounds the encoded tag section of a single item.
const MaxTagBytes = 4096

// Well-known tag names.
const (
	TagContentType   = "Content-Type"
	TagBundleFormat  = "Bundle-Format"
	TagBundleVersion = "Bundle-Version"
)

// Tag is one (name, value) pair from an item header. Order is significant:
// tags participate in the signed deep-hash in wire order.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EncodeTags serializes tags in the bundle format's Avro-style encoding:
// a zigzag-varint block count, length-prefixed name and value bytes per
// tag, and a zero terminator. No tags encodes to an empty byte string.
func EncodeTags(tags []Tag) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	buf := appendZigZag(nil, int64(len(tags)))
	for _, t := range tags {
		buf = appendZigZag(buf, int64(len(t.Name)))
		buf = append(buf, t.Name...)
		buf = appendZigZag(buf, int64(len(t.Value)))
		buf = append(buf, t.Value...)
	}
	buf = append(buf, 0)
	if len(buf) > MaxTagBytes {
		return nil, fmt.Errorf("%w: encoded tags are %d bytes", ErrInvalidHeader, len(buf))
	}
	return buf, nil
}

// DecodeTags parses the Avro-style tag section. Negative block counts
// (count followed by a block byte size) are tolerated per the Avro spec.
func DecodeTags(raw []byte) ([]Tag, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(raw)
	var tags []Tag
	for {
		count, err := readZigZag(r)
		if err != nil {
			return nil, fmt.Errorf("%w: tag block count: %v", ErrInvalidHeader, err)
		}
		if count == 0 {
			break
		}
		if count < 0 {
			if _, err := readZigZag(r); err != nil {
				return nil, fmt.Errorf("%w: tag block size: %v", ErrInvalidHeader, err)
			}
			count = -count
		}
		for i := int64(0); i < count; i++ {
			name, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("%w: tag name: %v", ErrInvalidHeader, err)
			}
			value, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("%w: tag value: %v", ErrInvalidHeader, err)
			}
			tags = append(tags, Tag{Name: string(name), Value: string(value)})
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing tag bytes", ErrInvalidHeader, r.Len())
	}
	return tags, nil
}

// TagValue returns the first value for name, or "" when absent.
func TagValue(tags []Tag, name string) string {
	for _, t := range tags {
		if t.Name == name {
			return t.Value
		}
	}
	return ""
}

// IsNestedBundle reports whether the tags declare the payload to be a
// binary bundle of further items.
func IsNestedBundle(tags []Tag) bool {
	return TagValue(tags, TagBundleFormat) == "binary" && TagValue(tags, TagBundleVersion) != ""
}

func appendZigZag(b []byte, v int64) []byte {
	u := uint64(v<<1) ^ uint64(v>>63)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

func readZigZag(r *bytes.Reader) (int64, error) {
	var u uint64
	var shift uint
	for {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		u |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("varint overflow")
		}
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

func readSized(r *bytes.Reader) ([]byte, error) {
	n, err := readZigZag(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > int64(r.Len()) {
		return nil, fmt.Errorf("bad length %d", n)
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
