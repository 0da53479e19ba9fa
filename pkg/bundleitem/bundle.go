package bundleitem

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// The bundle container: a 32-byte little-endian item count, one 64-byte
// index entry per item (32-byte LE size, 32-byte raw id), then the item
// bodies back to back.

const (
	bundleCountLen = 32
	bundleEntryLen = 64
)

// BundleEntry is one index row of a bundle.
type BundleEntry struct {
	ID   string // base64url item id
	Size int64  // full wire size of the item
}

// WriteBundleHeader emits the count and index section. Callers stream the
// item bodies afterwards in entry order.
func WriteBundleHeader(w io.Writer, entries []BundleEntry) error {
	var count [bundleCountLen]byte
	binary.LittleEndian.PutUint64(count[:8], uint64(len(entries)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for _, e := range entries {
		rawID, err := base64.RawURLEncoding.DecodeString(e.ID)
		if err != nil || len(rawID) != 32 {
			return fmt.Errorf("%w: bundle entry id %q", ErrInvalidHeader, e.ID)
		}
		var row [bundleEntryLen]byte
		binary.LittleEndian.PutUint64(row[:8], uint64(e.Size))
		copy(row[32:], rawID)
		if _, err := w.Write(row[:]); err != nil {
			return err
		}
	}
	return nil
}

// BundleHeaderSize returns the byte length of the count and index section
// for n items. The first item body starts at this offset.
func BundleHeaderSize(n int) int64 {
	return bundleCountLen + int64(n)*bundleEntryLen
}

// ParseBundleHeader reads the count and index section from r, leaving r
// positioned at the first item body.
func ParseBundleHeader(r io.Reader) ([]BundleEntry, error) {
	var count [bundleCountLen]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("%w: bundle count: %v", ErrInvalidHeader, err)
	}
	n := binary.LittleEndian.Uint64(count[:8])
	for _, b := range count[8:] {
		if b != 0 {
			return nil, fmt.Errorf("%w: bundle count overflows uint64", ErrInvalidHeader)
		}
	}
	entries := make([]BundleEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var row [bundleEntryLen]byte
		if _, err := io.ReadFull(r, row[:]); err != nil {
			return nil, fmt.Errorf("%w: bundle entry %d: %v", ErrInvalidHeader, i, err)
		}
		size := binary.LittleEndian.Uint64(row[:8])
		entries = append(entries, BundleEntry{
			ID:   base64.RawURLEncoding.EncodeToString(row[32:]),
			Size: int64(size),
		})
	}
	return entries, nil
}

// EncodeBundle assembles an in-memory bundle from complete item wire forms.
// Used for nested bundles and tests; the pipeline streams bundles to disk
// with WriteBundleHeader instead.
func EncodeBundle(items [][]byte) ([]byte, error) {
	entries := make([]BundleEntry, len(items))
	for i, item := range items {
		h, _, err := DecodeHeader(bytes.NewReader(item))
		if err != nil {
			return nil, fmt.Errorf("bundle item %d: %w", i, err)
		}
		entries[i] = BundleEntry{ID: h.ID(), Size: int64(len(item))}
	}
	var buf bytes.Buffer
	if err := WriteBundleHeader(&buf, entries); err != nil {
		return nil, err
	}
	for _, item := range items {
		buf.Write(item)
	}
	return buf.Bytes(), nil
}

// NestedItem is one member of a nested bundle with its position inside the
// parent payload.
type NestedItem struct {
	Header *Header
	Offset int64 // start of the item within the parent payload
	Size   int64 // full wire size of the item
}

// ParseNestedBundle walks a bundle payload, decoding each member header and
// discarding payload bytes. The entry index and the decoded headers are
// cross-checked: an id or size mismatch invalidates the bundle.
func ParseNestedBundle(r io.Reader) ([]NestedItem, error) {
	entries, err := ParseBundleHeader(r)
	if err != nil {
		return nil, err
	}
	items := make([]NestedItem, 0, len(entries))
	offset := BundleHeaderSize(len(entries))
	for i, e := range entries {
		if e.Size <= 0 {
			return nil, fmt.Errorf("%w: bundle entry %d has size %d", ErrInvalidHeader, i, e.Size)
		}
		body := io.LimitReader(r, e.Size)
		h, tail, err := DecodeHeader(body)
		if err != nil {
			return nil, fmt.Errorf("nested item %d: %w", i, err)
		}
		if h.ID() != e.ID {
			return nil, fmt.Errorf("%w: nested item %d id mismatch", ErrInvalidHeader, i)
		}
		if _, err := io.Copy(io.Discard, tail); err != nil {
			return nil, fmt.Errorf("nested item %d payload: %w", i, err)
		}
		items = append(items, NestedItem{Header: h, Offset: offset, Size: e.Size})
		offset += e.Size
	}
	return items, nil
}
