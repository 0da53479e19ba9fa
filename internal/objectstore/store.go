package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// RawPrefix namespaces canonical data item keys so external retrievers can
// list them without seeing spool or multipart scratch objects.
const RawPrefix = "raw-data-item/"

// MultipartPrefix namespaces in-progress multipart upload parts.
const MultipartPrefix = "multipart/"

// QuarantinePrefix namespaces bytes pulled out of the admission path, kept
// for abuse forensics instead of deleted.
const QuarantinePrefix = "quarantine/"

// MetaPayloadDataStart is the user-metadata key recording where the payload
// begins inside a stored item (the byte offset past the envelope header).
const MetaPayloadDataStart = "Payload-Data-Start"

// ErrNotFound is returned when a key does not exist. Delete on a missing
// key is not an error; the stores are idempotent on key.
var ErrNotFound = errors.New("objectstore: not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key              string
	Size             int64
	ContentType      string
	PayloadDataStart int64
	LastModified     time.Time
}

// Store is one storage tier holding raw item bytes. Implementations must be
// idempotent on key: re-putting overwrites, re-deleting succeeds.
type Store interface {
	// Put stores the stream under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, ctype string, payloadDataStart int64) error

	// Get opens the object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange opens length bytes starting at offset. length -1 reads to
	// the end.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Stat returns object metadata.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// ListByPrefix pages keys under prefix in lexicographic order starting
	// after cursor. It returns the infos and the cursor for the next page,
	// empty when the listing is exhausted.
	ListByPrefix(ctx context.Context, prefix, cursor string, limit int) ([]ObjectInfo, string, error)
}

// Move re-puts src under dst and deletes src. The stores expose no
// server-side rename, so the copy streams.
func Move(ctx context.Context, s Store, src, dst string) error {
	info, err := s.Stat(ctx, src)
	if err != nil {
		return err
	}
	r, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := s.Put(ctx, dst, r, info.Size, info.ContentType, info.PayloadDataStart); err != nil {
		return err
	}
	return s.Delete(ctx, src)
}

// RawKey returns the canonical object key for a data item id.
func RawKey(itemID string) string {
	return RawPrefix + itemID
}

// QuarantineKey returns the object key quarantined item bytes move to.
func QuarantineKey(itemID string) string {
	return QuarantinePrefix + itemID
}

// MultipartPartKey returns the object key for one part of a multipart upload.
func MultipartPartKey(uploadID string, part int) string {
	return MultipartPrefix + uploadID + "/part-" + itoaPadded(part)
}

// itoaPadded zero-pads part numbers so lexicographic listing preserves
// part order.
func itoaPadded(n int) string {
	const width = 6
	digits := "000000"
	s := ""
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	if s == "" {
		s = "0"
	}
	if len(s) < width {
		s = digits[:width-len(s)] + s
	}
	return s
}
