package bundleitem

import (
	"crypto/sha512"
	"hash"
	"io"
	"strconv"
)

// The chain's deep-hash construction: SHA-384 over tagged blobs and lists.
// A blob hashes as sha384(sha384("blob"||len) || sha384(data)); a list folds
// its members' deep-hashes into an accumulator seeded with
// sha384("list"||len). Item and transaction signatures are computed over
// deep-hash digests, never over raw bytes.

// DeepHashBlob returns the 48-byte deep-hash digest of a single blob.
func DeepHashBlob(data []byte) []byte {
	tag := sha512.Sum384([]byte("blob" + strconv.Itoa(len(data))))
	body := sha512.Sum384(data)
	final := sha512.Sum384(append(tag[:], body[:]...))
	return final[:]
}

// DeepHashList folds pre-computed member digests into a list digest.
// Members may themselves be blob or list digests.
func DeepHashList(members ...[]byte) []byte {
	acc := sha512.Sum384([]byte("list" + strconv.Itoa(len(members))))
	out := acc[:]
	for _, m := range members {
		next := sha512.Sum384(append(out, m...))
		out = next[:]
	}
	return out
}

// BlobHasher computes a blob deep-hash incrementally so multi-gigabyte
// payloads never need to be held in memory. The blob length tag is applied
// at Sum time from the streamed byte count.
type BlobHasher struct {
	h hash.Hash
	n int64
}

// NewBlobHasher returns a hasher ready to consume blob bytes.
func NewBlobHasher() *BlobHasher {
	return &BlobHasher{h: sha512.New384()}
}

// Write feeds blob bytes into the hasher. It never fails.
func (b *BlobHasher) Write(p []byte) (int, error) {
	b.h.Write(p)
	b.n += int64(len(p))
	return len(p), nil
}

// Count reports the number of bytes written so far.
func (b *BlobHasher) Count() int64 { return b.n }

// Sum finalizes the blob digest over everything written so far.
func (b *BlobHasher) Sum() []byte {
	tag := sha512.Sum384([]byte("blob" + strconv.FormatInt(b.n, 10)))
	body := b.h.Sum(nil)
	final := sha512.Sum384(append(tag[:], body...))
	return final[:]
}

// HashBlobReader drains r through a BlobHasher and returns the blob digest
// and the number of bytes consumed.
func HashBlobReader(r io.Reader) ([]byte, int64, error) {
	bh := NewBlobHasher()
	n, err := io.Copy(bh, r)
	if err != nil {
		return nil, n, err
	}
	return bh.Sum(), n, nil
}
