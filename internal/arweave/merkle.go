package arweave

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// Chunked transactions commit to their payload through a Merkle tree over
// fixed-size chunks. The tree yields the data_root carried in the signed
// transaction and a per-chunk inclusion proof (data_path) presented when
// seeding chunks to a gateway.

const (
	// MaxChunkSize is the canonical chunk size for transaction data.
	MaxChunkSize = 256 * 1024
	// MinChunkSize bounds the final chunk: a smaller remainder causes the
	// last full chunk and the remainder to be rebalanced into two halves.
	MinChunkSize = 32 * 1024

	noteSize = 32
	hashSize = 32
)

// Chunk is one leaf of the data tree.
type Chunk struct {
	DataHash     []byte
	MinByteRange int64
	MaxByteRange int64
}

// ChunkTree holds the data root and inclusion proofs for one payload.
type ChunkTree struct {
	DataRoot []byte
	DataSize int64
	Chunks   []Chunk

	proofs [][]byte
}

// chunkSizes computes chunk boundaries for a payload of the given size.
// Chunks are MaxChunkSize each except when the trailing remainder would
// fall below MinChunkSize, in which case the final two chunks are
// rebalanced into near-equal halves.
func chunkSizes(size int64) []int64 {
	if size <= 0 {
		return []int64{0}
	}
	var sizes []int64
	remaining := size
	for remaining >= MaxChunkSize {
		chunkSize := int64(MaxChunkSize)
		tail := remaining - MaxChunkSize
		if tail > 0 && tail < MinChunkSize {
			chunkSize = (remaining + 1) / 2
		}
		sizes = append(sizes, chunkSize)
		remaining -= chunkSize
	}
	if remaining > 0 {
		sizes = append(sizes, remaining)
	}
	return sizes
}

// BuildChunkTree consumes exactly size bytes from r and returns the chunk
// tree. Only chunk hashes are retained, so multi-gigabyte spool files can
// be processed in one sequential pass; callers re-read chunk bytes by range
// when seeding.
func BuildChunkTree(r io.Reader, size int64) (*ChunkTree, error) {
	sizes := chunkSizes(size)
	chunks := make([]Chunk, 0, len(sizes))
	buf := make([]byte, MaxChunkSize)

	var cursor int64
	for _, sz := range sizes {
		b := buf[:sz]
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("read chunk at offset %d: %w", cursor, err)
		}
		h := sha256.Sum256(b)
		chunks = append(chunks, Chunk{
			DataHash:     h[:],
			MinByteRange: cursor,
			MaxByteRange: cursor + sz,
		})
		cursor += sz
	}

	root := buildLayers(generateLeaves(chunks))

	tree := &ChunkTree{
		DataRoot: root.id,
		DataSize: size,
		Chunks:   chunks,
	}
	tree.proofs = make([][]byte, 0, len(chunks))
	appendProofs(root, nil, &tree.proofs)
	return tree, nil
}

// Proof returns the data_path for chunk i.
func (t *ChunkTree) Proof(i int) []byte { return t.proofs[i] }

type merkleNode struct {
	id           []byte
	byteRange    int64
	maxByteRange int64
	leaf         bool
	dataHash     []byte
	left, right  *merkleNode
}

func generateLeaves(chunks []Chunk) []*merkleNode {
	leaves := make([]*merkleNode, 0, len(chunks))
	for _, c := range chunks {
		hData := sha256.Sum256(c.DataHash)
		hNote := sha256.Sum256(noteBytes(c.MaxByteRange))
		id := sha256.Sum256(append(hData[:], hNote[:]...))
		leaves = append(leaves, &merkleNode{
			id:           id[:],
			maxByteRange: c.MaxByteRange,
			leaf:         true,
			dataHash:     c.DataHash,
		})
	}
	return leaves
}

// buildLayers pairs nodes level by level. An unpaired trailing node is
// promoted unchanged, so every branch has exactly two children.
func buildLayers(nodes []*merkleNode) *merkleNode {
	for len(nodes) > 1 {
		next := make([]*merkleNode, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				next = append(next, nodes[i])
				continue
			}
			next = append(next, hashBranch(nodes[i], nodes[i+1]))
		}
		nodes = next
	}
	return nodes[0]
}

func hashBranch(left, right *merkleNode) *merkleNode {
	hLeft := sha256.Sum256(left.id)
	hRight := sha256.Sum256(right.id)
	hNote := sha256.Sum256(noteBytes(left.maxByteRange))

	buf := make([]byte, 0, 3*hashSize)
	buf = append(buf, hLeft[:]...)
	buf = append(buf, hRight[:]...)
	buf = append(buf, hNote[:]...)
	id := sha256.Sum256(buf)

	return &merkleNode{
		id:           id[:],
		byteRange:    left.maxByteRange,
		maxByteRange: right.maxByteRange,
		left:         left,
		right:        right,
	}
}

// appendProofs walks the tree left to right so proofs land in chunk order.
// A proof is the concatenation, root to leaf, of (leftId || rightId ||
// note(split)) per branch followed by (dataHash || note(maxByteRange)) at
// the leaf.
func appendProofs(n *merkleNode, prefix []byte, proofs *[][]byte) {
	if n.leaf {
		p := make([]byte, 0, len(prefix)+hashSize+noteSize)
		p = append(p, prefix...)
		p = append(p, n.dataHash...)
		p = append(p, noteBytes(n.maxByteRange)...)
		*proofs = append(*proofs, p)
		return
	}
	next := make([]byte, 0, len(prefix)+2*hashSize+noteSize)
	next = append(next, prefix...)
	next = append(next, n.left.id...)
	next = append(next, n.right.id...)
	next = append(next, noteBytes(n.byteRange)...)
	appendProofs(n.left, next, proofs)
	appendProofs(n.right, next, proofs)
}

// noteBytes encodes a byte offset as a 32-byte big-endian integer.
func noteBytes(v int64) []byte {
	b := make([]byte, noteSize)
	binary.BigEndian.PutUint64(b[noteSize-8:], uint64(v))
	return b
}
