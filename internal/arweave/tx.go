package arweave

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/bundlepay/server/pkg/bundleitem"
)

// TxTag is a transaction tag in wire form, both fields base64url.
type TxTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewTxTag encodes a plain name/value pair for the wire.
func NewTxTag(name, value string) TxTag {
	return TxTag{
		Name:  base64.RawURLEncoding.EncodeToString([]byte(name)),
		Value: base64.RawURLEncoding.EncodeToString([]byte(value)),
	}
}

// Transaction is a format-2 chain transaction. Data is committed through
// DataRoot and seeded separately in chunks, so Data stays empty regardless
// of payload size.
type Transaction struct {
	Format    int     `json:"format"`
	ID        string  `json:"id"`
	LastTx    string  `json:"last_tx"`
	Owner     string  `json:"owner"`
	Tags      []TxTag `json:"tags"`
	Target    string  `json:"target"`
	Quantity  string  `json:"quantity"`
	Data      string  `json:"data"`
	DataSize  string  `json:"data_size"`
	DataRoot  string  `json:"data_root"`
	Reward    string  `json:"reward"`
	Signature string  `json:"signature"`
}

// TxOptions carries the inputs for a data transaction.
type TxOptions struct {
	LastTx   string // anchor from /tx_anchor
	Reward   uint64 // winston
	Tags     []bundleitem.Tag
	DataRoot []byte
	DataSize int64
}

// NewDataTransaction builds and signs a format-2 data transaction carrying
// no quantity transfer.
func NewDataTransaction(w *Wallet, opts TxOptions) (*Transaction, error) {
	tags := make([]TxTag, 0, len(opts.Tags))
	for _, t := range opts.Tags {
		tags = append(tags, NewTxTag(t.Name, t.Value))
	}

	tx := &Transaction{
		Format:   2,
		LastTx:   opts.LastTx,
		Owner:    w.Owner(),
		Tags:     tags,
		Target:   "",
		Quantity: "0",
		Data:     "",
		DataSize: strconv.FormatInt(opts.DataSize, 10),
		DataRoot: base64.RawURLEncoding.EncodeToString(opts.DataRoot),
		Reward:   strconv.FormatUint(opts.Reward, 10),
	}

	digest, err := tx.SignatureData()
	if err != nil {
		return nil, err
	}
	sig, err := w.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	tx.Signature = base64.RawURLEncoding.EncodeToString(sig)

	id := sha256.Sum256(sig)
	tx.ID = base64.RawURLEncoding.EncodeToString(id[:])
	return tx, nil
}

// SignatureData computes the format-2 deep-hash digest the signature
// covers: format, owner, target, quantity, reward, anchor, tag list,
// data size, data root.
func (t *Transaction) SignatureData() ([]byte, error) {
	owner, err := base64.RawURLEncoding.DecodeString(t.Owner)
	if err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	target, err := base64.RawURLEncoding.DecodeString(t.Target)
	if err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	lastTx, err := base64.RawURLEncoding.DecodeString(t.LastTx)
	if err != nil {
		return nil, fmt.Errorf("decode last_tx: %w", err)
	}
	dataRoot, err := base64.RawURLEncoding.DecodeString(t.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("decode data_root: %w", err)
	}

	tagMembers := make([][]byte, 0, len(t.Tags))
	for i, tag := range t.Tags {
		name, err := base64.RawURLEncoding.DecodeString(tag.Name)
		if err != nil {
			return nil, fmt.Errorf("decode tag %d name: %w", i, err)
		}
		value, err := base64.RawURLEncoding.DecodeString(tag.Value)
		if err != nil {
			return nil, fmt.Errorf("decode tag %d value: %w", i, err)
		}
		tagMembers = append(tagMembers, bundleitem.DeepHashList(
			bundleitem.DeepHashBlob(name),
			bundleitem.DeepHashBlob(value),
		))
	}

	return bundleitem.DeepHashList(
		bundleitem.DeepHashBlob([]byte(strconv.Itoa(t.Format))),
		bundleitem.DeepHashBlob(owner),
		bundleitem.DeepHashBlob(target),
		bundleitem.DeepHashBlob([]byte(t.Quantity)),
		bundleitem.DeepHashBlob([]byte(t.Reward)),
		bundleitem.DeepHashBlob(lastTx),
		bundleitem.DeepHashList(tagMembers...),
		bundleitem.DeepHashBlob([]byte(t.DataSize)),
		bundleitem.DeepHashBlob(dataRoot),
	), nil
}

// ChunkUpload is the body POSTed to /chunk when seeding one chunk.
type ChunkUpload struct {
	DataRoot string `json:"data_root"`
	DataSize string `json:"data_size"`
	DataPath string `json:"data_path"`
	Offset   string `json:"offset"`
	Chunk    string `json:"chunk"`
}

// NewChunkUpload pairs chunk i's bytes with its inclusion proof.
func NewChunkUpload(tree *ChunkTree, i int, data []byte) *ChunkUpload {
	return &ChunkUpload{
		DataRoot: base64.RawURLEncoding.EncodeToString(tree.DataRoot),
		DataSize: strconv.FormatInt(tree.DataSize, 10),
		DataPath: base64.RawURLEncoding.EncodeToString(tree.Proof(i)),
		Offset:   strconv.FormatInt(tree.Chunks[i].MaxByteRange-1, 10),
		Chunk:    base64.RawURLEncoding.EncodeToString(data),
	}
}
