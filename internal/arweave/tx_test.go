package arweave

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/bundlepay/server/pkg/bundleitem"
)

func TestNewDataTransaction(t *testing.T) {
	w := testWallet(t)

	data := []byte("bundle bytes")
	tree, err := BuildChunkTree(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("BuildChunkTree: %v", err)
	}

	tx, err := NewDataTransaction(w, TxOptions{
		LastTx:   base64.RawURLEncoding.EncodeToString(make([]byte, 48)),
		Reward:   123456789,
		Tags:     []bundleitem.Tag{{Name: "Bundle-Format", Value: "binary"}, {Name: "Bundle-Version", Value: "2.0.0"}},
		DataRoot: tree.DataRoot,
		DataSize: tree.DataSize,
	})
	if err != nil {
		t.Fatalf("NewDataTransaction: %v", err)
	}

	if tx.Format != 2 {
		t.Fatalf("Format = %d, want 2", tx.Format)
	}
	if tx.Quantity != "0" || tx.Target != "" || tx.Data != "" {
		t.Fatal("data transactions must carry no transfer and no inline data")
	}
	if tx.DataSize != "12" {
		t.Fatalf("DataSize = %s, want 12", tx.DataSize)
	}
	if tx.Reward != "123456789" {
		t.Fatalf("Reward = %s, want 123456789", tx.Reward)
	}

	// ID is base64url(sha256(signature)).
	sig, err := base64.RawURLEncoding.DecodeString(tx.Signature)
	if err != nil {
		t.Fatalf("signature not base64url: %v", err)
	}
	id := sha256.Sum256(sig)
	if tx.ID != base64.RawURLEncoding.EncodeToString(id[:]) {
		t.Fatal("ID does not match sha256 of signature")
	}

	// The signature must verify over the recomputed digest.
	digest, err := tx.SignatureData()
	if err != nil {
		t.Fatalf("SignatureData: %v", err)
	}
	if err := w.Verify(digest, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSignatureDataSensitivity(t *testing.T) {
	w := testWallet(t)

	build := func(reward uint64) *Transaction {
		tx, err := NewDataTransaction(w, TxOptions{
			LastTx:   "",
			Reward:   reward,
			DataRoot: bytes.Repeat([]byte{7}, 32),
			DataSize: 1024,
		})
		if err != nil {
			t.Fatalf("NewDataTransaction: %v", err)
		}
		return tx
	}

	a := build(100)
	b := build(200)

	da, err := a.SignatureData()
	if err != nil {
		t.Fatal(err)
	}
	db, err := b.SignatureData()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(da, db) {
		t.Fatal("digests for different rewards must differ")
	}
}

func TestSignatureDataRejectsBadEncoding(t *testing.T) {
	tx := &Transaction{Format: 2, Owner: "!!!not-base64url!!!"}
	if _, err := tx.SignatureData(); err == nil {
		t.Fatal("expected error for invalid owner encoding")
	}
}
