package bundleitem

import (
	"bytes"
	"testing"
)

func TestDeepHashBlobDeterministic(t *testing.T) {
	a := DeepHashBlob([]byte("same bytes"))
	b := DeepHashBlob([]byte("same bytes"))
	if !bytes.Equal(a, b) {
		t.Fatal("identical blobs must hash identically")
	}
	if len(a) != 48 {
		t.Fatalf("digest length = %d, want 48", len(a))
	}
	c := DeepHashBlob([]byte("other bytes"))
	if bytes.Equal(a, c) {
		t.Fatal("distinct blobs must hash differently")
	}
}

func TestDeepHashLengthBinding(t *testing.T) {
	// The length tag distinguishes blobs whose SHA-384 preimage could
	// otherwise collide across list/blob shapes.
	blob := DeepHashBlob([]byte("ab"))
	list := DeepHashList(DeepHashBlob([]byte("a")), DeepHashBlob([]byte("b")))
	if bytes.Equal(blob, list) {
		t.Fatal("blob and list of the same bytes must hash differently")
	}
}

func TestDeepHashListOrderSensitive(t *testing.T) {
	x := DeepHashBlob([]byte("x"))
	y := DeepHashBlob([]byte("y"))
	if bytes.Equal(DeepHashList(x, y), DeepHashList(y, x)) {
		t.Fatal("list hash must depend on member order")
	}
}

func TestBlobHasherMatchesDeepHashBlob(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{name: "empty", chunks: nil},
		{name: "single write", chunks: [][]byte{[]byte("payload")}},
		{name: "split writes", chunks: [][]byte{[]byte("pay"), []byte("lo"), []byte("ad")}},
		{name: "large", chunks: [][]byte{bytes.Repeat([]byte{0x5A}, 1<<20)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var whole []byte
			bh := NewBlobHasher()
			for _, c := range tt.chunks {
				whole = append(whole, c...)
				if _, err := bh.Write(c); err != nil {
					t.Fatalf("Write: %v", err)
				}
			}
			if bh.Count() != int64(len(whole)) {
				t.Errorf("Count = %d, want %d", bh.Count(), len(whole))
			}
			if !bytes.Equal(bh.Sum(), DeepHashBlob(whole)) {
				t.Error("streamed digest differs from one-shot digest")
			}
		})
	}
}

func TestHashBlobReader(t *testing.T) {
	payload := bytes.Repeat([]byte("streaming"), 1000)
	digest, n, err := HashBlobReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("HashBlobReader: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("consumed %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(digest, DeepHashBlob(payload)) {
		t.Error("reader digest differs from one-shot digest")
	}
}
