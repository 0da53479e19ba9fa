package arweave

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// testWalletKey generates the shared 4096-bit test key once; generation is
// too slow to repeat per test.
func testWalletKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewWallet(testWalletKey(t))
	if err != nil {
		t.Fatalf("NewWallet: %v", err)
	}
	return w
}

func TestNewWalletRejectsSmallKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewWallet(key); err == nil {
		t.Fatal("expected error for 2048-bit key")
	}
}

func TestWalletAddressDerivation(t *testing.T) {
	w := testWallet(t)

	if len(w.Address()) != 43 {
		t.Fatalf("address length = %d, want 43", len(w.Address()))
	}
	owner, err := base64.RawURLEncoding.DecodeString(w.Owner())
	if err != nil {
		t.Fatalf("owner not base64url: %v", err)
	}
	if len(owner) != 512 {
		t.Fatalf("owner length = %d, want 512", len(owner))
	}
}

func TestWalletSignVerify(t *testing.T) {
	w := testWallet(t)

	digest := []byte("forty-eight bytes of deep hash digest stand-in.")
	sig, err := w.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 512 {
		t.Fatalf("signature length = %d, want 512", len(sig))
	}
	if err := w.Verify(digest, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := w.Verify([]byte("different digest"), sig); err == nil {
		t.Fatal("Verify should fail for a different digest")
	}
}

func TestLoadWallet(t *testing.T) {
	key := testWalletKey(t)

	b64 := func(raw []byte) string { return base64.RawURLEncoding.EncodeToString(raw) }
	fileJWK := jwk{
		KeyType: "RSA",
		N:       b64(key.N.Bytes()),
		E:       b64([]byte{1, 0, 1}),
		D:       b64(key.D.Bytes()),
		P:       b64(key.Primes[0].Bytes()),
		Q:       b64(key.Primes[1].Bytes()),
	}
	raw, err := json.Marshal(fileJWK)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "wallet.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadWallet(path)
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}

	want := testWallet(t)
	if loaded.Address() != want.Address() {
		t.Fatalf("address = %s, want %s", loaded.Address(), want.Address())
	}

	// The loaded key must produce signatures the original key verifies.
	digest := []byte("cross-check digest")
	sig, err := loaded.Sign(digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := want.Verify(digest, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestLoadWalletRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "not a wallet"},
		{"wrong key type", `{"kty":"EC","n":"AQ","e":"AQ","d":"AQ","p":"AQ","q":"AQ"}`},
		{"missing modulus", `{"kty":"RSA","e":"AQAB"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadWallet(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := LoadWallet(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
