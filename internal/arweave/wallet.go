package arweave

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/bundlepay/server/pkg/bundleitem"
)

// jwk is the wallet file layout used by chain tooling. All fields are
// base64url without padding.
type jwk struct {
	KeyType string `json:"kty"`
	N       string `json:"n"`
	E       string `json:"e"`
	D       string `json:"d"`
	P       string `json:"p"`
	Q       string `json:"q"`
	DP      string `json:"dp"`
	DQ      string `json:"dq"`
	QI      string `json:"qi"`
}

// Wallet is the service's chain-native RSA key. It signs transactions,
// upload receipts, and re-signed optical headers.
type Wallet struct {
	key     *rsa.PrivateKey
	address string
	owner   string
}

// LoadWallet reads a JWK wallet file from disk.
func LoadWallet(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}

	var k jwk
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("parse wallet file: %w", err)
	}
	if k.KeyType != "RSA" {
		return nil, fmt.Errorf("unsupported wallet key type %q", k.KeyType)
	}

	n, err := decodeJWKInt(k.N, "n")
	if err != nil {
		return nil, err
	}
	e, err := decodeJWKInt(k.E, "e")
	if err != nil {
		return nil, err
	}
	d, err := decodeJWKInt(k.D, "d")
	if err != nil {
		return nil, err
	}
	p, err := decodeJWKInt(k.P, "p")
	if err != nil {
		return nil, err
	}
	q, err := decodeJWKInt(k.Q, "q")
	if err != nil {
		return nil, err
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}

	return NewWallet(key)
}

// NewWallet wraps an RSA private key. Keys must be 4096 bits, the only
// modulus size the item wire format admits for this scheme.
func NewWallet(key *rsa.PrivateKey) (*Wallet, error) {
	if key.N.BitLen() != 4096 {
		return nil, fmt.Errorf("wallet key must be 4096 bits, got %d", key.N.BitLen())
	}

	owner := make([]byte, 512)
	key.N.FillBytes(owner)
	addr := sha256.Sum256(owner)

	return &Wallet{
		key:     key,
		address: base64.RawURLEncoding.EncodeToString(addr[:]),
		owner:   base64.RawURLEncoding.EncodeToString(owner),
	}, nil
}

// Address returns the wallet address, base64url(SHA-256(modulus)).
func (w *Wallet) Address() string { return w.address }

// Owner returns the base64url-encoded 512-byte modulus.
func (w *Wallet) Owner() string { return w.owner }

// Sign produces an RSA-PSS signature over SHA-256 of the given deep-hash
// digest, the construction chain nodes verify for transactions and receipts.
func (w *Wallet) Sign(digest []byte) ([]byte, error) {
	hashed := sha256.Sum256(digest)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	return rsa.SignPSS(rand.Reader, w.key, crypto.SHA256, hashed[:], opts)
}

// Verify checks a signature produced by Sign against the wallet's own key.
func (w *Wallet) Verify(digest, sig []byte) error {
	hashed := sha256.Sum256(digest)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	return rsa.VerifyPSS(&w.key.PublicKey, crypto.SHA256, hashed[:], sig, opts)
}

// ItemSigner returns a data item signer backed by this wallet, used when
// re-signing headers for the optical side channel.
func (w *Wallet) ItemSigner() (*bundleitem.ArweaveSigner, error) {
	return bundleitem.NewArweaveSigner(w.key)
}

func decodeJWKInt(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("wallet field %q missing", field)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wallet field %q: %w", field, err)
	}
	return new(big.Int).SetBytes(raw), nil
}
