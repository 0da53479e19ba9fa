package bundleitem

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces item signatures for one scheme. Implementations must
// mirror the corresponding registry verifier exactly.
type Signer interface {
	Type() SignatureType
	Owner() []byte
	Sign(digest []byte) ([]byte, error)
}

// ArweaveSigner signs with an RSA-PSS 4096 wallet key.
type ArweaveSigner struct {
	key *rsa.PrivateKey
}

// NewArweaveSigner wraps an RSA private key. The key must be 4096 bits.
func NewArweaveSigner(key *rsa.PrivateKey) (*ArweaveSigner, error) {
	if key.N.BitLen() != 4096 {
		return nil, fmt.Errorf("arweave signer requires a 4096-bit key, got %d", key.N.BitLen())
	}
	return &ArweaveSigner{key: key}, nil
}

func (s *ArweaveSigner) Type() SignatureType { return SignatureTypeArweave }

// Owner returns the 512-byte modulus, the wire form of an RSA owner key.
func (s *ArweaveSigner) Owner() []byte {
	owner := make([]byte, 512)
	s.key.N.FillBytes(owner)
	return owner
}

func (s *ArweaveSigner) Sign(digest []byte) ([]byte, error) {
	hashed := sha256.Sum256(digest)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	return rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, hashed[:], opts)
}

// EthereumSigner signs with a secp256k1 key using the personal-sign prefix.
type EthereumSigner struct {
	key *ecdsa.PrivateKey
}

func NewEthereumSigner(key *ecdsa.PrivateKey) *EthereumSigner {
	return &EthereumSigner{key: key}
}

func (s *EthereumSigner) Type() SignatureType { return SignatureTypeEthereum }

// Owner returns the 65-byte uncompressed public key.
func (s *EthereumSigner) Owner() []byte {
	return ethcrypto.FromECDSAPub(&s.key.PublicKey)
}

func (s *EthereumSigner) Sign(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(digest), s.key)
	if err != nil {
		return nil, err
	}
	// Wallets emit v as 27/28; keep the wire form consistent with them.
	sig[64] += 27
	return sig, nil
}

// Ed25519Signer signs digests directly with an Ed25519 key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

func (s *Ed25519Signer) Type() SignatureType { return SignatureTypeEd25519 }

func (s *Ed25519Signer) Owner() []byte {
	return []byte(s.key.Public().(ed25519.PublicKey))
}

func (s *Ed25519Signer) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.key, digest), nil
}
