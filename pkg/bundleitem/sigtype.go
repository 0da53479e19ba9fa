package bundleitem

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureType is the 2-byte scheme code carried at the head of every item.
type SignatureType uint16

const (
	// SignatureTypeArweave is RSA-PSS over a 4096-bit key, the chain's
	// native wallet scheme.
	SignatureTypeArweave SignatureType = 1

	// SignatureTypeEthereum is ECDSA over secp256k1 with the personal-sign
	// message prefix.
	SignatureTypeEthereum SignatureType = 3

	// SignatureTypeEd25519 signs the digest directly.
	SignatureTypeEd25519 SignatureType = 4
)

// SignatureSpec describes one row of the signature-type table. New schemes
// are supported by adding a row.
type SignatureSpec struct {
	Name            string
	SignatureLength int
	OwnerLength     int

	// Verify checks sig over the deep-hash digest against the owner
	// public key bytes.
	Verify func(owner, digest, sig []byte) error

	// OwnerAddress derives the display address for the owner key.
	OwnerAddress func(owner []byte) (string, error)
}

var signatureSpecs = map[SignatureType]SignatureSpec{
	SignatureTypeArweave: {
		Name:            "arweave",
		SignatureLength: 512,
		OwnerLength:     512,
		Verify:          verifyArweave,
		OwnerAddress:    sha256B64Address,
	},
	SignatureTypeEthereum: {
		Name:            "ethereum",
		SignatureLength: 65,
		OwnerLength:     65,
		Verify:          verifyEthereum,
		OwnerAddress:    ethereumAddress,
	},
	SignatureTypeEd25519: {
		Name:            "ed25519",
		SignatureLength: 64,
		OwnerLength:     32,
		Verify:          verifyEd25519,
		OwnerAddress:    sha256B64Address,
	},
}

// SpecFor looks up the registry row for a scheme code.
func SpecFor(t SignatureType) (SignatureSpec, bool) {
	spec, ok := signatureSpecs[t]
	return spec, ok
}

// verifyArweave checks an RSA-PSS signature. The digest is SHA-256 hashed
// before verification, matching the chain wallet convention.
func verifyArweave(owner, digest, sig []byte) error {
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: 65537}
	hashed := sha256.Sum256(digest)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, opts); err != nil {
		return fmt.Errorf("%w: rsa-pss: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// verifyEthereum recovers the secp256k1 public key from a personal-sign
// signature over the digest and requires it to equal the owner key.
func verifyEthereum(owner, digest, sig []byte) error {
	if len(sig) != 65 {
		return fmt.Errorf("%w: ethereum signature length %d", ErrSignatureInvalid, len(sig))
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	prefixed := accounts.TextHash(digest)
	recovered, err := ethcrypto.Ecrecover(prefixed, norm)
	if err != nil {
		return fmt.Errorf("%w: ecrecover: %v", ErrSignatureInvalid, err)
	}
	if !bytes.Equal(recovered, owner) {
		return fmt.Errorf("%w: recovered key does not match owner", ErrSignatureInvalid)
	}
	return nil
}

func verifyEd25519(owner, digest, sig []byte) error {
	if len(owner) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: ed25519 owner length %d", ErrSignatureInvalid, len(owner))
	}
	if !ed25519.Verify(ed25519.PublicKey(owner), digest, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// sha256B64Address is the chain-native address form: base64url of the
// SHA-256 of the owner key bytes.
func sha256B64Address(owner []byte) (string, error) {
	sum := sha256.Sum256(owner)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ethereumAddress derives the EIP-55 checksummed hex address from the
// uncompressed secp256k1 public key.
func ethereumAddress(owner []byte) (string, error) {
	pub, err := ethcrypto.UnmarshalPubkey(owner)
	if err != nil {
		return "", fmt.Errorf("%w: owner is not a secp256k1 public key: %v", ErrInvalidHeader, err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}
