package arweave

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"

	"github.com/bundlepay/server/pkg/bundleitem"
)

// ReceiptVersion identifies the receipt digest layout. Bump it whenever the
// signed field set changes, or old receipts stop verifying.
const ReceiptVersion = "0.2.0"

// receiptDigestTag namespaces receipt digests away from transaction and
// item digests that use the same deep-hash construction.
const receiptDigestTag = "bundler-receipt"

// Receipt is the signed upload acknowledgement returned to clients. It
// promises the item will be findable on chain by DeadlineHeight, and the
// signature lets clients hold the service to it.
type Receipt struct {
	ID                  string   `json:"id"`
	Timestamp           int64    `json:"timestamp"` // unix milliseconds
	Version             string   `json:"version"`
	ChainUnitPrice      string   `json:"chainUnitPrice"`
	DeadlineHeight      int64    `json:"deadlineHeight"`
	DataCaches          []string `json:"dataCaches"`
	FastFinalityIndexes []string `json:"fastFinalityIndexes"`
	Owner               string   `json:"owner,omitempty"`
	Signature           string   `json:"signature,omitempty"`
}

// digest covers every field a client relies on; cache lists are advisory
// and stay outside the signature.
func (r *Receipt) digest() []byte {
	return bundleitem.DeepHashList(
		bundleitem.DeepHashBlob([]byte(receiptDigestTag)),
		bundleitem.DeepHashBlob([]byte(r.Version)),
		bundleitem.DeepHashBlob([]byte(r.ID)),
		bundleitem.DeepHashBlob([]byte(strconv.FormatInt(r.Timestamp, 10))),
		bundleitem.DeepHashBlob([]byte(r.ChainUnitPrice)),
		bundleitem.DeepHashBlob([]byte(strconv.FormatInt(r.DeadlineHeight, 10))),
	)
}

// SignReceipt fills Owner and Signature in place.
func SignReceipt(w *Wallet, r *Receipt) error {
	if r.Version == "" {
		r.Version = ReceiptVersion
	}
	r.Owner = w.Owner()
	sig, err := w.Sign(r.digest())
	if err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}
	r.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}

// VerifyReceipt checks a receipt's signature against its embedded owner key.
func VerifyReceipt(r *Receipt) error {
	owner, err := base64.RawURLEncoding.DecodeString(r.Owner)
	if err != nil {
		return fmt.Errorf("decode receipt owner: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("decode receipt signature: %w", err)
	}

	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: 65537}
	hashed := sha256.Sum256(r.digest())
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, opts); err != nil {
		return fmt.Errorf("receipt signature invalid: %w", err)
	}
	return nil
}
