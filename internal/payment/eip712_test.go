package payment

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/pkg/x402"
)

func testNetwork() config.NetworkConfig {
	return config.NetworkConfig{
		Name:          "base",
		ChainID:       8453,
		TokenAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenName:     "USD Coin",
		TokenVersion:  "2",
		TokenDecimals: 6,
		PayTo:         "0x2222222222222222222222222222222222222222",
		Enabled:       true,
	}
}

func testAuthorization(from string) x402.EVMAuthorization {
	return x402.EVMAuthorization{
		From:        from,
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "13000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0x" + strings.Repeat("11", 32),
	}
}

func TestAuthDigestSignRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	auth := testAuthorization(signer.Hex())
	digest, err := authDigest(testNetwork(), auth)
	if err != nil {
		t.Fatalf("authDigest: %v", err)
	}

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	recovered, err := recoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("recoverSigner: %v", err)
	}
	if recovered != signer {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Hex())
	}

	// Wallets ship v as 27/28; recovery must normalize.
	walletSig := make([]byte, len(sig))
	copy(walletSig, sig)
	walletSig[64] += 27
	recovered, err = recoverSigner(digest, walletSig)
	if err != nil {
		t.Fatalf("recoverSigner with v+27: %v", err)
	}
	if recovered != signer {
		t.Errorf("v-normalized recovery got %s, want %s", recovered.Hex(), signer.Hex())
	}
}

func TestAuthDigestDependsOnEveryField(t *testing.T) {
	network := testNetwork()
	base := testAuthorization("0x1111111111111111111111111111111111111111")

	baseDigest, err := authDigest(network, base)
	if err != nil {
		t.Fatalf("authDigest: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*config.NetworkConfig, *x402.EVMAuthorization)
	}{
		{"value", func(n *config.NetworkConfig, a *x402.EVMAuthorization) { a.Value = "13001" }},
		{"to", func(n *config.NetworkConfig, a *x402.EVMAuthorization) {
			a.To = "0x3333333333333333333333333333333333333333"
		}},
		{"nonce", func(n *config.NetworkConfig, a *x402.EVMAuthorization) {
			a.Nonce = "0x" + strings.Repeat("22", 32)
		}},
		{"validBefore", func(n *config.NetworkConfig, a *x402.EVMAuthorization) { a.ValidBefore = "9999999998" }},
		{"chain id", func(n *config.NetworkConfig, a *x402.EVMAuthorization) { n.ChainID = 84532 }},
		{"token name", func(n *config.NetworkConfig, a *x402.EVMAuthorization) { n.TokenName = "USDC" }},
		{"token address", func(n *config.NetworkConfig, a *x402.EVMAuthorization) {
			n.TokenAddress = "0x4444444444444444444444444444444444444444"
		}},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			n, a := network, base
			tt.mutate(&n, &a)
			digest, err := authDigest(n, a)
			if err != nil {
				t.Fatalf("authDigest: %v", err)
			}
			if digest == baseDigest {
				t.Errorf("mutating %s did not change the digest", tt.name)
			}
		})
	}
}

func TestAuthDigestRejectsMalformedFields(t *testing.T) {
	network := testNetwork()
	tests := []struct {
		name   string
		mutate func(*x402.EVMAuthorization)
	}{
		{"bad value", func(a *x402.EVMAuthorization) { a.Value = "not-a-number" }},
		{"negative validAfter", func(a *x402.EVMAuthorization) { a.ValidAfter = "-1" }},
		{"bad nonce hex", func(a *x402.EVMAuthorization) { a.Nonce = "0xzz" }},
		{"oversized nonce", func(a *x402.EVMAuthorization) { a.Nonce = "0x" + strings.Repeat("11", 40) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := testAuthorization("0x1111111111111111111111111111111111111111")
			tt.mutate(&auth)
			if _, err := authDigest(network, auth); err == nil {
				t.Error("expected error for malformed authorization")
			}
		})
	}
}

func TestEncodeIsValidSignature(t *testing.T) {
	digest := crypto.Keccak256Hash([]byte("digest"))
	sig := bytes.Repeat([]byte{0xab}, 65)

	data := encodeIsValidSignature(digest, sig)

	if want := 4 + 3*32 + 96; len(data) != want {
		t.Fatalf("calldata length %d, want %d", len(data), want)
	}
	if !bytes.Equal(data[:4], isValidSignatureSelector) {
		t.Errorf("selector = %x", data[:4])
	}
	if !bytes.Equal(data[4:36], digest.Bytes()) {
		t.Error("digest slot mismatch")
	}
	// Dynamic bytes head: offset 0x40, then length 65.
	if got := new(big.Int).SetBytes(data[36:68]).Int64(); got != 64 {
		t.Errorf("offset slot = %d, want 64", got)
	}
	if got := new(big.Int).SetBytes(data[68:100]).Int64(); got != 65 {
		t.Errorf("length slot = %d, want 65", got)
	}
	if !bytes.Equal(data[100:165], sig) {
		t.Error("signature bytes mismatch")
	}
	for _, b := range data[165:] {
		if b != 0 {
			t.Error("signature padding not zeroed")
			break
		}
	}
}

func TestParseNonce(t *testing.T) {
	full := strings.Repeat("ab", 32)
	nonce, err := parseNonce("0x" + full)
	if err != nil {
		t.Fatalf("parseNonce: %v", err)
	}
	if hex.EncodeToString(nonce[:]) != full {
		t.Errorf("nonce = %x", nonce)
	}

	// Short nonces left-pad.
	nonce, err = parseNonce("0xff")
	if err != nil {
		t.Fatalf("parseNonce short: %v", err)
	}
	if nonce[31] != 0xff || nonce[0] != 0 {
		t.Errorf("short nonce not left-padded: %x", nonce)
	}

	if _, err := parseNonce("0x" + strings.Repeat("ab", 33)); err == nil {
		t.Error("expected error for oversized nonce")
	}
}
