package payment

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/pkg/x402"
)

// signedPayload builds a payment envelope whose authorization is really
// signed by key over the network's typed-data domain.
func signedPayload(t *testing.T, key *ecdsa.PrivateKey, network config.NetworkConfig, auth x402.EVMAuthorization) x402.PaymentPayload {
	t.Helper()
	digest, err := authDigest(network, auth)
	if err != nil {
		t.Fatalf("authDigest: %v", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27 // wallet convention
	return x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      x402.SchemeExact,
		Network:     network.Name,
		Payload: x402.ExactEVMPayload{
			Signature:     "0x" + hex.EncodeToString(sig),
			Authorization: auth,
		},
	}
}

func testVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v := NewVerifier(5*time.Minute, zerolog.Nop())
	v.clock = func() time.Time { return now }
	return v
}

func verificationCode(t *testing.T, err error) apierrors.ErrorCode {
	t.Helper()
	var vErr x402.VerificationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected VerificationError, got %T: %v", err, err)
	}
	return vErr.Code
}

func TestVerifyAcceptsValidAuthorization(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey)
	network := testNetwork()
	now := time.Unix(1_700_000_000, 0)

	auth := testAuthorization(signer.Hex())
	auth.ValidBefore = x402.FlexString(fmt.Sprint(now.Add(time.Hour).Unix()))
	payload := signedPayload(t, key, network, auth)

	v := testVerifier(t, now)
	payer, err := v.Verify(context.Background(), payload, network, 13000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payer != signer {
		t.Errorf("payer = %s, want %s", payer.Hex(), signer.Hex())
	}
}

func TestVerifyRejections(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := crypto.PubkeyToAddress(key.PublicKey)
	network := testNetwork()
	now := time.Unix(1_700_000_000, 0)
	inOneHour := x402.FlexString(fmt.Sprint(now.Add(time.Hour).Unix()))

	tests := []struct {
		name     string
		required uint64
		mutate   func(*x402.EVMAuthorization)
		signWith *ecdsa.PrivateKey
		wantCode apierrors.ErrorCode
	}{
		{
			name:     "amount below quote",
			required: 20_000,
			wantCode: apierrors.ErrCodePaymentAmountInsufficient,
		},
		{
			name:     "wrong recipient",
			required: 13_000,
			mutate: func(a *x402.EVMAuthorization) {
				a.To = "0x3333333333333333333333333333333333333333"
			},
			wantCode: apierrors.ErrCodePaymentWrongRecipient,
		},
		{
			name:     "already expired",
			required: 13_000,
			mutate: func(a *x402.EVMAuthorization) {
				a.ValidBefore = x402.FlexString(fmt.Sprint(now.Add(-time.Minute).Unix()))
			},
			wantCode: apierrors.ErrCodePaymentExpired,
		},
		{
			name:     "expires before settlement window",
			required: 13_000,
			mutate: func(a *x402.EVMAuthorization) {
				a.ValidBefore = x402.FlexString(fmt.Sprint(now.Add(time.Minute).Unix()))
			},
			wantCode: apierrors.ErrCodePaymentExpired,
		},
		{
			name:     "not yet valid",
			required: 13_000,
			mutate: func(a *x402.EVMAuthorization) {
				a.ValidAfter = x402.FlexString(fmt.Sprint(now.Add(time.Hour).Unix()))
			},
			wantCode: apierrors.ErrCodePaymentExpired,
		},
		{
			name:     "signed by someone else",
			required: 13_000,
			signWith: mustGenerateKey(t),
			wantCode: apierrors.ErrCodePaymentSignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := testAuthorization(signer.Hex())
			auth.ValidBefore = inOneHour
			if tt.mutate != nil {
				tt.mutate(&auth)
			}
			signKey := key
			if tt.signWith != nil {
				signKey = tt.signWith
			}
			payload := signedPayload(t, signKey, network, auth)

			v := testVerifier(t, now)
			_, err := v.Verify(context.Background(), payload, network, tt.required)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if code := verificationCode(t, err); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

type stubCaller struct {
	out   []byte
	err   error
	calls int
}

func (s *stubCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	s.calls++
	return s.out, s.err
}

func TestVerifyContractWalletPath(t *testing.T) {
	// The authorization claims a from address that did not produce the
	// ECDSA signature, so only the ERC-1271 path can accept it.
	otherKey, _ := crypto.GenerateKey()
	network := testNetwork()
	network.RPCURL = "http://localhost:0"
	now := time.Unix(1_700_000_000, 0)

	auth := testAuthorization("0x5555555555555555555555555555555555555555")
	auth.ValidBefore = x402.FlexString(fmt.Sprint(now.Add(time.Hour).Unix()))
	payload := signedPayload(t, otherKey, network, auth)

	t.Run("contract accepts", func(t *testing.T) {
		magic := make([]byte, 32)
		copy(magic, erc1271Magic)
		caller := &stubCaller{out: magic}

		v := testVerifier(t, now)
		v.callers[network.Name] = caller

		payer, err := v.Verify(context.Background(), payload, network, 13000)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payer.Hex() != "0x5555555555555555555555555555555555555555" {
			t.Errorf("payer = %s", payer.Hex())
		}
		if caller.calls != 1 {
			t.Errorf("contract called %d times, want 1", caller.calls)
		}
	})

	t.Run("contract rejects", func(t *testing.T) {
		caller := &stubCaller{out: make([]byte, 32)}

		v := testVerifier(t, now)
		v.callers[network.Name] = caller

		_, err := v.Verify(context.Background(), payload, network, 13000)
		if err == nil {
			t.Fatal("expected rejection")
		}
		if code := verificationCode(t, err); code != apierrors.ErrCodePaymentSignatureInvalid {
			t.Errorf("code = %s", code)
		}
	})

	t.Run("rpc error", func(t *testing.T) {
		caller := &stubCaller{err: errors.New("connection refused")}

		v := testVerifier(t, now)
		v.callers[network.Name] = caller

		_, err := v.Verify(context.Background(), payload, network, 13000)
		if err == nil {
			t.Fatal("expected rejection")
		}
		if code := verificationCode(t, err); code != apierrors.ErrCodePaymentSignatureInvalid {
			t.Errorf("code = %s", code)
		}
	})
}

func TestVerifyEOAMismatchWithoutRPC(t *testing.T) {
	// No RPC endpoint means no contract-wallet fallback.
	otherKey, _ := crypto.GenerateKey()
	network := testNetwork()
	network.RPCURL = ""
	now := time.Unix(1_700_000_000, 0)

	auth := testAuthorization("0x5555555555555555555555555555555555555555")
	auth.ValidBefore = x402.FlexString(fmt.Sprint(now.Add(time.Hour).Unix()))
	payload := signedPayload(t, otherKey, network, auth)

	v := testVerifier(t, now)
	_, err := v.Verify(context.Background(), payload, network, 13000)
	if code := verificationCode(t, err); code != apierrors.ErrCodePaymentSignatureInvalid {
		t.Errorf("code = %s", code)
	}
}

func mustGenerateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
