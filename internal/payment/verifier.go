package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/pkg/x402"
)

// Verifier validates EIP-3009 transfer authorizations locally, without a
// facilitator round trip. EOA signatures recover through ecrecover; smart
// wallets answer an ERC-1271 isValidSignature staticcall on the network's
// RPC endpoint.
type Verifier struct {
	minValidity time.Duration
	clock       func() time.Time
	logger      zerolog.Logger

	mu      sync.Mutex
	callers map[string]contractCaller
	dial    func(ctx context.Context, rpcURL string) (contractCaller, error)
}

// NewVerifier builds a Verifier. minValidity is how much authorization
// lifetime must remain at verification time so settlement can land before
// expiry; zero applies the protocol floor.
func NewVerifier(minValidity time.Duration, logger zerolog.Logger) *Verifier {
	if minValidity <= 0 {
		minValidity = x402.SettlementTimeoutFloor
	}
	return &Verifier{
		minValidity: minValidity,
		clock:       time.Now,
		logger:      logger.With().Str("component", "payment_verifier").Logger(),
		callers:     make(map[string]contractCaller),
		dial: func(ctx context.Context, rpcURL string) (contractCaller, error) {
			return ethclient.DialContext(ctx, rpcURL)
		},
	}
}

// Verify runs the local checks for a payment envelope against one network:
// amount, recipient, validity window, then the typed-data signature. It
// returns the payer address on success.
func (v *Verifier) Verify(ctx context.Context, payload x402.PaymentPayload, network config.NetworkConfig, requiredAtomic uint64) (common.Address, error) {
	auth := payload.Payload.Authorization

	value, err := auth.ValueBig()
	if err != nil {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentDecode, err)
	}
	if !value.IsUint64() || value.Uint64() < requiredAtomic {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentAmountInsufficient,
			fmt.Errorf("authorized %s, required %d", value, requiredAtomic))
	}

	if common.HexToAddress(auth.To) != common.HexToAddress(network.PayTo) {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentWrongRecipient,
			fmt.Errorf("authorization pays %s, service expects %s", auth.To, network.PayTo))
	}

	now := v.clock()
	validAfter, err := auth.ValidAfterTime()
	if err != nil {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentDecode, err)
	}
	validBefore, err := auth.ValidBeforeTime()
	if err != nil {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentDecode, err)
	}
	if now.Before(validAfter) {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentExpired,
			fmt.Errorf("authorization not valid until %s", validAfter))
	}
	if !validBefore.After(now.Add(v.minValidity)) {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentExpired,
			fmt.Errorf("authorization expires %s, need %s of remaining validity", validBefore, v.minValidity))
	}

	digest, err := authDigest(network, auth)
	if err != nil {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentDecode, err)
	}
	sig, err := decodeSignatureHex(payload.Payload.Signature)
	if err != nil {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentDecode, err)
	}

	from := common.HexToAddress(auth.From)
	recovered, recoverErr := recoverSigner(digest, sig)
	if recoverErr == nil && recovered == from {
		return from, nil
	}

	// Not a plain EOA signature. Smart wallets validate their own
	// signatures on chain.
	if network.RPCURL != "" {
		contractErr := v.verifyContract(ctx, network, from, digest, sig)
		if contractErr == nil {
			v.logger.Debug().
				Str("network", network.Name).
				Str("payer", from.Hex()).
				Msg("authorization accepted via contract wallet")
			return from, nil
		}
		v.logger.Debug().Err(contractErr).
			Str("network", network.Name).
			Str("payer", from.Hex()).
			Msg("contract wallet check failed")
	}

	if recoverErr != nil {
		return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentSignatureInvalid, recoverErr)
	}
	return common.Address{}, x402.NewVerificationError(apierrors.ErrCodePaymentSignatureInvalid,
		fmt.Errorf("signed by %s, claimed %s", recovered.Hex(), from.Hex()))
}

func (v *Verifier) verifyContract(ctx context.Context, network config.NetworkConfig, from common.Address, digest common.Hash, sig []byte) error {
	caller, err := v.callerFor(ctx, network)
	if err != nil {
		return err
	}
	return checkContractSignature(ctx, caller, from, digest, sig)
}

func (v *Verifier) callerFor(ctx context.Context, network config.NetworkConfig) (contractCaller, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller, ok := v.callers[network.Name]; ok {
		return caller, nil
	}
	if network.RPCURL == "" {
		return nil, errors.New("no rpc endpoint configured")
	}
	caller, err := v.dial(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", network.Name, err)
	}
	v.callers[network.Name] = caller
	return caller, nil
}
