// Package payment implements the x402 handshake: quote construction for 402
// responses, local EIP-3009 authorization checks, facilitator settlement,
// and the fraud reconciliation that runs once an item's true size is known.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/internal/pricing"
	"github.com/bundlepay/server/pkg/x402"
)

// paymentStore is the slice of metadata.Store the service writes payments
// through.
type paymentStore interface {
	InsertPayment(ctx context.Context, p metadata.Payment) error
	LinkPaymentToItem(ctx context.Context, paymentID, itemID string) error
	FinalizePayment(ctx context.Context, paymentID string, actualBytes int64, status string, refundAmount uint64) error
	GetPaymentByItem(ctx context.Context, itemID string) (metadata.Payment, error)
}

// quoteOracle prices byte counts; *pricing.Oracle satisfies it.
type quoteOracle interface {
	QuoteBytes(ctx context.Context, byteCount int64, decimals int) (pricing.Quote, error)
	ChainUnitsForStable(ctx context.Context, atomic uint64, decimals int) (uint64, error)
}

// localVerifier runs the in-process authorization checks.
type localVerifier interface {
	Verify(ctx context.Context, payload x402.PaymentPayload, network config.NetworkConfig, requiredAtomic uint64) (common.Address, error)
}

// settler walks the facilitator list.
type settler interface {
	Verify(ctx context.Context, endpoints []string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) error
	Settle(ctx context.Context, endpoints []string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (string, error)
}

// Settlement is the outcome of a successful verify-and-settle handshake.
type Settlement struct {
	PaymentID    string
	TxHash       string
	Network      string
	Mode         string
	Payer        string
	StableAmount uint64
	ChainUnits   uint64 // oracle equivalent recorded on the payment row
}

// Service drives the payment side of admission.
type Service struct {
	cfg         config.X402Config
	networks    map[string]config.NetworkConfig
	ordered     []config.NetworkConfig
	resource    string
	oracle      quoteOracle
	verifier    localVerifier
	facilitator settler
	store       paymentStore
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	clock       func() time.Time
}

// NewService builds the payment service. resource is the absolute upload
// URL advertised in quotes. Only enabled networks participate; their config
// order is the quote order.
func NewService(cfg config.X402Config, resource string, oracle quoteOracle, verifier localVerifier, facilitator settler, store paymentStore, logger zerolog.Logger) *Service {
	networks := make(map[string]config.NetworkConfig, len(cfg.Networks))
	ordered := make([]config.NetworkConfig, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if !n.Enabled {
			continue
		}
		networks[n.Name] = n
		ordered = append(ordered, n)
	}
	return &Service{
		cfg:         cfg,
		networks:    networks,
		ordered:     ordered,
		resource:    resource,
		oracle:      oracle,
		verifier:    verifier,
		facilitator: facilitator,
		store:       store,
		logger:      logger.With().Str("component", "payment").Logger(),
		clock:       time.Now,
	}
}

// WithMetrics attaches payment metrics recording.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Enabled reports whether any payment network is configured. With none, the
// admission gate falls back to free uploads only.
func (s *Service) Enabled() bool { return len(s.ordered) > 0 }

// Quote builds the 402 response body: one accepts entry per enabled
// network, priced for byteCount.
func (s *Service) Quote(ctx context.Context, byteCount int64) (x402.RequiredResponse, error) {
	if len(s.ordered) == 0 {
		return x402.RequiredResponse{}, x402.NewVerificationError(apierrors.ErrCodeNetworkDisabled,
			errors.New("no enabled payment networks"))
	}
	accepts := make([]x402.PaymentRequirements, 0, len(s.ordered))
	for _, n := range s.ordered {
		q, err := s.oracle.QuoteBytes(ctx, byteCount, n.TokenDecimals)
		if err != nil {
			return x402.RequiredResponse{}, x402.NewVerificationError(apierrors.ErrCodePricingUnavailable, err)
		}
		accepts = append(accepts, s.requirementsFor(n, q.AtomicTotal))
	}
	return x402.RequiredResponse{
		X402Version: x402.ProtocolVersion,
		Accepts:     accepts,
	}, nil
}

// QuoteForNetwork prices byteCount on a single network, addressed by name
// or token contract address. The pricing.Quote carries the chain cost the
// requirements were derived from.
func (s *Service) QuoteForNetwork(ctx context.Context, byteCount int64, key string) (x402.PaymentRequirements, pricing.Quote, error) {
	n, ok := s.FindNetwork(key)
	if !ok {
		return x402.PaymentRequirements{}, pricing.Quote{}, x402.NewVerificationError(apierrors.ErrCodeNetworkDisabled,
			fmt.Errorf("network %q", key))
	}
	q, err := s.oracle.QuoteBytes(ctx, byteCount, n.TokenDecimals)
	if err != nil {
		return x402.PaymentRequirements{}, pricing.Quote{}, x402.NewVerificationError(apierrors.ErrCodePricingUnavailable, err)
	}
	return s.requirementsFor(n, q.AtomicTotal), q, nil
}

// FindNetwork resolves an enabled network by name or token address.
func (s *Service) FindNetwork(key string) (config.NetworkConfig, bool) {
	for _, n := range s.ordered {
		if strings.EqualFold(n.Name, key) || strings.EqualFold(n.TokenAddress, key) {
			return n, true
		}
	}
	return config.NetworkConfig{}, false
}

// VerifyAndSettle runs the full handshake for an X-PAYMENT header: decode,
// network lookup, fresh quote, local authorization checks, settlement
// through the facilitator list, and the pending_validation payment record.
func (s *Service) VerifyAndSettle(ctx context.Context, header string, declaredBytes int64) (*Settlement, error) {
	start := s.clock()

	payload, err := x402.ParsePaymentPayload(header)
	if err != nil {
		s.observeFailure("unknown", apierrors.ErrCodePaymentDecode)
		return nil, x402.NewVerificationError(apierrors.ErrCodePaymentDecode, err)
	}

	network, ok := s.networks[payload.Network]
	if !ok {
		s.observeFailure(payload.Network, apierrors.ErrCodeNetworkDisabled)
		return nil, x402.NewVerificationError(apierrors.ErrCodeNetworkDisabled,
			fmt.Errorf("network %q", payload.Network))
	}

	quote, err := s.oracle.QuoteBytes(ctx, declaredBytes, network.TokenDecimals)
	if err != nil {
		return nil, x402.NewVerificationError(apierrors.ErrCodePricingUnavailable, err)
	}
	reqs := s.requirementsFor(network, quote.AtomicTotal)

	payer, err := s.verifier.Verify(ctx, payload, network, quote.AtomicTotal)
	if err != nil {
		// Wallet schemes the local checks cannot express get one more
		// chance at the facilitators before the handshake fails.
		if !isSignatureFailure(err) || len(network.Facilitators) == 0 {
			s.observeFailureErr(network.Name, err)
			return nil, err
		}
		if ferr := s.facilitator.Verify(ctx, network.Facilitators, payload, reqs); ferr != nil {
			s.observeFailureErr(network.Name, err)
			return nil, err
		}
		payer = common.HexToAddress(payload.Payload.Authorization.From)
	}

	txHash, err := s.facilitator.Settle(ctx, network.Facilitators, payload, reqs)
	if err != nil {
		s.observeFailure(network.Name, apierrors.ErrCodeFacilitatorAllFailed)
		return nil, x402.NewVerificationError(apierrors.ErrCodeFacilitatorAllFailed, err)
	}

	value, err := payload.Payload.Authorization.ValueBig()
	if err != nil || !value.IsUint64() {
		// Settled but unrecordable is a server bug, not a client error.
		return nil, fmt.Errorf("settled authorization value unrecordable: %v", payload.Payload.Authorization.Value)
	}
	stable := value.Uint64()

	chainUnits, err := s.oracle.ChainUnitsForStable(ctx, stable, network.TokenDecimals)
	if err != nil {
		// The transfer already settled; a missing equivalence must not
		// fail the upload. Refund math degrades to zero chain units.
		s.logger.Warn().Err(err).Str("tx_hash", txHash).Msg("chain-unit equivalence unavailable, recording zero")
		chainUnits = 0
	}

	p := metadata.Payment{
		PaymentID:        uuid.NewString(),
		TxHash:           txHash,
		Network:          network.Name,
		TokenAddress:     network.TokenAddress,
		PayerAddress:     payer.Hex(),
		RecipientAddress: network.PayTo,
		StableAmount:     stable,
		ChainUnitAmount:  chainUnits,
		Mode:             x402.ModePayg,
		DeclaredBytes:    declaredBytes,
		Status:           metadata.PaymentStatusPendingValidation,
		CreatedAt:        s.clock().UTC(),
	}
	if err := s.store.InsertPayment(ctx, p); err != nil {
		if errors.Is(err, metadata.ErrDuplicate) {
			s.observeFailure(network.Name, apierrors.ErrCodePaymentReplayed)
			return nil, x402.NewVerificationError(apierrors.ErrCodePaymentReplayed, err)
		}
		return nil, fmt.Errorf("record payment: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ObservePayment(network.Name, stable, time.Since(start))
	}
	s.logger.Info().
		Str("payment_id", p.PaymentID).
		Str("network", network.Name).
		Str("tx_hash", txHash).
		Str("payer", p.PayerAddress).
		Uint64("stable_amount", stable).
		Int64("declared_bytes", declaredBytes).
		Msg("payment settled")

	return &Settlement{
		PaymentID:    p.PaymentID,
		TxHash:       txHash,
		Network:      network.Name,
		Mode:         x402.ModePayg,
		Payer:        p.PayerAddress,
		StableAmount: stable,
		ChainUnits:   chainUnits,
	}, nil
}

// LinkToItem ties a settled payment to the admitted item. The store rejects
// linking one payment to two different items.
func (s *Service) LinkToItem(ctx context.Context, paymentID, itemID string) error {
	return s.store.LinkPaymentToItem(ctx, paymentID, itemID)
}

// FraudOutcome classifies an item's true size against what its payment
// declared.
type FraudOutcome string

const (
	FraudOutcomeConfirmed FraudOutcome = "confirmed"
	FraudOutcomeRefunded  FraudOutcome = "refunded"
	FraudOutcomePenalty   FraudOutcome = "fraud_penalty"
)

// AssessDeclaredBytes places actual inside or outside the tolerance band
// around declared. Under-delivery earns a refund; over-delivery is a
// penalty because the payment priced fewer bytes than were stored.
func AssessDeclaredBytes(declared, actual, tolerancePercent int64) FraudOutcome {
	if declared <= 0 {
		return FraudOutcomeConfirmed
	}
	if tolerancePercent < 0 {
		tolerancePercent = 0
	}
	band := declared * tolerancePercent / 100
	switch {
	case actual > declared+band:
		return FraudOutcomePenalty
	case actual < declared-band:
		return FraudOutcomeRefunded
	default:
		return FraudOutcomeConfirmed
	}
}

// FinalizeItemPayment settles the fraud check for an admitted item. The
// bool reports whether this call performed the finalization; rerunning over
// an already finalized payment is a no-op, and items without a payment
// (free tier, allowlist) confirm trivially.
func (s *Service) FinalizeItemPayment(ctx context.Context, itemID string, actualBytes int64) (FraudOutcome, bool, error) {
	p, err := s.store.GetPaymentByItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return FraudOutcomeConfirmed, false, nil
		}
		return "", false, fmt.Errorf("load payment for item %s: %w", itemID, err)
	}
	if p.Status != metadata.PaymentStatusPendingValidation {
		return outcomeForStatus(p.Status), false, nil
	}

	outcome := AssessDeclaredBytes(p.DeclaredBytes, actualBytes, s.cfg.FraudTolerance)
	status := metadata.PaymentStatusConfirmed
	var refund uint64
	switch outcome {
	case FraudOutcomeRefunded:
		status = metadata.PaymentStatusRefunded
		refund = pricing.ProportionalRefund(p.ChainUnitAmount, p.DeclaredBytes, actualBytes)
	case FraudOutcomePenalty:
		status = metadata.PaymentStatusFraudPenalty
	}

	if err := s.store.FinalizePayment(ctx, p.PaymentID, actualBytes, status, refund); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			// Lost a race with a concurrent worker; its result stands.
			return outcome, false, nil
		}
		return "", false, fmt.Errorf("finalize payment %s: %w", p.PaymentID, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveFraudCheck(string(outcome))
	}
	evt := s.logger.Info()
	if outcome == FraudOutcomePenalty {
		evt = s.logger.Warn()
	}
	evt.
		Str("payment_id", p.PaymentID).
		Str("item_id", itemID).
		Int64("declared_bytes", p.DeclaredBytes).
		Int64("actual_bytes", actualBytes).
		Str("outcome", string(outcome)).
		Uint64("refund_chain_units", refund).
		Msg("payment finalized")

	return outcome, true, nil
}

func (s *Service) requirementsFor(n config.NetworkConfig, amount uint64) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           n.Name,
		MaxAmountRequired: strconv.FormatUint(amount, 10),
		Resource:          s.resource,
		Description:       "Permanent storage of one signed data item",
		MimeType:          "application/octet-stream",
		PayTo:             n.PayTo,
		MaxTimeoutSeconds: x402.MaxTimeoutSeconds,
		Asset:             n.TokenAddress,
		Extra:             &x402.DomainExtra{Name: n.TokenName, Version: n.TokenVersion},
	}
}

func (s *Service) observeFailure(network string, code apierrors.ErrorCode) {
	if s.metrics != nil {
		s.metrics.ObservePaymentFailure(network, string(code))
	}
}

func (s *Service) observeFailureErr(network string, err error) {
	var vErr x402.VerificationError
	if errors.As(err, &vErr) {
		s.observeFailure(network, vErr.Code)
		return
	}
	s.observeFailure(network, apierrors.ErrCodeInternalError)
}

func isSignatureFailure(err error) bool {
	var vErr x402.VerificationError
	return errors.As(err, &vErr) && vErr.Code == apierrors.ErrCodePaymentSignatureInvalid
}

func outcomeForStatus(status string) FraudOutcome {
	switch status {
	case metadata.PaymentStatusRefunded:
		return FraudOutcomeRefunded
	case metadata.PaymentStatusFraudPenalty:
		return FraudOutcomePenalty
	default:
		return FraudOutcomeConfirmed
	}
}
