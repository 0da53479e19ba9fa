package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/pricing"
	"github.com/bundlepay/server/pkg/x402"
)

type stubQuoteOracle struct {
	atomicTotal uint64
	chainUnits  uint64
	err         error
}

func (s *stubQuoteOracle) QuoteBytes(ctx context.Context, byteCount int64, decimals int) (pricing.Quote, error) {
	if s.err != nil {
		return pricing.Quote{}, s.err
	}
	return pricing.Quote{Winston: s.chainUnits, AtomicTotal: s.atomicTotal, Rate: 5.0}, nil
}

func (s *stubQuoteOracle) ChainUnitsForStable(ctx context.Context, atomic uint64, decimals int) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.chainUnits, nil
}

type stubLocalVerifier struct {
	payer common.Address
	err   error
	calls int
}

func (s *stubLocalVerifier) Verify(ctx context.Context, payload x402.PaymentPayload, network config.NetworkConfig, requiredAtomic uint64) (common.Address, error) {
	s.calls++
	return s.payer, s.err
}

type stubSettler struct {
	verifyErr   error
	settleHash  string
	settleErr   error
	verifyCalls int
	settleCalls int
}

func (s *stubSettler) Verify(ctx context.Context, endpoints []string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) error {
	s.verifyCalls++
	return s.verifyErr
}

func (s *stubSettler) Settle(ctx context.Context, endpoints []string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (string, error) {
	s.settleCalls++
	return s.settleHash, s.settleErr
}

type memPaymentStore struct {
	mu        sync.Mutex
	payments  map[string]metadata.Payment
	byItem    map[string]string
	insertErr error
}

func newMemPaymentStore() *memPaymentStore {
	return &memPaymentStore{
		payments: make(map[string]metadata.Payment),
		byItem:   make(map[string]string),
	}
}

func (m *memPaymentStore) InsertPayment(ctx context.Context, p metadata.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.payments[p.PaymentID] = p
	return nil
}

func (m *memPaymentStore) LinkPaymentToItem(ctx context.Context, paymentID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return metadata.ErrNotFound
	}
	if p.LinkedItemID != "" && p.LinkedItemID != itemID {
		return metadata.ErrDuplicate
	}
	p.LinkedItemID = itemID
	m.payments[paymentID] = p
	m.byItem[itemID] = paymentID
	return nil
}

func (m *memPaymentStore) FinalizePayment(ctx context.Context, paymentID string, actualBytes int64, status string, refundAmount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok || p.Status != metadata.PaymentStatusPendingValidation {
		return metadata.ErrNotFound
	}
	p.ActualBytes = &actualBytes
	p.Status = status
	p.RefundAmount = refundAmount
	m.payments[paymentID] = p
	return nil
}

func (m *memPaymentStore) GetPaymentByItem(ctx context.Context, itemID string) (metadata.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byItem[itemID]
	if !ok {
		return metadata.Payment{}, metadata.ErrNotFound
	}
	return m.payments[id], nil
}

func testX402Config() config.X402Config {
	return config.X402Config{
		Networks: []config.NetworkConfig{
			testNetwork(),
			{
				Name:          "base-sepolia",
				ChainID:       84532,
				TokenAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				TokenName:     "USDC",
				TokenVersion:  "2",
				TokenDecimals: 6,
				PayTo:         "0x2222222222222222222222222222222222222222",
				Enabled:       false,
			},
		},
		PaymentTimeout: config.Duration{Duration: 5 * time.Minute},
		FraudTolerance: 5,
	}
}

func testService(oracle quoteOracle, verifier localVerifier, settle settler, store paymentStore) *Service {
	return NewService(testX402Config(), "https://bundler.example/v1/tx", oracle, verifier, settle, store, zerolog.Nop())
}

func testHeader(t *testing.T, network string) string {
	t.Helper()
	p := x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      x402.SchemeExact,
		Network:     network,
		Payload: x402.ExactEVMPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: x402.EVMAuthorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "13000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x" + strings.Repeat("11", 32),
			},
		},
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(raw)
}

func TestQuoteBuildsAcceptsPerEnabledNetwork(t *testing.T) {
	oracle := &stubQuoteOracle{atomicTotal: 13_000}
	svc := testService(oracle, &stubLocalVerifier{}, &stubSettler{}, newMemPaymentStore())

	resp, err := svc.Quote(context.Background(), 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.X402Version != x402.ProtocolVersion {
		t.Errorf("x402Version = %d", resp.X402Version)
	}
	if len(resp.Accepts) != 1 {
		t.Fatalf("accepts entries = %d, want 1 (disabled networks excluded)", len(resp.Accepts))
	}
	q := resp.Accepts[0]
	if q.Scheme != x402.SchemeExact || q.Network != "base" {
		t.Errorf("scheme/network = %s/%s", q.Scheme, q.Network)
	}
	if q.MaxAmountRequired != "13000" {
		t.Errorf("maxAmountRequired = %q", q.MaxAmountRequired)
	}
	if q.Resource != "https://bundler.example/v1/tx" {
		t.Errorf("resource = %s", q.Resource)
	}
	if q.MaxTimeoutSeconds != x402.MaxTimeoutSeconds {
		t.Errorf("maxTimeoutSeconds = %d", q.MaxTimeoutSeconds)
	}
	if q.Extra == nil || q.Extra.Name != "USD Coin" || q.Extra.Version != "2" {
		t.Errorf("extra = %+v", q.Extra)
	}
}

func TestQuoteForNetworkByTokenAddress(t *testing.T) {
	oracle := &stubQuoteOracle{atomicTotal: 42}
	svc := testService(oracle, &stubLocalVerifier{}, &stubSettler{}, newMemPaymentStore())

	q, pq, err := svc.QuoteForNetwork(context.Background(), 1024, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Network != "base" || q.MaxAmountRequired != "42" {
		t.Errorf("quote = %+v", q)
	}
	if pq.AtomicTotal != 42 {
		t.Errorf("atomic total = %d", pq.AtomicTotal)
	}

	if _, _, err := svc.QuoteForNetwork(context.Background(), 1024, "base-sepolia"); err == nil {
		t.Fatal("expected error for disabled network")
	}
}

func TestVerifyAndSettleHappyPath(t *testing.T) {
	oracle := &stubQuoteOracle{atomicTotal: 13_000, chainUnits: 2_000_000_000}
	verifier := &stubLocalVerifier{payer: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	settler := &stubSettler{settleHash: "0xfeedbeef"}
	store := newMemPaymentStore()
	svc := testService(oracle, verifier, settler, store)

	settlement, err := svc.VerifyAndSettle(context.Background(), testHeader(t, "base"), 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settlement.TxHash != "0xfeedbeef" || settlement.Network != "base" || settlement.Mode != x402.ModePayg {
		t.Errorf("settlement = %+v", settlement)
	}
	if settlement.StableAmount != 13_000 {
		t.Errorf("stable amount = %d", settlement.StableAmount)
	}
	if settler.verifyCalls != 0 {
		t.Errorf("facilitator verify called %d times for a locally valid signature", settler.verifyCalls)
	}

	p, ok := store.payments[settlement.PaymentID]
	if !ok {
		t.Fatal("payment not recorded")
	}
	if p.Status != metadata.PaymentStatusPendingValidation {
		t.Errorf("status = %s", p.Status)
	}
	if p.DeclaredBytes != 1024 || p.ChainUnitAmount != 2_000_000_000 {
		t.Errorf("payment = %+v", p)
	}
}

func TestVerifyAndSettleNetworkDisabled(t *testing.T) {
	svc := testService(&stubQuoteOracle{atomicTotal: 1}, &stubLocalVerifier{}, &stubSettler{}, newMemPaymentStore())

	_, err := svc.VerifyAndSettle(context.Background(), testHeader(t, "base-sepolia"), 1024)
	if code := verificationCode(t, err); code != apierrors.ErrCodeNetworkDisabled {
		t.Errorf("code = %s", code)
	}
}

func TestVerifyAndSettleLocalRejectionStops(t *testing.T) {
	verifier := &stubLocalVerifier{
		err: x402.NewVerificationError(apierrors.ErrCodePaymentAmountInsufficient, errors.New("too low")),
	}
	settler := &stubSettler{settleHash: "0xfeed"}
	svc := testService(&stubQuoteOracle{atomicTotal: 13_000}, verifier, settler, newMemPaymentStore())

	_, err := svc.VerifyAndSettle(context.Background(), testHeader(t, "base"), 1024)
	if code := verificationCode(t, err); code != apierrors.ErrCodePaymentAmountInsufficient {
		t.Errorf("code = %s", code)
	}
	if settler.settleCalls != 0 {
		t.Error("settle must not run after a business-rule rejection")
	}
	if settler.verifyCalls != 0 {
		t.Error("facilitator fallback applies only to signature failures")
	}
}

func TestVerifyAndSettleFacilitatorSignatureFallback(t *testing.T) {
	verifier := &stubLocalVerifier{
		err: x402.NewVerificationError(apierrors.ErrCodePaymentSignatureInvalid, errors.New("exotic wallet")),
	}
	settler := &stubSettler{settleHash: "0xfeed"}
	store := newMemPaymentStore()
	svc := testService(&stubQuoteOracle{atomicTotal: 13_000, chainUnits: 7}, verifier, settler, store)

	settlement, err := svc.VerifyAndSettle(context.Background(), testHeader(t, "base"), 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settler.verifyCalls != 1 {
		t.Errorf("facilitator verify calls = %d, want 1", settler.verifyCalls)
	}
	if settlement.Payer != "0x1111111111111111111111111111111111111111" {
		t.Errorf("payer = %s", settlement.Payer)
	}

	// When the facilitators also reject, the local error surfaces.
	verifier2 := &stubLocalVerifier{
		err: x402.NewVerificationError(apierrors.ErrCodePaymentSignatureInvalid, errors.New("bad sig")),
	}
	settler2 := &stubSettler{verifyErr: errors.New("rejected"), settleHash: "0xfeed"}
	svc2 := testService(&stubQuoteOracle{atomicTotal: 13_000}, verifier2, settler2, newMemPaymentStore())

	_, err = svc2.VerifyAndSettle(context.Background(), testHeader(t, "base"), 1024)
	if code := verificationCode(t, err); code != apierrors.ErrCodePaymentSignatureInvalid {
		t.Errorf("code = %s", code)
	}
	if settler2.settleCalls != 0 {
		t.Error("settle must not run when verification failed everywhere")
	}
}

func TestVerifyAndSettleAllFacilitatorsFail(t *testing.T) {
	verifier := &stubLocalVerifier{payer: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	settler := &stubSettler{settleErr: errors.New("all down")}
	svc := testService(&stubQuoteOracle{atomicTotal: 13_000}, verifier, settler, newMemPaymentStore())

	_, err := svc.VerifyAndSettle(context.Background(), testHeader(t, "base"), 1024)
	if code := verificationCode(t, err); code != apierrors.ErrCodeFacilitatorAllFailed {
		t.Errorf("code = %s", code)
	}
}

func TestVerifyAndSettleReplayedPayment(t *testing.T) {
	verifier := &stubLocalVerifier{payer: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	store := newMemPaymentStore()
	store.insertErr = metadata.ErrDuplicate
	svc := testService(&stubQuoteOracle{atomicTotal: 13_000}, verifier, &stubSettler{settleHash: "0xfeed"}, store)

	_, err := svc.VerifyAndSettle(context.Background(), testHeader(t, "base"), 1024)
	if code := verificationCode(t, err); code != apierrors.ErrCodePaymentReplayed {
		t.Errorf("code = %s", code)
	}
}

func TestAssessDeclaredBytes(t *testing.T) {
	tests := []struct {
		name      string
		declared  int64
		actual    int64
		tolerance int64
		want      FraudOutcome
	}{
		{"exact", 1000, 1000, 5, FraudOutcomeConfirmed},
		{"upper band edge", 1000, 1050, 5, FraudOutcomeConfirmed},
		{"just over band", 1000, 1051, 5, FraudOutcomePenalty},
		{"lower band edge", 1000, 950, 5, FraudOutcomeConfirmed},
		{"just under band", 1000, 949, 5, FraudOutcomeRefunded},
		{"zero declared", 0, 500, 5, FraudOutcomeConfirmed},
		{"zero tolerance over", 1000, 1001, 0, FraudOutcomePenalty},
		{"zero tolerance exact", 1000, 1000, 0, FraudOutcomeConfirmed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessDeclaredBytes(tt.declared, tt.actual, tt.tolerance); got != tt.want {
				t.Errorf("AssessDeclaredBytes(%d, %d, %d) = %s, want %s",
					tt.declared, tt.actual, tt.tolerance, got, tt.want)
			}
		})
	}
}

func TestFinalizeItemPayment(t *testing.T) {
	seed := func(store *memPaymentStore, declared int64, chainUnits uint64) {
		store.payments["pay-1"] = metadata.Payment{
			PaymentID:       "pay-1",
			Status:          metadata.PaymentStatusPendingValidation,
			DeclaredBytes:   declared,
			ChainUnitAmount: chainUnits,
			LinkedItemID:    "item-1",
		}
		store.byItem["item-1"] = "pay-1"
	}

	t.Run("confirmed in band", func(t *testing.T) {
		store := newMemPaymentStore()
		seed(store, 1000, 500)
		svc := testService(&stubQuoteOracle{}, &stubLocalVerifier{}, &stubSettler{}, store)

		outcome, finalized, err := svc.FinalizeItemPayment(context.Background(), "item-1", 1000)
		if err != nil || !finalized || outcome != FraudOutcomeConfirmed {
			t.Fatalf("outcome=%s finalized=%v err=%v", outcome, finalized, err)
		}
		if p := store.payments["pay-1"]; p.Status != metadata.PaymentStatusConfirmed || p.RefundAmount != 0 {
			t.Errorf("payment = %+v", p)
		}
	})

	t.Run("refund below band", func(t *testing.T) {
		store := newMemPaymentStore()
		seed(store, 1000, 1000)
		svc := testService(&stubQuoteOracle{}, &stubLocalVerifier{}, &stubSettler{}, store)

		outcome, finalized, err := svc.FinalizeItemPayment(context.Background(), "item-1", 500)
		if err != nil || !finalized || outcome != FraudOutcomeRefunded {
			t.Fatalf("outcome=%s finalized=%v err=%v", outcome, finalized, err)
		}
		p := store.payments["pay-1"]
		if p.Status != metadata.PaymentStatusRefunded {
			t.Errorf("status = %s", p.Status)
		}
		if p.RefundAmount != 500 {
			t.Errorf("refund = %d, want 500", p.RefundAmount)
		}
		if p.ActualBytes == nil || *p.ActualBytes != 500 {
			t.Errorf("actual bytes = %v", p.ActualBytes)
		}
	})

	t.Run("penalty above band", func(t *testing.T) {
		store := newMemPaymentStore()
		seed(store, 1000, 1000)
		svc := testService(&stubQuoteOracle{}, &stubLocalVerifier{}, &stubSettler{}, store)

		outcome, finalized, err := svc.FinalizeItemPayment(context.Background(), "item-1", 2000)
		if err != nil || !finalized || outcome != FraudOutcomePenalty {
			t.Fatalf("outcome=%s finalized=%v err=%v", outcome, finalized, err)
		}
		if p := store.payments["pay-1"]; p.Status != metadata.PaymentStatusFraudPenalty || p.RefundAmount != 0 {
			t.Errorf("payment = %+v", p)
		}
	})

	t.Run("idempotent rerun", func(t *testing.T) {
		store := newMemPaymentStore()
		seed(store, 1000, 1000)
		svc := testService(&stubQuoteOracle{}, &stubLocalVerifier{}, &stubSettler{}, store)

		if _, _, err := svc.FinalizeItemPayment(context.Background(), "item-1", 1000); err != nil {
			t.Fatalf("first run: %v", err)
		}
		outcome, finalized, err := svc.FinalizeItemPayment(context.Background(), "item-1", 1000)
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
		if finalized {
			t.Error("second run must not re-finalize")
		}
		if outcome != FraudOutcomeConfirmed {
			t.Errorf("outcome = %s", outcome)
		}
	})

	t.Run("free upload has no payment", func(t *testing.T) {
		store := newMemPaymentStore()
		svc := testService(&stubQuoteOracle{}, &stubLocalVerifier{}, &stubSettler{}, store)

		outcome, finalized, err := svc.FinalizeItemPayment(context.Background(), "item-free", 1000)
		if err != nil || finalized || outcome != FraudOutcomeConfirmed {
			t.Fatalf("outcome=%s finalized=%v err=%v", outcome, finalized, err)
		}
	})
}

func TestLinkToItem(t *testing.T) {
	store := newMemPaymentStore()
	store.payments["pay-1"] = metadata.Payment{PaymentID: "pay-1", Status: metadata.PaymentStatusPendingValidation}
	svc := testService(&stubQuoteOracle{}, &stubLocalVerifier{}, &stubSettler{}, store)

	if err := svc.LinkToItem(context.Background(), "pay-1", "item-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Relinking the same pair is idempotent; a different item conflicts.
	if err := svc.LinkToItem(context.Background(), "pay-1", "item-1"); err != nil {
		t.Fatalf("relink same item: %v", err)
	}
	if err := svc.LinkToItem(context.Background(), "pay-1", "item-2"); !errors.Is(err, metadata.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
