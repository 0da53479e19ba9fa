package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/admission"
	"github.com/bundlepay/server/internal/arweave"
	"github.com/bundlepay/server/internal/config"
	apierrors "github.com/bundlepay/server/internal/errors"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/payment"
	"github.com/bundlepay/server/internal/pricing"
	"github.com/bundlepay/server/pkg/x402"
)

type stubAdmitter struct {
	result *admission.Result
	err    error

	gotContentLength int64
	gotPayment       string
	gotBody          []byte
}

func (s *stubAdmitter) Admit(ctx context.Context, req admission.Request) (*admission.Result, error) {
	s.gotContentLength = req.ContentLength
	s.gotPayment = req.PaymentHeader
	if req.Body != nil {
		s.gotBody, _ = io.ReadAll(req.Body)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubQuoter struct {
	enabled  bool
	quote    x402.RequiredResponse
	reqs     x402.PaymentRequirements
	price    pricing.Quote
	err      error
	gotBytes int64
	gotKey   string
}

func (s *stubQuoter) Enabled() bool { return s.enabled }

func (s *stubQuoter) Quote(ctx context.Context, byteCount int64) (x402.RequiredResponse, error) {
	s.gotBytes = byteCount
	if s.err != nil {
		return x402.RequiredResponse{}, s.err
	}
	return s.quote, nil
}

func (s *stubQuoter) QuoteForNetwork(ctx context.Context, byteCount int64, key string) (x402.PaymentRequirements, pricing.Quote, error) {
	s.gotBytes = byteCount
	s.gotKey = key
	if s.err != nil {
		return x402.PaymentRequirements{}, pricing.Quote{}, s.err
	}
	return s.reqs, s.price, nil
}

type stubStore struct {
	status    metadata.ItemStatus
	statusErr error
	offset    metadata.ItemOffset
	offsetErr error
}

func (s *stubStore) GetItemStatus(ctx context.Context, id string) (metadata.ItemStatus, error) {
	if s.statusErr != nil {
		return metadata.ItemStatus{}, s.statusErr
	}
	return s.status, nil
}

func (s *stubStore) GetOffsets(ctx context.Context, itemID string) (metadata.ItemOffset, error) {
	if s.offsetErr != nil {
		return metadata.ItemOffset{}, s.offsetErr
	}
	return s.offset, nil
}

type stubChain struct {
	primary  string
	gateways []string
}

func (s *stubChain) PrimaryGateway() string { return s.primary }
func (s *stubChain) Gateways() []string     { return s.gateways }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Address: ":0"},
		Upload: config.UploadConfig{FreeUploadLimitBytes: 100},
		X402: config.X402Config{Networks: []config.NetworkConfig{
			{Name: "base", PayTo: "0xpayto", Enabled: true},
			{Name: "base-sepolia", PayTo: "0xtest", Enabled: false},
		}},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config, admit admitter, quoter paymentQuoter, store statusStore, chain chainInfo) chi.Router {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, admit, quoter, store, chain, "svc-wallet-address", nil, zerolog.Nop())
	return router
}

func decodeErrorResponse(t *testing.T, body io.Reader) apierrors.ErrorResponse {
	t.Helper()
	var resp apierrors.ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestUploadItemSuccess(t *testing.T) {
	admit := &stubAdmitter{result: &admission.Result{
		Receipt: testReceipt("item-1"),
	}}
	router := newTestRouter(t, nil, admit, &stubQuoter{}, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodPost, "/v1/tx", strings.NewReader("item bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if admit.gotContentLength != int64(len("item bytes")) {
		t.Errorf("contentLength = %d, want %d", admit.gotContentLength, len("item bytes"))
	}
	if string(admit.gotBody) != "item bytes" {
		t.Errorf("admission saw body %q", admit.gotBody)
	}
	if got := rec.Header().Get(x402.HeaderPaymentResponse); got != "" {
		t.Errorf("free upload must not carry a settlement header, got %q", got)
	}

	var receipt map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt["id"] != "item-1" {
		t.Errorf("receipt id = %v", receipt["id"])
	}
}

func TestUploadItemPaidSetsSettlementHeader(t *testing.T) {
	admit := &stubAdmitter{result: &admission.Result{
		Receipt: testReceipt("item-2"),
		Settlement: &payment.Settlement{
			PaymentID: "pay-1",
			TxHash:    "0xabc",
			Network:   "base",
			Mode:      x402.ModePayg,
		},
	}}
	router := newTestRouter(t, nil, admit, &stubQuoter{}, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodPost, "/v1/tx", strings.NewReader("paid bytes"))
	req.Header.Set(x402.HeaderPayment, "ZXhhbXBsZQ==")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if admit.gotPayment != "ZXhhbXBsZQ==" {
		t.Errorf("payment header not forwarded, got %q", admit.gotPayment)
	}

	encoded := rec.Header().Get(x402.HeaderPaymentResponse)
	if encoded == "" {
		t.Fatal("missing settlement header")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("settlement header is not base64: %v", err)
	}
	var settlement x402.SettlementResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		t.Fatalf("decode settlement: %v", err)
	}
	if settlement.TxHash != "0xabc" || settlement.Network != "base" {
		t.Errorf("settlement = %+v", settlement)
	}
}

func TestUploadItemPaymentRequired(t *testing.T) {
	quote := x402.RequiredResponse{
		X402Version: x402.ProtocolVersion,
		Accepts: []x402.PaymentRequirements{{
			Scheme:            x402.SchemeExact,
			Network:           "base",
			MaxAmountRequired: "150000",
			PayTo:             "0xpayto",
		}},
	}
	admit := &stubAdmitter{err: &admission.PaymentRequiredError{
		Code:  apierrors.ErrCodePaymentRequired,
		Quote: quote,
	}}
	router := newTestRouter(t, nil, admit, &stubQuoter{}, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodPost, "/v1/tx", strings.NewReader("big item"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if got := rec.Header().Get(x402.HeaderPaymentRequired); got != x402.PaymentRequiredValue {
		t.Errorf("X-Payment-Required = %q, want %q", got, x402.PaymentRequiredValue)
	}

	var body x402.RequiredResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 402 body: %v", err)
	}
	if len(body.Accepts) != 1 || body.Accepts[0].MaxAmountRequired != "150000" {
		t.Errorf("accepts = %+v", body.Accepts)
	}
	if body.Error == "" {
		t.Error("402 body should explain the rejection")
	}
}

func TestUploadItemErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apierrors.ErrorCode
	}{
		{
			name:       "duplicate_maps_to_202",
			err:        x402.VerificationError{Code: apierrors.ErrCodeDuplicateItem, Message: "already received"},
			wantStatus: http.StatusAccepted,
			wantCode:   apierrors.ErrCodeDuplicateItem,
		},
		{
			name:       "invalid_item_maps_to_400",
			err:        x402.VerificationError{Code: apierrors.ErrCodeInvalidItem, Message: "signature mismatch"},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.ErrCodeInvalidItem,
		},
		{
			name:       "blocklisted_maps_to_403",
			err:        x402.VerificationError{Code: apierrors.ErrCodeOwnerBlocklisted, Message: "owner rejected"},
			wantStatus: http.StatusForbidden,
			wantCode:   apierrors.ErrCodeOwnerBlocklisted,
		},
		{
			name:       "storage_outage_maps_to_503",
			err:        x402.VerificationError{Code: apierrors.ErrCodeStorageUnavailable, Message: "no sink"},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   apierrors.ErrCodeStorageUnavailable,
		},
		{
			name:       "unknown_error_maps_to_500",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apierrors.ErrCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admit := &stubAdmitter{err: tt.err}
			router := newTestRouter(t, nil, admit, &stubQuoter{}, &stubStore{}, &stubChain{})

			req := httptest.NewRequest(http.MethodPost, "/v1/tx", strings.NewReader("x"))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			resp := decodeErrorResponse(t, rec.Body)
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestUploadItemRequiresContentLength(t *testing.T) {
	admit := &stubAdmitter{}
	router := newTestRouter(t, nil, admit, &stubQuoter{}, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodPost, "/v1/tx", strings.NewReader("stream"))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeErrorResponse(t, rec.Body)
	if resp.Error.Code != apierrors.ErrCodeMissingContentLength {
		t.Errorf("code = %s", resp.Error.Code)
	}
	if admit.gotBody != nil {
		t.Error("admission must not run without a declared length")
	}
}

func TestItemStatusPending(t *testing.T) {
	store := &stubStore{
		status:    metadata.ItemStatus{Status: metadata.ItemStatusPlanned, AssessedPrice: 42},
		offsetErr: metadata.ErrNotFound,
	}
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, store, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tx/abc/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=15") {
		t.Errorf("Cache-Control = %q, want 15s for pending", cc)
	}

	var body itemStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "pending" || body.Info != metadata.ItemStatusPlanned {
		t.Errorf("body = %+v", body)
	}
	if body.Price != "42" {
		t.Errorf("price = %q", body.Price)
	}
	if body.StartOffsetInRoot != 0 || body.RawContentLength != 0 {
		t.Errorf("pending item must not report offsets: %+v", body)
	}
}

func TestItemStatusPermanentIncludesConsistentOffsets(t *testing.T) {
	store := &stubStore{
		status: metadata.ItemStatus{Status: metadata.ItemStatusPermanent, BundleID: "bundle-tx"},
		offset: metadata.ItemOffset{
			ItemID:             "abc",
			RootBundleID:       "bundle-tx",
			StartOffsetInRoot:  4096,
			RawContentLength:   2048,
			PayloadDataStart:   1100,
			PayloadContentType: "image/png",
		},
	}
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, store, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tx/abc/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=86400") {
		t.Errorf("Cache-Control = %q, want 24h for permanent", cc)
	}

	var body itemStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "permanent" || body.BundleID != "bundle-tx" {
		t.Errorf("body = %+v", body)
	}
	if body.StartOffsetInRoot != 4096 || body.PayloadContentType != "image/png" {
		t.Errorf("offsets missing: %+v", body)
	}
}

func TestItemStatusExcludesMismatchedOffsets(t *testing.T) {
	// A rewound and re-posted bundle leaves the old offset row behind until
	// put-offsets reruns; the status response must not surface it.
	store := &stubStore{
		status: metadata.ItemStatus{Status: metadata.ItemStatusPermanent, BundleID: "bundle-new"},
		offset: metadata.ItemOffset{ItemID: "abc", RootBundleID: "bundle-old", StartOffsetInRoot: 64},
	}
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, store, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tx/abc/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body itemStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.StartOffsetInRoot != 0 {
		t.Errorf("stale offsets leaked into status: %+v", body)
	}
}

func TestItemStatusNotFound(t *testing.T) {
	store := &stubStore{statusErr: metadata.ErrNotFound}
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, store, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tx/missing/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	resp := decodeErrorResponse(t, rec.Body)
	if resp.Error.Code != apierrors.ErrCodeItemNotFound {
		t.Errorf("code = %s", resp.Error.Code)
	}
}

func TestItemOffsets(t *testing.T) {
	store := &stubStore{offset: metadata.ItemOffset{
		ItemID:            "abc",
		RootBundleID:      "bundle-tx",
		StartOffsetInRoot: 128,
		RawContentLength:  512,
		PayloadDataStart:  1100,
		ParentItemID:      "parent-item",
	}}
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, store, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tx/abc/offsets", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body offsetsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RootBundleID != "bundle-tx" || body.ParentItemID != "parent-item" {
		t.Errorf("body = %+v", body)
	}
}

func TestItemOffsetsNotFound(t *testing.T) {
	store := &stubStore{offsetErr: metadata.ErrNotFound}
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, store, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tx/abc/offsets", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	resp := decodeErrorResponse(t, rec.Body)
	if resp.Error.Code != apierrors.ErrCodeOffsetsNotFound {
		t.Errorf("code = %s", resp.Error.Code)
	}
}

func TestPriceDataItem(t *testing.T) {
	quoter := &stubQuoter{
		reqs:  x402.PaymentRequirements{Scheme: x402.SchemeExact, Network: "base", MaxAmountRequired: "150000"},
		price: pricing.Quote{Winston: 90000, AtomicTotal: 150000},
	}
	router := newTestRouter(t, nil, &stubAdmitter{}, quoter, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/price/x402/data-item/base/1024", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if quoter.gotBytes != 1024 || quoter.gotKey != "base" {
		t.Errorf("quoted (%d, %q)", quoter.gotBytes, quoter.gotKey)
	}

	var body priceQuoteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.X402Version != x402.ProtocolVersion || body.ByteCount != 1024 {
		t.Errorf("body = %+v", body)
	}
	if body.WinstonCost != "90000" || body.USDCAmount != "150000" {
		t.Errorf("costs = %s / %s", body.WinstonCost, body.USDCAmount)
	}
	if body.Payment.MaxAmountRequired != "150000" {
		t.Errorf("payment = %+v", body.Payment)
	}
}

func TestPriceDataAddsWrapOverhead(t *testing.T) {
	quoter := &stubQuoter{price: pricing.Quote{Winston: 1, AtomicTotal: 1000}}
	router := newTestRouter(t, nil, &stubAdmitter{}, quoter, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/price/x402/data/base/1000?tags=3&contentType=image/png", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	wantMin := int64(1000 + wrapEnvelopeBytes + (wrapSystemTags+3)*estTagBytes)
	if quoter.gotBytes < wantMin {
		t.Errorf("priced %d bytes, want at least %d", quoter.gotBytes, wantMin)
	}

	var body priceQuoteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ByteCount != quoter.gotBytes {
		t.Errorf("byteCount %d echoes priced size %d", body.ByteCount, quoter.gotBytes)
	}
}

func TestPriceDataRejectsBadTags(t *testing.T) {
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/price/x402/data/base/1000?tags=lots", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPriceByteCountValidation(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "negative", path: "/v1/price/x402/data-item/base/-5"},
		{name: "not_numeric", path: "/v1/price/x402/data-item/base/large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, &stubStore{}, &stubChain{})
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestPriceUnknownNetwork(t *testing.T) {
	quoter := &stubQuoter{err: x402.NewVerificationError(apierrors.ErrCodeNetworkDisabled, errors.New("network \"dogecoin\""))}
	router := newTestRouter(t, nil, &stubAdmitter{}, quoter, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/price/x402/data-item/dogecoin/1024", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	resp := decodeErrorResponse(t, rec.Body)
	if resp.Error.Code != apierrors.ErrCodeNetworkDisabled {
		t.Errorf("code = %s", resp.Error.Code)
	}
}

func TestPriceLegacy(t *testing.T) {
	quoter := &stubQuoter{quote: x402.RequiredResponse{
		X402Version: x402.ProtocolVersion,
		Accepts: []x402.PaymentRequirements{
			{Network: "base", MaxAmountRequired: "150000"},
			{Network: "base-sepolia", MaxAmountRequired: "150000"},
		},
	}}
	router := newTestRouter(t, nil, &stubAdmitter{}, quoter, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/x402/price/3/0xuploader?bytes=2048", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if quoter.gotBytes != 2048 {
		t.Errorf("quoted %d bytes", quoter.gotBytes)
	}

	var body x402.RequiredResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Accepts) != 2 {
		t.Errorf("accepts = %+v", body.Accepts)
	}
}

func TestPriceLegacyRejectsUnknownSigType(t *testing.T) {
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/v1/x402/price/99/0xuploader?bytes=2048", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeErrorResponse(t, rec.Body)
	if resp.Error.Code != apierrors.ErrCodeUnknownSignatureType {
		t.Errorf("code = %s", resp.Error.Code)
	}
}

func TestInfo(t *testing.T) {
	chain := &stubChain{
		primary:  "https://gateway.example",
		gateways: []string{"https://gateway.example", "https://backup.example"},
	}
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, &stubStore{}, chain)

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body infoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != ServiceVersion {
		t.Errorf("version = %q", body.Version)
	}
	if body.Addresses["arweave"] != "svc-wallet-address" {
		t.Errorf("addresses = %+v", body.Addresses)
	}
	if body.Addresses["base"] != "0xpayto" {
		t.Errorf("enabled network address missing: %+v", body.Addresses)
	}
	if _, ok := body.Addresses["base-sepolia"]; ok {
		t.Errorf("disabled network must not be advertised: %+v", body.Addresses)
	}
	if body.Gateway != "https://gateway.example" || len(body.Gateways) != 2 {
		t.Errorf("gateways = %q %v", body.Gateway, body.Gateways)
	}
	if body.FreeUploadLimitBytes != 100 {
		t.Errorf("freeUploadLimitBytes = %d", body.FreeUploadLimitBytes)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, nil, &stubAdmitter{}, &stubQuoter{}, &stubStore{}, &stubChain{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCoarseStatus(t *testing.T) {
	tests := []struct {
		state string
		want  string
	}{
		{metadata.ItemStatusNew, "pending"},
		{metadata.ItemStatusPlanned, "pending"},
		{metadata.ItemStatusPrepared, "pending"},
		{metadata.ItemStatusPosted, "pending"},
		{metadata.ItemStatusPermanent, "permanent"},
		{metadata.ItemStatusFailed, "failed"},
	}
	for _, tt := range tests {
		if got := coarseStatus(tt.state); got != tt.want {
			t.Errorf("coarseStatus(%q) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func testReceipt(id string) arweave.Receipt {
	return arweave.Receipt{
		ID:             id,
		Timestamp:      time.Now().UnixMilli(),
		Version:        "1.0.0",
		DeadlineHeight: 1234,
	}
}
