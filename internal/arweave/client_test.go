package arweave

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
)

func newTestClient(gateways ...string) *Client {
	return NewClient(config.ChainConfig{
		GatewayURL:  gateways[0],
		GatewayURLs: gateways[1:],
	}, zerolog.Nop())
}

func TestHeightAndPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			json.NewEncoder(w).Encode(map[string]any{"height": 1500000, "network": "arweave.N.1"})
		case "/price/1024":
			w.Write([]byte("424242"))
		case "/wallet/abc/balance":
			w.Write([]byte("777"))
		case "/tx_anchor":
			w.Write([]byte("anchor-value\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	height, err := c.Height(ctx)
	if err != nil {
		t.Fatalf("Height: %v", err)
	}
	if height != 1500000 {
		t.Fatalf("height = %d, want 1500000", height)
	}

	price, err := c.PriceForBytes(ctx, 1024)
	if err != nil {
		t.Fatalf("PriceForBytes: %v", err)
	}
	if price != 424242 {
		t.Fatalf("price = %d, want 424242", price)
	}

	balance, err := c.WalletBalance(ctx, "abc")
	if err != nil {
		t.Fatalf("WalletBalance: %v", err)
	}
	if balance != 777 {
		t.Fatalf("balance = %d, want 777", balance)
	}

	anchor, err := c.TxAnchor(ctx)
	if err != nil {
		t.Fatalf("TxAnchor: %v", err)
	}
	if anchor != "anchor-value" {
		t.Fatalf("anchor = %q", anchor)
	}
}

func TestGatewayFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"height": 99})
	}))
	defer good.Close()

	c := newTestClient(bad.URL, good.URL)
	height, err := c.Height(context.Background())
	if err != nil {
		t.Fatalf("Height: %v", err)
	}
	if height != 99 {
		t.Fatalf("height = %d, want 99", height)
	}
}

func TestTxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/mined/status":
			json.NewEncoder(w).Encode(TxStatus{BlockHeight: 1499990, BlockIndepHash: "hash", NumberOfConfirmations: 20})
		case "/tx/pending/status":
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	status, err := c.TxStatus(ctx, "mined")
	if err != nil {
		t.Fatalf("TxStatus: %v", err)
	}
	if status.NumberOfConfirmations != 20 {
		t.Fatalf("confirmations = %d, want 20", status.NumberOfConfirmations)
	}

	if _, err := c.TxStatus(ctx, "pending"); !errors.Is(err, ErrTxPending) {
		t.Fatalf("err = %v, want ErrTxPending", err)
	}
	if _, err := c.TxStatus(ctx, "unknown"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("err = %v, want ErrTxNotFound", err)
	}
}

func TestSubmitTx(t *testing.T) {
	var got Transaction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	tx := &Transaction{Format: 2, ID: "abc", Quantity: "0", Reward: "1"}
	if err := c.SubmitTx(context.Background(), tx); err != nil {
		t.Fatalf("SubmitTx: %v", err)
	}
	if got.ID != "abc" {
		t.Fatalf("posted ID = %s, want abc", got.ID)
	}
}

func TestSubmitTxAlreadyReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAlreadyReported)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.SubmitTx(context.Background(), &Transaction{Format: 2}); err != nil {
		t.Fatalf("SubmitTx on 208: %v", err)
	}
}

func TestPostRejectionStopsGatewayWalk(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad tx", http.StatusBadRequest)
	}))
	defer first.Close()
	var secondCalled bool
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer second.Close()

	c := newTestClient(first.URL, second.URL)
	if err := c.SubmitTx(context.Background(), &Transaction{Format: 2}); err == nil {
		t.Fatal("expected rejection error")
	}
	if secondCalled {
		t.Fatal("a 4xx rejection must not fall through to the next gateway")
	}
}

func TestCachedHeight(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"height": 123})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		height, err := c.CachedHeight(ctx)
		if err != nil {
			t.Fatalf("CachedHeight: %v", err)
		}
		if height != 123 {
			t.Fatalf("height = %d, want 123", height)
		}
	}
	if calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", calls)
	}
}
