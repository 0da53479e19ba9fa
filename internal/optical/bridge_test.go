package optical

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/bundleitem"
)

func newTestSigner(t *testing.T) bundleitem.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return bundleitem.NewEd25519Signer(priv)
}

func testBreaker() config.BreakerServiceConfig {
	return config.BreakerServiceConfig{
		MaxRequests:         1,
		Interval:            config.Duration{Duration: time.Minute},
		Timeout:             config.Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 3,
		FailureRatio:        0.5,
		MinRequests:         4,
	}
}

func testBridge(sinks ...config.OpticalSinkConfig) *Bridge {
	cfg := config.OpticalConfig{
		Enabled:          true,
		Sinks:            sinks,
		CallTimeout:      config.Duration{Duration: 3 * time.Second},
		CanarySampleRate: 0.1,
		Breaker:          testBreaker(),
	}
	return NewBridge(cfg, zerolog.Nop())
}

func signedHeader(t *testing.T) SignedHeader {
	t.Helper()
	return SignedHeader{
		ItemHeader: ItemHeader{
			ID:            "itm-1",
			Owner:         "b3duZXI",
			Signature:     "c2ln",
			DataSize:      42,
			ContentType:   "text/plain",
			SignatureType: 1,
			Tags:          []EncodedTag{},
		},
		BundlerSignature: "YXR0ZXN0",
	}
}

func TestForwardPostsToAllSinks(t *testing.T) {
	var primaryHits, optionalHits atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		var got SignedHeader
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if got.ID != "itm-1" {
			t.Errorf("forwarded id = %q, want itm-1", got.ID)
		}
		if got.BundlerSignature == "" {
			t.Error("forwarded header missing attestation")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer primary.Close()

	optional := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		optionalHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer optional.Close()

	b := testBridge(
		config.OpticalSinkConfig{Name: "idx-1", URL: primary.URL, Role: RolePrimary},
		config.OpticalSinkConfig{Name: "idx-2", URL: optional.URL, Role: RoleOptional},
	)

	if err := b.Forward(context.Background(), signedHeader(t)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if primaryHits.Load() != 1 || optionalHits.Load() != 1 {
		t.Fatalf("hits = %d/%d, want 1/1", primaryHits.Load(), optionalHits.Load())
	}
}

func TestOptionalFailureDoesNotFailJob(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer primary.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	b := testBridge(
		config.OpticalSinkConfig{Name: "idx-1", URL: primary.URL, Role: RolePrimary},
		config.OpticalSinkConfig{Name: "idx-2", URL: broken.URL, Role: RoleOptional},
	)

	if err := b.Forward(context.Background(), signedHeader(t)); err != nil {
		t.Fatalf("optional sink failure should not propagate, got %v", err)
	}
}

func TestPrimaryFailureFailsJob(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	b := testBridge(config.OpticalSinkConfig{Name: "idx-1", URL: broken.URL, Role: RolePrimary})

	err := b.Forward(context.Background(), signedHeader(t))
	if err == nil {
		t.Fatal("primary sink failure should propagate")
	}
	if !strings.Contains(err.Error(), "idx-1") {
		t.Fatalf("error should name the sink, got %v", err)
	}
}

func TestCanarySampling(t *testing.T) {
	var hits atomic.Int32
	canary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer canary.Close()

	b := testBridge(config.OpticalSinkConfig{Name: "canary-1", URL: canary.URL, Role: RoleCanary})

	// Draw above the rate: skipped.
	b.sample = func() float64 { return 0.99 }
	if err := b.Forward(context.Background(), signedHeader(t)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("canary hit on skipped draw, hits = %d", hits.Load())
	}

	// Draw below the rate: forwarded.
	b.sample = func() float64 { return 0.05 }
	if err := b.Forward(context.Background(), signedHeader(t)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("canary hits = %d, want 1", hits.Load())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	b := testBridge(config.OpticalSinkConfig{Name: "idx-1", URL: broken.URL, Role: RolePrimary})

	header := signedHeader(t)
	// Trip threshold is 3 consecutive failures; further posts are shed
	// without reaching the sink.
	for i := 0; i < 5; i++ {
		if err := b.Forward(context.Background(), header); err == nil {
			t.Fatalf("Forward %d should fail", i)
		}
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("sink hits = %d, want 3 (breaker should shed the rest)", got)
	}
}

func TestHandlePostRejectsBadPayload(t *testing.T) {
	b := testBridge(config.OpticalSinkConfig{Name: "idx-1", URL: "http://127.0.0.1:1", Role: RolePrimary})

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"header":`},
		{"missing id", `{"header":{"id":""}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := b.HandlePost(context.Background(), queue.Job{Payload: json.RawMessage(tc.payload)})
			if err == nil {
				t.Fatal("want error")
			}
			if !strings.Contains(err.Error(), queue.ErrPermanent.Error()) {
				t.Fatalf("want permanent failure, got %v", err)
			}
		})
	}
}

func TestSignHeaderAttestsCanonicalJSON(t *testing.T) {
	signer := newTestSigner(t)

	h := ItemHeader{ID: "itm-1", Owner: "b3duZXI", DataSize: 7, SignatureType: 1, Tags: []EncodedTag{}}
	signed, err := SignHeader(signer, h)
	if err != nil {
		t.Fatalf("SignHeader: %v", err)
	}
	if signed.ID != h.ID {
		t.Fatalf("signed header id = %q, want %q", signed.ID, h.ID)
	}

	sig, err := base64.RawURLEncoding.DecodeString(signed.BundlerSignature)
	if err != nil {
		t.Fatalf("decode attestation: %v", err)
	}

	body, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	spec, ok := bundleitem.SpecFor(signer.Type())
	if !ok {
		t.Fatal("no spec for signer type")
	}
	if err := spec.Verify(signer.Owner(), bundleitem.DeepHashBlob(body), sig); err != nil {
		t.Fatalf("attestation does not verify: %v", err)
	}
}
