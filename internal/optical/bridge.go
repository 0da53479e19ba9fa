// Package optical forwards freshly admitted item headers to downstream
// indexers so items become queryable before their bundle confirms on chain.
// Delivery is best-effort: each sink sits behind its own circuit breaker and
// only the primary sink can fail the job.
package optical

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/bundlepay/server/internal/circuitbreaker"
	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/httputil"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/internal/queue"
	"github.com/bundlepay/server/pkg/bundleitem"
)

// Sink roles. Primary failures fail (and retry) the job; optional and canary
// failures are logged and swallowed.
const (
	RolePrimary  = "primary"
	RoleOptional = "optional"
	RoleCanary   = "canary"
)

// EncodedTag is one item tag with both halves base64url-encoded, the form
// indexers accept.
type EncodedTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ItemHeader is the wire shape forwarded to indexers: every binary header
// field base64url-encoded, the payload described by size and content type
// only.
type ItemHeader struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"`
	Signature     string       `json:"signature"`
	Target        string       `json:"target"`
	Anchor        string       `json:"anchor"`
	Tags          []EncodedTag `json:"tags"`
	DataSize      int64        `json:"data_size"`
	ContentType   string       `json:"content_type"`
	SignatureType int          `json:"signature_type"`
}

// SignedHeader is an ItemHeader carrying the service's attestation. Indexers
// check bundlerSignature against the service wallet before trusting the
// early-visibility signal, since the header arrives ahead of any chain proof.
type SignedHeader struct {
	ItemHeader
	BundlerSignature string `json:"bundlerSignature"`
}

// NewItemHeader converts a decoded header into the indexer wire shape.
func NewItemHeader(h *bundleitem.Header, payloadSize int64) ItemHeader {
	enc := base64.RawURLEncoding.EncodeToString
	tags := make([]EncodedTag, 0, len(h.Tags))
	for _, t := range h.Tags {
		tags = append(tags, EncodedTag{
			Name:  enc([]byte(t.Name)),
			Value: enc([]byte(t.Value)),
		})
	}
	return ItemHeader{
		ID:            h.ID(),
		Owner:         enc(h.Owner),
		Signature:     enc(h.Signature),
		Target:        enc(h.Target),
		Anchor:        enc(h.Anchor),
		Tags:          tags,
		DataSize:      payloadSize,
		ContentType:   h.ContentType(),
		SignatureType: int(h.SignatureType),
	}
}

// SignHeader attests a header with the service signer. The signature covers
// the blob deep-hash of the header's canonical JSON encoding.
func SignHeader(signer bundleitem.Signer, h ItemHeader) (SignedHeader, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return SignedHeader{}, fmt.Errorf("encode header: %w", err)
	}
	sig, err := signer.Sign(bundleitem.DeepHashBlob(body))
	if err != nil {
		return SignedHeader{}, fmt.Errorf("sign header: %w", err)
	}
	return SignedHeader{
		ItemHeader:       h,
		BundlerSignature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// PostJob is the optical-post queue payload. The header is signed at
// admission time so the worker needs no access to the stored bytes.
type PostJob struct {
	Header SignedHeader `json:"header"`
}

// Bridge fans signed headers out to the configured sinks.
type Bridge struct {
	cfg      config.OpticalConfig
	breakers *circuitbreaker.Manager
	client   *http.Client
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	// sample returns a uniform [0,1) draw; swapped out in tests.
	sample func() float64
}

// NewBridge builds the bridge with one breaker per sink name. Per-call
// deadlines come from the job context, so the shared client carries no
// client-level timeout.
func NewBridge(cfg config.OpticalConfig, logger zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		breakers: circuitbreaker.NewManagerFromConfig(true, cfg.Breaker),
		client:   httputil.NewClient(0),
		logger:   logger,
		sample:   rand.Float64,
	}
}

// WithMetrics attaches per-sink outcome metrics.
func (b *Bridge) WithMetrics(m *metrics.Metrics) *Bridge {
	b.metrics = m
	return b
}

// Enabled reports whether forwarding is configured at all.
func (b *Bridge) Enabled() bool {
	return b.cfg.Enabled && len(b.cfg.Sinks) > 0
}

// HandlePost is the optical-post queue handler.
func (b *Bridge) HandlePost(ctx context.Context, job queue.Job) error {
	var payload PostJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: optical payload: %v", queue.ErrPermanent, err)
	}
	if payload.Header.ID == "" {
		return fmt.Errorf("%w: optical payload has no item id", queue.ErrPermanent)
	}
	return b.Forward(ctx, payload.Header)
}

// Forward posts the header to every sink concurrently. Canary sinks see a
// sampled fraction of traffic. Only a primary failure propagates.
func (b *Bridge) Forward(ctx context.Context, header SignedHeader) error {
	body, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("%w: encode signed header: %v", queue.ErrPermanent, err)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		primaryErr error
	)
	for _, sink := range b.cfg.Sinks {
		if sink.Role == RoleCanary && b.sample() >= b.cfg.CanarySampleRate {
			continue
		}
		wg.Add(1)
		go func(sink config.OpticalSinkConfig) {
			defer wg.Done()
			err := b.postSink(ctx, sink, body, header.ID)
			if err != nil && sink.Role == RolePrimary {
				mu.Lock()
				primaryErr = fmt.Errorf("primary sink %s: %w", sink.Name, err)
				mu.Unlock()
			}
		}(sink)
	}
	wg.Wait()
	return primaryErr
}

// postSink delivers one POST through the sink's breaker.
func (b *Bridge) postSink(ctx context.Context, sink config.OpticalSinkConfig, body []byte, itemID string) error {
	start := time.Now()
	_, err := b.breakers.Execute(sink.Name, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout())
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, sink.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

		if resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil, nil
	})

	if b.metrics != nil {
		b.metrics.ObserveOpticalPost(sink.Name, sink.Role, time.Since(start), err)
	}

	switch {
	case err == nil:
		b.logger.Debug().
			Str("sink", sink.Name).
			Str("itemID", itemID).
			Msg("optical header forwarded")
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logger.Debug().
			Str("sink", sink.Name).
			Str("role", sink.Role).
			Str("itemID", itemID).
			Msg("optical sink breaker open, skipped")
	default:
		b.logger.Warn().
			Err(err).
			Str("sink", sink.Name).
			Str("role", sink.Role).
			Str("itemID", itemID).
			Msg("optical post failed")
	}
	return err
}

// callTimeout picks the per-sink deadline. Local development stacks answer
// slowly enough to need the longer bound.
func (b *Bridge) callTimeout() time.Duration {
	if b.cfg.LocalMode {
		return b.cfg.LocalCallTimeout.Duration
	}
	return b.cfg.CallTimeout.Duration
}
