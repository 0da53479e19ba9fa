package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/httputil"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/pkg/x402"
)

// FacilitatorClient talks to the ordered facilitator list. Verify and
// settle walk the list and accept the first endpoint that succeeds; every
// endpoint failing is a terminal error for the request.
type FacilitatorClient struct {
	http    *http.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewFacilitatorClient builds a client. The shared transport carries its
// own per-call timeouts, so the client itself has none.
func NewFacilitatorClient(m *metrics.Metrics, logger zerolog.Logger) *FacilitatorClient {
	return &FacilitatorClient{
		http:    httputil.NewClient(0),
		metrics: m,
		logger:  logger.With().Str("component", "facilitator").Logger(),
	}
}

// facilitatorRequest is the body POSTed to /verify and /settle. Numeric
// authorization fields serialize as strings via x402.FlexString.
type facilitatorRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
}

type settleResponse struct {
	Success         bool   `json:"success"`
	Transaction     string `json:"transaction"`
	TransactionHash string `json:"transactionHash"`
	Network         string `json:"network"`
	Payer           string `json:"payer"`
	ErrorReason     string `json:"errorReason"`
}

// Verify asks each facilitator in order to validate the authorization.
// Returns nil on the first acceptance.
func (c *FacilitatorClient) Verify(ctx context.Context, endpoints []string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) error {
	if len(endpoints) == 0 {
		return errors.New("no facilitators configured")
	}
	var lastErr error
	for _, endpoint := range endpoints {
		err := c.verifyOne(ctx, endpoint, payload, reqs)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("facilitator", endpoint).Msg("facilitator verify failed")
	}
	return lastErr
}

// Settle asks each facilitator in order to broadcast the transfer. Returns
// the settlement transaction hash from the first success. A response
// without a transaction hash is a failure even on HTTP 200: without a hash
// there is nothing to record or audit.
func (c *FacilitatorClient) Settle(ctx context.Context, endpoints []string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (string, error) {
	if len(endpoints) == 0 {
		return "", errors.New("no facilitators configured")
	}
	var lastErr error
	for _, endpoint := range endpoints {
		txHash, err := c.settleOne(ctx, endpoint, payload, reqs)
		if err == nil {
			return txHash, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("facilitator", endpoint).Msg("facilitator settle failed")
	}
	return "", lastErr
}

func (c *FacilitatorClient) verifyOne(ctx context.Context, endpoint string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) error {
	ctx, cancel := context.WithTimeout(ctx, x402.FacilitatorVerifyTimeout)
	defer cancel()

	start := time.Now()
	var out verifyResponse
	err := c.post(ctx, endpoint, "/verify", payload, reqs, &out)
	if c.metrics != nil {
		c.metrics.ObserveFacilitator(endpoint, "verify", time.Since(start), err)
	}
	if err != nil {
		return err
	}
	if !out.IsValid {
		reason := out.InvalidReason
		if reason == "" {
			reason = "unspecified"
		}
		return fmt.Errorf("facilitator rejected authorization: %s", reason)
	}
	return nil
}

func (c *FacilitatorClient) settleOne(ctx context.Context, endpoint string, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, x402.FacilitatorSettleTimeout)
	defer cancel()

	start := time.Now()
	var out settleResponse
	err := c.post(ctx, endpoint, "/settle", payload, reqs, &out)
	if c.metrics != nil {
		c.metrics.ObserveFacilitator(endpoint, "settle", time.Since(start), err)
	}
	if err != nil {
		return "", err
	}

	txHash := out.Transaction
	if txHash == "" {
		txHash = out.TransactionHash
	}
	if txHash == "" {
		reason := out.ErrorReason
		if reason == "" {
			reason = "no transaction hash in settle response"
		}
		return "", fmt.Errorf("settlement not confirmed: %s", reason)
	}
	return txHash, nil
}

func (c *FacilitatorClient) post(ctx context.Context, endpoint, path string, payload x402.PaymentPayload, reqs x402.PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         x402.ProtocolVersion,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}

	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call facilitator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read facilitator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, truncateBody(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode facilitator response: %w", err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
