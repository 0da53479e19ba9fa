package arweave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/cacheutil"
	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/httputil"
)

var (
	// ErrTxNotFound means no queried gateway knows the transaction.
	ErrTxNotFound = errors.New("arweave: transaction not found")
	// ErrTxPending means the transaction is accepted but not yet mined.
	ErrTxPending = errors.New("arweave: transaction pending")
)

// TxStatus is the mined-transaction status a gateway reports.
type TxStatus struct {
	BlockHeight           int64  `json:"block_height"`
	BlockIndepHash        string `json:"block_indep_hash"`
	NumberOfConfirmations int64  `json:"number_of_confirmations"`
}

// heightCacheTTL bounds how stale a cached block height may be. Blocks
// arrive roughly every two minutes, so 30s keeps receipt deadlines tight
// without a gateway round trip per upload.
const heightCacheTTL = 30 * time.Second

// Client talks to chain gateways. Calls walk the configured gateway list
// in order and fall through on transport failures and 5xx responses, so a
// single flaky gateway never stalls the pipeline.
type Client struct {
	gateways []string
	http     *http.Client
	upload   *http.Client
	logger   zerolog.Logger

	heightMu sync.RWMutex
	height   cacheutil.CachedValue[int64]
}

// NewClient builds a gateway client from chain configuration.
func NewClient(cfg config.ChainConfig, logger zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	gateways := make([]string, 0, 1+len(cfg.GatewayURLs))
	appendGateway := func(raw string) {
		g := strings.TrimRight(strings.TrimSpace(raw), "/")
		if g == "" {
			return
		}
		for _, seen := range gateways {
			if seen == g {
				return
			}
		}
		gateways = append(gateways, g)
	}
	appendGateway(cfg.GatewayURL)
	for _, g := range cfg.GatewayURLs {
		appendGateway(g)
	}

	return &Client{
		gateways: gateways,
		http:     httputil.NewClient(timeout),
		upload:   httputil.NewUploadClient(timeout),
		logger:   logger.With().Str("component", "arweave").Logger(),
	}
}

// Gateways returns the configured gateway list, primary first.
func (c *Client) Gateways() []string { return c.gateways }

// PrimaryGateway returns the first configured gateway.
func (c *Client) PrimaryGateway() string {
	if len(c.gateways) == 0 {
		return ""
	}
	return c.gateways[0]
}

// Height fetches the current block height from /info.
func (c *Client) Height(ctx context.Context) (int64, error) {
	var info struct {
		Height int64 `json:"height"`
	}
	if err := c.getJSON(ctx, "/info", &info); err != nil {
		return 0, err
	}
	return info.Height, nil
}

// CachedHeight returns the block height, refreshed at most every 30s.
func (c *Client) CachedHeight(ctx context.Context) (int64, error) {
	return cacheutil.ReadThrough(
		&c.heightMu,
		func(now time.Time) (int64, bool) {
			if !c.height.FetchedAt.IsZero() && c.height.Age(now) < heightCacheTTL {
				return c.height.Value, true
			}
			return 0, false
		},
		func(now time.Time) (int64, error) {
			height, err := c.Height(ctx)
			if err != nil {
				return 0, err
			}
			c.height = cacheutil.CachedValue[int64]{Value: height, FetchedAt: now}
			return height, nil
		},
	)
}

// PriceForBytes fetches the chain-unit price to store byteCount bytes.
func (c *Client) PriceForBytes(ctx context.Context, byteCount int64) (uint64, error) {
	body, err := c.getText(ctx, fmt.Sprintf("/price/%d", byteCount))
	if err != nil {
		return 0, err
	}
	price, err := strconv.ParseUint(strings.TrimSpace(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price response %q: %w", body, err)
	}
	return price, nil
}

// TxAnchor fetches a transaction anchor for new transactions.
func (c *Client) TxAnchor(ctx context.Context) (string, error) {
	anchor, err := c.getText(ctx, "/tx_anchor")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(anchor), nil
}

// WalletBalance fetches an address balance in chain units.
func (c *Client) WalletBalance(ctx context.Context, address string) (uint64, error) {
	body, err := c.getText(ctx, "/wallet/"+address+"/balance")
	if err != nil {
		return 0, err
	}
	balance, err := strconv.ParseUint(strings.TrimSpace(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance response %q: %w", body, err)
	}
	return balance, nil
}

// TxStatus reports mined status for a transaction. A gateway 404 is an
// authoritative not-found and stops the walk; 202 means accepted but not
// yet mined.
func (c *Client) TxStatus(ctx context.Context, id string) (*TxStatus, error) {
	var lastErr error
	for _, gw := range c.gateways {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw+"/tx/"+id+"/status", nil)
		if err != nil {
			return nil, fmt.Errorf("build status request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.warnGateway(gw, "tx status", err)
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var status TxStatus
			err := json.NewDecoder(resp.Body).Decode(&status)
			resp.Body.Close()
			if err != nil {
				lastErr = fmt.Errorf("decode status response: %w", err)
				c.warnGateway(gw, "tx status", lastErr)
				continue
			}
			return &status, nil
		case http.StatusAccepted:
			resp.Body.Close()
			return nil, ErrTxPending
		case http.StatusNotFound:
			resp.Body.Close()
			return nil, ErrTxNotFound
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("received status %d from %s: %s", resp.StatusCode, gw, strings.TrimSpace(string(body)))
			c.warnGateway(gw, "tx status", lastErr)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no gateways configured")
	}
	return nil, lastErr
}

// SubmitTx posts a signed transaction header. 208 means the gateway already
// has it, which counts as success for an idempotent worker.
func (c *Client) SubmitTx(ctx context.Context, tx *Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	return c.postJSON(ctx, "/tx", payload)
}

// UploadChunk seeds one chunk with its inclusion proof.
func (c *Client) UploadChunk(ctx context.Context, chunk *ChunkUpload) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return c.postJSON(ctx, "/chunk", payload)
}

func (c *Client) postJSON(ctx context.Context, path string, payload []byte) error {
	var lastErr error
	for _, gw := range c.gateways {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.upload.Do(req)
		if err != nil {
			lastErr = err
			c.warnGateway(gw, path, err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAlreadyReported {
			return nil
		}
		lastErr = fmt.Errorf("received status %d from %s: %s", resp.StatusCode, gw, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The payload itself was rejected; other gateways will agree.
			return lastErr
		}
		c.warnGateway(gw, path, lastErr)
	}
	if lastErr == nil {
		lastErr = errors.New("no gateways configured")
	}
	return lastErr
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.getText(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getText(ctx context.Context, path string) (string, error) {
	var lastErr error
	for _, gw := range c.gateways {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw+path, nil)
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.warnGateway(gw, path, err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			c.warnGateway(gw, path, lastErr)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("received status %d from %s: %s", resp.StatusCode, gw, strings.TrimSpace(string(body)))
			c.warnGateway(gw, path, lastErr)
			continue
		}
		return string(body), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no gateways configured")
	}
	return "", lastErr
}

func (c *Client) warnGateway(gateway, op string, err error) {
	c.logger.Warn().
		Err(err).
		Str("gateway", gateway).
		Str("op", op).
		Msg("gateway call failed, trying next")
}
