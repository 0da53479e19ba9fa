package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/httputil"
	"github.com/bundlepay/server/internal/logger"
	"github.com/bundlepay/server/internal/metrics"
)

// winstonPerAR converts the chain's atomic unit for display in alerts.
const winstonPerAR = 1e12

// realert is how long a wallet stays muted after an alert fires.
const realert = 24 * time.Hour

// balanceSource reads the service wallet balance from the chain gateway.
// Satisfied by *arweave.Client.
type balanceSource interface {
	WalletBalance(ctx context.Context, address string) (uint64, error)
}

// BalanceMonitor polls the service wallet and raises a webhook alert when
// the winston balance falls under the configured threshold. Every bundle
// post spends winston, so an empty wallet stalls the whole pipeline.
type BalanceMonitor struct {
	cfg        config.MonitoringConfig
	chain      balanceSource
	address    string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu          sync.Mutex
	lastAlerted time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBalanceMonitor creates a monitor for the service wallet address.
func NewBalanceMonitor(cfg config.MonitoringConfig, chain balanceSource, address string, m *metrics.Metrics, appLogger zerolog.Logger) *BalanceMonitor {
	return &BalanceMonitor{
		cfg:        cfg,
		chain:      chain,
		address:    address,
		httpClient: httputil.NewClient(cfg.Timeout.Duration),
		metrics:    m,
		logger:     appLogger.With().Str("component", "balance_monitor").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the monitoring loop. Without an alert URL the loop still
// runs to keep the balance gauge fresh.
func (m *BalanceMonitor) Start(ctx context.Context) {
	if m.address == "" {
		m.logger.Info().Msg("balance_monitor.no_wallet")
		return
	}

	m.logger.Info().
		Str("wallet", logger.TruncateID(m.address)).
		Dur("check_interval", m.cfg.CheckInterval.Duration).
		Uint64("threshold_winston", m.cfg.LowBalanceThreshold).
		Bool("alerts", m.cfg.LowBalanceAlertURL != "").
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop gracefully stops the monitoring loop.
func (m *BalanceMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("balance_monitor.stopped")
}

// monitorLoop runs the periodic balance checks.
func (m *BalanceMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.CheckInterval.Duration
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial check immediately
	m.checkBalance(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkBalance(ctx)
		}
	}
}

// checkBalance polls the gateway, updates the gauge, and alerts when the
// balance crosses under the threshold.
func (m *BalanceMonitor) checkBalance(ctx context.Context) {
	balance, err := m.chain.WalletBalance(ctx, m.address)
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("wallet", logger.TruncateID(m.address)).
			Msg("balance_monitor.fetch_error")
		return
	}

	if m.metrics != nil {
		m.metrics.SetWalletBalance(float64(balance))
	}

	m.logger.Debug().
		Str("wallet", logger.TruncateID(m.address)).
		Uint64("winston", balance).
		Msg("balance_monitor.balance_checked")

	if balance < m.cfg.LowBalanceThreshold {
		if m.shouldAlert() {
			m.sendAlert(ctx, balance)
		}
		return
	}

	// Balance is healthy again, re-arm the alert.
	m.mu.Lock()
	m.lastAlerted = time.Time{}
	m.mu.Unlock()
}

// shouldAlert dedups alerts to one per realert window.
func (m *BalanceMonitor) shouldAlert() bool {
	if m.cfg.LowBalanceAlertURL == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAlerted.IsZero() || time.Since(m.lastAlerted) > realert
}

// sendAlert posts the webhook notification.
func (m *BalanceMonitor) sendAlert(ctx context.Context, balance uint64) {
	ar := float64(balance) / winstonPerAR
	thresholdAR := float64(m.cfg.LowBalanceThreshold) / winstonPerAR

	body, err := json.Marshal(map[string]any{
		"content": fmt.Sprintf(
			"**Low Balance Alert**\n\n"+
				"Wallet: `%s`\n"+
				"Balance: **%.6f AR** (%d winston)\n"+
				"Threshold: %.6f AR\n\n"+
				"Top up the service wallet or bundle posting will stall.",
			m.address, ar, balance, thresholdAR,
		),
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("balance_monitor.marshal_error")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LowBalanceAlertURL, bytes.NewReader(body))
	if err != nil {
		m.logger.Error().Err(err).Msg("balance_monitor.request_error")
		return
	}

	// Set default Content-Type for Discord/Slack
	req.Header.Set("Content-Type", "application/json")

	// Apply custom headers
	for key, value := range m.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Error().Err(err).Msg("balance_monitor.send_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.logger.Info().
			Uint64("winston", balance).
			Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_sent")
		m.mu.Lock()
		m.lastAlerted = time.Now()
		m.mu.Unlock()
	} else {
		m.logger.Warn().
			Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_failed")
	}
}
