package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
)

// knownStableTokens maps network name to the canonical USDC contract on that
// network. Quotes assume a $1 peg with 6 decimals, so an unexpected token
// address on a known network is treated as a misconfiguration.
var knownStableTokens = map[string]string{
	"ethereum":     "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	"base":         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-sepolia": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	"polygon":      "0x3c499c542cEf5E3811e1192ce70d8cC03d5c3359",
}

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost:8080"
	}
	c.Server.PublicURL = strings.TrimSuffix(c.Server.PublicURL, "/")

	if c.Chain.GatewayURL == "" {
		c.Chain.GatewayURL = "https://arweave.net"
	}
	c.Chain.GatewayURL = strings.TrimSuffix(c.Chain.GatewayURL, "/")
	for i, gw := range c.Chain.GatewayURLs {
		c.Chain.GatewayURLs[i] = strings.TrimSuffix(gw, "/")
	}
	if c.Chain.DeadlineHeightIncrement <= 0 {
		c.Chain.DeadlineHeightIncrement = 200
	}
	if c.Chain.VerifyConfirmations <= 0 {
		c.Chain.VerifyConfirmations = 18
	}
	if c.Chain.VerifyTimeout.Duration <= 0 {
		c.Chain.VerifyTimeout = Duration{Duration: 6 * time.Hour}
	}

	if c.Pricing.FeePercent < 0 {
		c.Pricing.FeePercent = 0
	}
	if c.Pricing.MinQuoteAtomic == 0 {
		c.Pricing.MinQuoteAtomic = 1000
	}
	if c.Pricing.FXStaleCap.Duration < c.Pricing.FXCacheTTL.Duration {
		c.Pricing.FXStaleCap = Duration{Duration: c.Pricing.FXCacheTTL.Duration}
	}

	if c.X402.PaymentTimeout.Duration <= 0 {
		c.X402.PaymentTimeout = Duration{Duration: 5 * time.Minute}
	}
	if c.X402.FraudTolerance <= 0 {
		c.X402.FraudTolerance = 5
	}

	// Per-network token metadata defaults match the USDC EIP-712 domain.
	for i := range c.X402.Networks {
		n := &c.X402.Networks[i]
		if n.TokenName == "" {
			n.TokenName = "USD Coin"
		}
		if n.TokenVersion == "" {
			n.TokenVersion = "2"
		}
		if n.TokenDecimals <= 0 {
			n.TokenDecimals = 6
		}
	}

	if c.Upload.MaxSingleItemBytes <= 0 {
		c.Upload.MaxSingleItemBytes = 4 << 30
	}
	if c.Upload.InFlightTTL.Duration <= 0 {
		c.Upload.InFlightTTL = Duration{Duration: 2 * time.Minute}
	}

	if c.Packing.MaxBundleBytes <= 0 {
		c.Packing.MaxBundleBytes = 2 << 30
	}
	if c.Packing.MaxItemsPerBundle <= 0 {
		c.Packing.MaxItemsPerBundle = 10000
	}
	if c.Packing.OverdueThreshold.Duration <= 0 {
		c.Packing.OverdueThreshold = Duration{Duration: 30 * time.Minute}
	}
	if c.Packing.PlanInterval.Duration <= 0 {
		c.Packing.PlanInterval = Duration{Duration: 1 * time.Minute}
	}

	if c.Queue.PollInterval.Duration <= 0 {
		c.Queue.PollInterval = Duration{Duration: 1 * time.Second}
	}
	if c.Queue.Retry.InitialInterval.Duration <= 0 {
		c.Queue.Retry.InitialInterval = Duration{Duration: 1 * time.Second}
	}
	if c.Queue.Retry.MaxInterval.Duration <= 0 {
		c.Queue.Retry.MaxInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Queue.Retry.Multiplier <= 1 {
		c.Queue.Retry.Multiplier = 2.0
	}

	if c.Cleanup.FilesystemDays <= 0 {
		c.Cleanup.FilesystemDays = 7
	}
	if c.Cleanup.ObjectStoreDays <= 0 {
		c.Cleanup.ObjectStoreDays = 90
	}
	if c.Cleanup.Cron == "" {
		c.Cleanup.Cron = "0 2 * * *"
	}
	if c.Cleanup.BatchSize <= 0 {
		c.Cleanup.BatchSize = 500
	}

	if c.Optical.CallTimeout.Duration <= 0 {
		c.Optical.CallTimeout = Duration{Duration: 3 * time.Second}
	}
	if c.Optical.LocalCallTimeout.Duration <= 0 {
		c.Optical.LocalCallTimeout = Duration{Duration: 7700 * time.Millisecond}
	}
	if c.Optical.CanarySampleRate < 0 || c.Optical.CanarySampleRate > 1 {
		c.Optical.CanarySampleRate = 0.1
	}

	if c.Monitoring.CheckInterval.Duration <= 0 {
		c.Monitoring.CheckInterval = Duration{Duration: 15 * time.Minute}
	}
	if c.Monitoring.Timeout.Duration <= 0 {
		c.Monitoring.Timeout = Duration{Duration: 5 * time.Second}
	}
	if c.Monitoring.Headers == nil {
		c.Monitoring.Headers = make(map[string]string)
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}

	if _, err := url.Parse(c.Server.PublicURL); err != nil {
		errs = append(errs, fmt.Sprintf("server.public_url is not a valid URL: %v", err))
	}

	if c.Chain.WalletPath == "" {
		errs = append(errs, "chain.wallet_path is required")
	}

	// A deployment with no enabled payment network can only serve free or
	// allowlisted uploads. Anything else would 402 with an empty accepts list.
	enabledNetworks := 0
	for _, n := range c.X402.Networks {
		if n.Enabled {
			enabledNetworks++
		}
	}
	if enabledNetworks == 0 && c.Upload.FreeUploadLimitBytes <= 0 && len(c.Upload.AllowedOwners) == 0 {
		errs = append(errs, "x402.networks must enable at least one network (or set upload.free_upload_limit_bytes / upload.allowed_owners)")
	}

	for _, n := range c.X402.Networks {
		if !n.Enabled {
			continue
		}
		if n.Name == "" {
			errs = append(errs, "x402.networks entry is missing a name")
			continue
		}
		if n.ChainID <= 0 {
			errs = append(errs, fmt.Sprintf("x402.network %q: chain_id is required", n.Name))
		}
		if !common.IsHexAddress(n.TokenAddress) {
			errs = append(errs, fmt.Sprintf("x402.network %q: token_address %q is not a valid address", n.Name, n.TokenAddress))
		} else if err := validateStableToken(n.Name, n.TokenAddress); err != nil {
			errs = append(errs, fmt.Sprintf("x402.network %q: %v", n.Name, err))
		}
		if !common.IsHexAddress(n.PayTo) {
			errs = append(errs, fmt.Sprintf("x402.network %q: pay_to %q is not a valid address", n.Name, n.PayTo))
		}
		if len(n.Facilitators) == 0 {
			errs = append(errs, fmt.Sprintf("x402.network %q: at least one facilitator URL is required", n.Name))
		}
		for _, f := range n.Facilitators {
			if u, err := url.Parse(f); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Sprintf("x402.network %q: facilitator %q is not an absolute URL", n.Name, f))
			}
		}
	}

	// Quotes need an FX rate whenever payments are live.
	if enabledNetworks > 0 && c.Pricing.FXURL == "" {
		errs = append(errs, "pricing.fx_url is required when a payment network is enabled")
	}

	if c.Upload.Spam.Enabled && len(c.Upload.Spam.ExactSizes) == 0 {
		errs = append(errs, "upload.spam.exact_sizes must list at least one size when spam filtering is enabled")
	}

	if c.Optical.Enabled {
		if len(c.Optical.Sinks) == 0 {
			errs = append(errs, "optical.sinks must define at least one sink when optical is enabled")
		}
		for _, sink := range c.Optical.Sinks {
			if sink.Name == "" || sink.URL == "" {
				errs = append(errs, "optical.sinks entries require both name and url")
				continue
			}
			switch sink.Role {
			case "primary", "optional", "canary":
			default:
				errs = append(errs, fmt.Sprintf("optical.sink %q: role %q must be primary, optional, or canary", sink.Name, sink.Role))
			}
		}
	}

	if _, err := cron.ParseStandard(c.Cleanup.Cron); err != nil {
		errs = append(errs, fmt.Sprintf("cleanup.cron %q is not a valid cron expression: %v", c.Cleanup.Cron, err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateStableToken checks the token contract against the canonical USDC
// deployment when the network is one we know about.
//
// Why this is critical:
//   - Typo in token address = payments settle in the wrong token = permanent loss
//   - Quotes assume a $1 peg; arbitrary tokens have unpredictable values
func validateStableToken(network, tokenAddress string) error {
	want, ok := knownStableTokens[network]
	if !ok {
		// Unknown network (private chain, new testnet). Address format was
		// already checked; trust the operator.
		return nil
	}
	if !strings.EqualFold(tokenAddress, want) {
		return fmt.Errorf("token_address %s is not the canonical USDC contract on %s (expected %s)", tokenAddress, network, want)
	}
	fmt.Printf("✓ Token address validated: USDC on %s (%s)\n", network, tokenAddress)
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
