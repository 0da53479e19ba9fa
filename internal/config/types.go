package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Filesystem  FilesystemConfig  `yaml:"filesystem"`
	Chain       ChainConfig       `yaml:"chain"`
	Pricing     PricingConfig     `yaml:"pricing"`
	X402        X402Config        `yaml:"x402"`
	Upload      UploadConfig      `yaml:"upload"`
	Packing     PackingConfig     `yaml:"packing"`
	Queue       QueueConfig       `yaml:"queue"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
	Optical     OpticalConfig     `yaml:"optical"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	APIKey      APIKeyConfig      `yaml:"api_key"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	PublicURL          string   `yaml:"public_url"` // Absolute base URL advertised in quotes (resource field)
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/bundler")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// DatabaseConfig holds the metadata store and job queue connection settings.
// Reader traffic goes to ReaderURL when set, otherwise to the writer.
type DatabaseConfig struct {
	URL       string             `yaml:"url"`        // Writer connection string (required)
	ReaderURL string             `yaml:"reader_url"` // Optional read-replica connection string
	Pool      PostgresPoolConfig `yaml:"pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// ObjectStoreConfig holds the S3-compatible warm tier settings.
type ObjectStoreConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UseSSL       bool   `yaml:"use_ssl"`
	Region       string `yaml:"region"`
	RawBucket    string `yaml:"raw_bucket"`    // Canonical item bytes (default: raw-data-items)
	BackupBucket string `yaml:"backup_bucket"` // Secondary copy (default: backup-data-items)
}

// FilesystemConfig holds the hot tier directories.
type FilesystemConfig struct {
	BackupDir string `yaml:"backup_dir"` // Per-item backup files written during admission
	SpoolDir  string `yaml:"spool_dir"`  // Assembled bundles awaiting post
}

// ChainConfig holds storage chain access and bundle verification policy.
type ChainConfig struct {
	GatewayURL     string   `yaml:"gateway_url"`     // Primary HTTP gateway
	GatewayURLs    []string `yaml:"gateway_urls"`    // Additional gateways advertised in /v1/info
	WalletPath     string   `yaml:"wallet_path"`     // JWK file with the service RSA key
	RequestTimeout Duration `yaml:"request_timeout"` // Per-call gateway timeout (default: 30s)

	DeadlineHeightIncrement int64    `yaml:"deadline_height_increment"` // Blocks added to current height for receipts (default: 200)
	VerifyConfirmations     int64    `yaml:"verify_confirmations"`      // Depth before a bundle counts as permanent (default: 18)
	VerifyTimeout           Duration `yaml:"verify_timeout"`            // Give up waiting for a posted bundle (default: 6h)
	VerifyDelay             Duration `yaml:"verify_delay"`              // Wait after posting before the first status poll (default: 30s)
	PriceCacheTTL           Duration `yaml:"price_cache_ttl"`           // Gateway byte-price cache lifetime (default: 60s)
}

// PricingConfig holds oracle settings for converting chain byte costs into
// stable-coin quotes.
type PricingConfig struct {
	FXURL          string   `yaml:"fx_url"`           // Rates endpoint returning chain-token USD price
	FXCacheTTL     Duration `yaml:"fx_cache_ttl"`     // Refresh interval for the FX rate (default: 5m)
	FXStaleCap     Duration `yaml:"fx_stale_cap"`     // Refuse to quote beyond this staleness (default: 1h)
	FeePercent     int64    `yaml:"fee_percent"`      // Bundler fee on top of chain cost (default: 30)
	MinQuoteAtomic uint64   `yaml:"min_quote_atomic"` // Per-quote floor in atomic stable units (default: 1000)
}

// X402Config holds payment handshake configuration.
type X402Config struct {
	Networks       []NetworkConfig `yaml:"networks"`
	PaymentTimeout Duration        `yaml:"payment_timeout"` // Minimum authorization validity remaining at verify time (default: 5m)
	FraudTolerance int64           `yaml:"fraud_tolerance_percent"`
}

// NetworkConfig describes one enabled EVM settlement network.
type NetworkConfig struct {
	Name          string   `yaml:"name"`     // e.g. base, base-sepolia
	ChainID       int64    `yaml:"chain_id"` // EIP-155 chain id for the typed-data domain
	RPCURL        string   `yaml:"rpc_url"`  // Used for contract-wallet signature checks
	TokenAddress  string   `yaml:"token_address"`
	TokenName     string   `yaml:"token_name"`     // EIP-712 domain name (default: USD Coin)
	TokenVersion  string   `yaml:"token_version"`  // EIP-712 domain version (default: 2)
	TokenDecimals int      `yaml:"token_decimals"` // default: 6
	PayTo         string   `yaml:"pay_to"`
	Facilitators  []string `yaml:"facilitators"` // Ordered settlement endpoints
	Enabled       bool     `yaml:"enabled"`
}

// UploadConfig holds admission limits and owner policies.
type UploadConfig struct {
	MaxSingleItemBytes   int64    `yaml:"max_single_item_bytes"`   // default: 4 GiB
	FreeUploadLimitBytes int64    `yaml:"free_upload_limit_bytes"` // default: 0
	AllowedOwners        []string `yaml:"allowed_owners"`          // Skip the payment gate entirely
	BlockedOwners        []string `yaml:"blocked_owners"`          // Rejected with 403
	SkipOpticalOwners    []string `yaml:"skip_optical_owners"`     // Admitted but never forwarded to indexers
	InFlightTTL          Duration `yaml:"in_flight_ttl"`           // Admission dedup window (default: 2m)

	Spam SpamPolicyConfig `yaml:"spam"`
}

// SpamPolicyConfig rejects a known abuse shape: repeated uploads of an
// exact byte size carrying no tags.
type SpamPolicyConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ExactSizes  []int64 `yaml:"exact_sizes"`  // Raw item sizes to match
	RequireTags bool    `yaml:"require_tags"` // Only reject when the item has no tags
}

// PackingConfig holds bundle planning limits.
type PackingConfig struct {
	MaxBundleBytes    int64    `yaml:"max_bundle_bytes"`     // default: 2 GiB
	MaxItemsPerBundle int      `yaml:"max_items_per_bundle"` // default: 10000
	OverdueThreshold  Duration `yaml:"overdue_threshold"`    // Flush plans holding items older than this (default: 30m)
	PlanInterval      Duration `yaml:"plan_interval"`        // Packer tick (default: 1m)
}

// QueueConfig holds job broker settings.
type QueueConfig struct {
	PollInterval Duration       `yaml:"poll_interval"` // Dequeue poll tick (default: 1s)
	Retry        RetryConfig    `yaml:"retry"`
	Concurrency  map[string]int `yaml:"concurrency"`  // Per-label worker counts; unset labels use defaults
	MaxAttempts  map[string]int `yaml:"max_attempts"` // Per-label attempt limits; unset labels use defaults
}

// RetryConfig holds exponential backoff settings for queue jobs.
type RetryConfig struct {
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// CleanupConfig holds tier eviction policy.
type CleanupConfig struct {
	FilesystemDays  int    `yaml:"filesystem_days"`   // Hot tier retention (default: 7)
	ObjectStoreDays int    `yaml:"object_store_days"` // Warm tier retention (default: 90)
	Cron            string `yaml:"cron"`              // Repeatable schedule (default: "0 2 * * *")
	BatchSize       int    `yaml:"batch_size"`        // Items per batch (default: 500)
}

// OpticalConfig holds the indexer side-channel settings.
type OpticalConfig struct {
	Enabled          bool                 `yaml:"enabled"`
	Sinks            []OpticalSinkConfig  `yaml:"sinks"`
	CallTimeout      Duration             `yaml:"call_timeout"`       // Per-sink POST timeout (default: 3s)
	LocalMode        bool                 `yaml:"local_mode"`         // Development: raises the call timeout
	LocalCallTimeout Duration             `yaml:"local_call_timeout"` // default: 7.7s
	CanarySampleRate float64              `yaml:"canary_sample_rate"` // Fraction of traffic mirrored to canary sinks (default: 0.1)
	Breaker          BreakerServiceConfig `yaml:"breaker"`            // Shared breaker settings, one breaker per sink
}

// OpticalSinkConfig names one downstream indexer endpoint.
type OpticalSinkConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Role string `yaml:"role"` // primary | optional | canary
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	// Per-IP rate limiting
	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// APIKeyConfig holds API key authentication configuration for operator
// endpoints such as /metrics.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"` // Enable API key authentication (default: false)
	Keys    map[string]string `yaml:"keys"`    // Map of API key -> tier (ops, partner)
}

// MonitoringConfig holds service wallet balance monitoring configuration.
type MonitoringConfig struct {
	LowBalanceAlertURL  string            `yaml:"low_balance_alert_url"` // Webhook URL for low balance alerts (Discord, Slack, etc.)
	LowBalanceThreshold uint64            `yaml:"low_balance_threshold"` // Chain-native units that trigger an alert
	CheckInterval       Duration          `yaml:"check_interval"`        // How often to check the wallet (default: 15m)
	Headers             map[string]string `yaml:"headers"`               // Custom headers for the alert webhook
	Timeout             Duration          `yaml:"timeout"`               // Request timeout (default: 5s)
}
