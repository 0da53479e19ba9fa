package config

import (
	"fmt"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use BUNDLER_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "BUNDLER_SERVER_ADDRESS")
	setIfEnv(&c.Server.PublicURL, "BUNDLER_PUBLIC_URL")
	setIfEnv(&c.Server.RoutePrefix, "BUNDLER_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "BUNDLER_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "BUNDLER_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "BUNDLER_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "BUNDLER_ENVIRONMENT")

	// Database config
	setIfEnv(&c.Database.URL, "BUNDLER_DATABASE_URL")
	setIfEnv(&c.Database.ReaderURL, "BUNDLER_DATABASE_READER_URL")

	// Object store config
	setIfEnv(&c.ObjectStore.Endpoint, "BUNDLER_OBJECT_STORE_ENDPOINT")
	setIfEnv(&c.ObjectStore.AccessKey, "BUNDLER_OBJECT_STORE_ACCESS_KEY")
	setIfEnv(&c.ObjectStore.SecretKey, "BUNDLER_OBJECT_STORE_SECRET_KEY")
	setBoolIfEnv(&c.ObjectStore.UseSSL, "BUNDLER_OBJECT_STORE_USE_SSL")
	setIfEnv(&c.ObjectStore.Region, "BUNDLER_OBJECT_STORE_REGION")
	setIfEnv(&c.ObjectStore.RawBucket, "BUNDLER_OBJECT_STORE_RAW_BUCKET")
	setIfEnv(&c.ObjectStore.BackupBucket, "BUNDLER_OBJECT_STORE_BACKUP_BUCKET")

	// Filesystem config
	setIfEnv(&c.Filesystem.BackupDir, "BUNDLER_FS_BACKUP_DIR")
	setIfEnv(&c.Filesystem.SpoolDir, "BUNDLER_FS_SPOOL_DIR")

	// Chain config
	setIfEnv(&c.Chain.GatewayURL, "BUNDLER_GATEWAY_URL")
	setIfEnv(&c.Chain.WalletPath, "BUNDLER_WALLET_PATH")
	setDurationIfEnv(&c.Chain.RequestTimeout, "BUNDLER_GATEWAY_REQUEST_TIMEOUT")
	setInt64IfEnv(&c.Chain.DeadlineHeightIncrement, "BUNDLER_DEADLINE_HEIGHT_INCREMENT")
	setInt64IfEnv(&c.Chain.VerifyConfirmations, "BUNDLER_VERIFY_CONFIRMATIONS")
	setDurationIfEnv(&c.Chain.VerifyTimeout, "BUNDLER_VERIFY_TIMEOUT")
	setDurationIfEnv(&c.Chain.VerifyDelay, "BUNDLER_VERIFY_DELAY")
	setDurationIfEnv(&c.Chain.PriceCacheTTL, "BUNDLER_PRICE_CACHE_TTL")

	// Pricing config
	setIfEnv(&c.Pricing.FXURL, "BUNDLER_FX_URL")
	setDurationIfEnv(&c.Pricing.FXCacheTTL, "BUNDLER_FX_CACHE_TTL")
	setDurationIfEnv(&c.Pricing.FXStaleCap, "BUNDLER_FX_STALE_CAP")
	setInt64IfEnv(&c.Pricing.FeePercent, "BUNDLER_FEE_PERCENT")
	setUint64IfEnv(&c.Pricing.MinQuoteAtomic, "BUNDLER_MIN_QUOTE_ATOMIC")

	// x402 config. Networks are structural and stay file-defined, but the
	// payment window and fraud band are tunable per deployment.
	setDurationIfEnv(&c.X402.PaymentTimeout, "BUNDLER_X402_PAYMENT_TIMEOUT")
	setInt64IfEnv(&c.X402.FraudTolerance, "BUNDLER_X402_FRAUD_TOLERANCE_PERCENT")

	// Upload config
	setInt64IfEnv(&c.Upload.MaxSingleItemBytes, "BUNDLER_MAX_SINGLE_ITEM_BYTES")
	setInt64IfEnv(&c.Upload.FreeUploadLimitBytes, "BUNDLER_FREE_UPLOAD_LIMIT_BYTES")
	setDurationIfEnv(&c.Upload.InFlightTTL, "BUNDLER_IN_FLIGHT_TTL")
	if owners := loadNumberedEnv("BUNDLER_ALLOWED_OWNER"); len(owners) > 0 {
		c.Upload.AllowedOwners = owners
	}
	if owners := loadNumberedEnv("BUNDLER_BLOCKED_OWNER"); len(owners) > 0 {
		c.Upload.BlockedOwners = owners
	}
	if owners := loadNumberedEnv("BUNDLER_SKIP_OPTICAL_OWNER"); len(owners) > 0 {
		c.Upload.SkipOpticalOwners = owners
	}

	// Packing config
	setInt64IfEnv(&c.Packing.MaxBundleBytes, "BUNDLER_MAX_BUNDLE_BYTES")
	if v := os.Getenv("BUNDLER_MAX_ITEMS_PER_BUNDLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Packing.MaxItemsPerBundle = n
		}
	}
	setDurationIfEnv(&c.Packing.OverdueThreshold, "BUNDLER_OVERDUE_THRESHOLD")
	setDurationIfEnv(&c.Packing.PlanInterval, "BUNDLER_PLAN_INTERVAL")

	// Queue config
	setDurationIfEnv(&c.Queue.PollInterval, "BUNDLER_QUEUE_POLL_INTERVAL")
	setDurationIfEnv(&c.Queue.Retry.InitialInterval, "BUNDLER_QUEUE_RETRY_INITIAL_INTERVAL")
	setDurationIfEnv(&c.Queue.Retry.MaxInterval, "BUNDLER_QUEUE_RETRY_MAX_INTERVAL")

	// Cleanup config
	setIfEnv(&c.Cleanup.Cron, "BUNDLER_CLEANUP_CRON")

	// Optical config
	setBoolIfEnv(&c.Optical.Enabled, "BUNDLER_OPTICAL_ENABLED")
	setBoolIfEnv(&c.Optical.LocalMode, "BUNDLER_OPTICAL_LOCAL_MODE")
	setDurationIfEnv(&c.Optical.CallTimeout, "BUNDLER_OPTICAL_CALL_TIMEOUT")

	// Monitoring config
	setIfEnv(&c.Monitoring.LowBalanceAlertURL, "BUNDLER_MONITORING_LOW_BALANCE_ALERT_URL")
	setUint64IfEnv(&c.Monitoring.LowBalanceThreshold, "BUNDLER_MONITORING_LOW_BALANCE_THRESHOLD")
	if v := os.Getenv("BUNDLER_MONITORING_CHECK_INTERVAL"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Monitoring.CheckInterval = Duration{Duration: dur}
		}
	}
	if v := os.Getenv("BUNDLER_MONITORING_TIMEOUT"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Monitoring.Timeout = Duration{Duration: dur}
		}
	}
	// Load monitoring headers (BUNDLER_MONITORING_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "BUNDLER_MONITORING_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "BUNDLER_MONITORING_HEADER_")
		if name == "" {
			continue
		}
		if c.Monitoring.Headers == nil {
			c.Monitoring.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Monitoring.Headers[headerName] = parts[1]
	}

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "BUNDLER_API_KEY_ENABLED")
	// Load API keys (BUNDLER_API_KEY_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "BUNDLER_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "BUNDLER_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		// BUNDLER_API_KEY_OPS_ABC123=ops -> key: "ops_abc123", tier: "ops"
		key := strings.ToLower(name)
		tier := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = tier
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
// Ignores values that fail to parse.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setUint64IfEnv sets a uint64 pointer from an environment variable.
// Ignores values that fail to parse.
func setUint64IfEnv(target *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// loadNumberedEnv collects PREFIX_1, PREFIX_2, ... environment values.
// Stops when it finds a gap in the numbering.
func loadNumberedEnv(prefix string) []string {
	var vals []string
	for i := 1; i <= 100; i++ { // Reasonable upper limit
		key := fmt.Sprintf("%s_%d", prefix, i)
		val := os.Getenv(key)
		if val == "" {
			// Stop at first missing key
			break
		}
		vals = append(vals, val)
	}
	return vals
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "bundler" -> "/bundler"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	// Ensure it starts with /
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	// Ensure it doesn't end with /
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
