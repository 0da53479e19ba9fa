package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8080",
			// Uploads arrive as streamed bodies up to several gigabytes, so
			// the write window has to cover the full request round trip.
			ReadTimeout:  Duration{Duration: 30 * time.Second},
			WriteTimeout: Duration{Duration: 5 * time.Minute},
			IdleTimeout:  Duration{Duration: 2 * time.Minute},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Database: DatabaseConfig{
			Pool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		ObjectStore: ObjectStoreConfig{
			RawBucket:    "raw-data-items",
			BackupBucket: "backup-data-items",
		},
		Filesystem: FilesystemConfig{
			BackupDir: "data/backup",
			SpoolDir:  "data/spool",
		},
		Chain: ChainConfig{
			GatewayURL:              "https://arweave.net",
			RequestTimeout:          Duration{Duration: 30 * time.Second},
			DeadlineHeightIncrement: 200,
			VerifyConfirmations:     18,
			VerifyTimeout:           Duration{Duration: 6 * time.Hour},
			VerifyDelay:             Duration{Duration: 30 * time.Second},
			PriceCacheTTL:           Duration{Duration: 60 * time.Second},
		},
		Pricing: PricingConfig{
			FXCacheTTL:     Duration{Duration: 5 * time.Minute},
			FXStaleCap:     Duration{Duration: 1 * time.Hour},
			FeePercent:     30,
			MinQuoteAtomic: 1000,
		},
		X402: X402Config{
			PaymentTimeout: Duration{Duration: 5 * time.Minute},
			FraudTolerance: 5,
		},
		Upload: UploadConfig{
			MaxSingleItemBytes:   4 << 30,
			FreeUploadLimitBytes: 0,
			InFlightTTL:          Duration{Duration: 2 * time.Minute},
		},
		Packing: PackingConfig{
			MaxBundleBytes:    2 << 30,
			MaxItemsPerBundle: 10000,
			OverdueThreshold:  Duration{Duration: 30 * time.Minute},
			PlanInterval:      Duration{Duration: 1 * time.Minute},
		},
		Queue: QueueConfig{
			PollInterval: Duration{Duration: 1 * time.Second},
			Retry: RetryConfig{
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			Concurrency: make(map[string]int),
			MaxAttempts: make(map[string]int),
		},
		Cleanup: CleanupConfig{
			FilesystemDays:  7,
			ObjectStoreDays: 90,
			Cron:            "0 2 * * *",
			BatchSize:       500,
		},
		Optical: OpticalConfig{
			CallTimeout:      Duration{Duration: 3 * time.Second},
			LocalCallTimeout: Duration{Duration: 7700 * time.Millisecond},
			CanarySampleRate: 0.1,
			Breaker: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled: true,
			GlobalLimit:   10000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    300,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		Monitoring: MonitoringConfig{
			CheckInterval: Duration{Duration: 15 * time.Minute},
			Headers:       make(map[string]string),
			Timeout:       Duration{Duration: 5 * time.Second},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
