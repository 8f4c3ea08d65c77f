// Package config resolves runtime configuration from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageDynamoDB = "dynamodb"
	StorageMemory   = "memory"
)

// Tables names the DynamoDB tables.
type Tables struct {
	Conversations string
	Events        string
	Slots         string
	Bids          string
	BidHistory    string
	Payments      string
	Claims        string
	Orders        string
}

// Config is the resolved configuration. It is built once at start and passed
// by value.
type Config struct {
	HTTPAddr string
	RunLocal bool
	Storage  string

	AWSRegion string
	Tables    Tables

	ReconcileQueueURL string
	NotifyQueueURL    string
	MetricsNamespace  string

	GatewayBaseURL       string
	GatewayCheckoutURL   string
	GatewaySecretKey     string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration

	MaxRetries        int
	RetryBaseBackoff  time.Duration
	ConflictRetries   int
	ReconcileInterval time.Duration
	ReconcileBatch    int
	ReconcileWorkers  int
	StalePendingAfter time.Duration
	WebhookClaimTTL   time.Duration
}

// configFile mirrors the YAML schema of configs/plantbid.yaml.
type configFile struct {
	Server struct {
		Addr    string `yaml:"addr"`
		Storage string `yaml:"storage"`
	} `yaml:"server"`
	AWS struct {
		Region string `yaml:"region"`
		Tables struct {
			Conversations string `yaml:"conversations"`
			Events        string `yaml:"events"`
			Slots         string `yaml:"slots"`
			Bids          string `yaml:"bids"`
			BidHistory    string `yaml:"bid_history"`
			Payments      string `yaml:"payments"`
			Claims        string `yaml:"claims"`
			Orders        string `yaml:"orders"`
		} `yaml:"tables"`
		ReconcileQueueURL string `yaml:"reconcile_queue_url"`
		NotifyQueueURL    string `yaml:"notify_queue_url"`
		MetricsNamespace  string `yaml:"metrics_namespace"`
	} `yaml:"aws"`
	Gateway struct {
		BaseURL     string `yaml:"base_url"`
		CheckoutURL string `yaml:"checkout_url"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"gateway"`
	Payments struct {
		MaxRetries        int    `yaml:"max_retries"`
		RetryBaseBackoff  string `yaml:"retry_base_backoff"`
		ConflictRetries   int    `yaml:"conflict_retries"`
		ReconcileInterval string `yaml:"reconcile_interval"`
		ReconcileBatch    int    `yaml:"reconcile_batch"`
		ReconcileWorkers  int    `yaml:"reconcile_workers"`
		StalePendingAfter string `yaml:"stale_pending_after"`
	} `yaml:"payments"`
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		HTTPAddr: ":8080",
		Storage:  StorageDynamoDB,
		Tables: Tables{
			Conversations: "plantbid-conversations",
			Events:        "plantbid-events",
			Slots:         "plantbid-slots",
			Bids:          "plantbid-bids",
			BidHistory:    "plantbid-bid-history",
			Payments:      "plantbid-payments",
			Claims:        "plantbid-claims",
			Orders:        "plantbid-orders",
		},
		MetricsNamespace:  "PlantBid",
		GatewayTimeout:    10 * time.Second,
		MaxRetries:        3,
		RetryBaseBackoff:  200 * time.Millisecond,
		ConflictRetries:   3,
		ReconcileInterval: time.Minute,
		ReconcileBatch:    100,
		ReconcileWorkers:  4,
		StalePendingAfter: 30 * time.Minute,
		WebhookClaimTTL:   72 * time.Hour,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var err error
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.RunLocal = envBool("RUN_LOCAL", cfg.RunLocal)
	cfg.Storage = strings.ToLower(strings.TrimSpace(envOrDefault("STORAGE", cfg.Storage)))
	cfg.AWSRegion = envOrDefault("AWS_REGION", cfg.AWSRegion)

	cfg.Tables.Conversations = envOrDefault("CONVERSATIONS_TABLE", cfg.Tables.Conversations)
	cfg.Tables.Events = envOrDefault("EVENTS_TABLE", cfg.Tables.Events)
	cfg.Tables.Slots = envOrDefault("SLOTS_TABLE", cfg.Tables.Slots)
	cfg.Tables.Bids = envOrDefault("BIDS_TABLE", cfg.Tables.Bids)
	cfg.Tables.BidHistory = envOrDefault("BID_HISTORY_TABLE", cfg.Tables.BidHistory)
	cfg.Tables.Payments = envOrDefault("PAYMENTS_TABLE", cfg.Tables.Payments)
	cfg.Tables.Claims = envOrDefault("CLAIMS_TABLE", cfg.Tables.Claims)
	cfg.Tables.Orders = envOrDefault("ORDERS_TABLE", cfg.Tables.Orders)

	cfg.ReconcileQueueURL = envOrDefault("RECONCILE_QUEUE_URL", cfg.ReconcileQueueURL)
	cfg.NotifyQueueURL = envOrDefault("NOTIFY_QUEUE_URL", cfg.NotifyQueueURL)
	cfg.MetricsNamespace = envOrDefault("METRICS_NAMESPACE", cfg.MetricsNamespace)

	cfg.GatewayBaseURL = envOrDefault("GATEWAY_BASE_URL", cfg.GatewayBaseURL)
	cfg.GatewayCheckoutURL = envOrDefault("GATEWAY_CHECKOUT_URL", cfg.GatewayCheckoutURL)
	cfg.GatewaySecretKey = envOrDefault("GATEWAY_SECRET_KEY", cfg.GatewaySecretKey)
	cfg.GatewayWebhookSecret = envOrDefault("GATEWAY_WEBHOOK_SECRET", cfg.GatewayWebhookSecret)

	cfg.MaxRetries = envInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.ConflictRetries = envInt("CONFLICT_RETRIES", cfg.ConflictRetries)
	cfg.ReconcileBatch = envInt("RECONCILE_BATCH", cfg.ReconcileBatch)
	cfg.ReconcileWorkers = envInt("RECONCILE_WORKERS", cfg.ReconcileWorkers)

	if cfg.GatewayTimeout, err = envDuration("GATEWAY_TIMEOUT", cfg.GatewayTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseBackoff, err = envDuration("RETRY_BASE_BACKOFF", cfg.RetryBaseBackoff); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = envDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.StalePendingAfter, err = envDuration("STALE_PENDING_AFTER", cfg.StalePendingAfter); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.HTTPAddr, f.Server.Addr)
	setString(&cfg.Storage, f.Server.Storage)
	setString(&cfg.AWSRegion, f.AWS.Region)
	setString(&cfg.Tables.Conversations, f.AWS.Tables.Conversations)
	setString(&cfg.Tables.Events, f.AWS.Tables.Events)
	setString(&cfg.Tables.Slots, f.AWS.Tables.Slots)
	setString(&cfg.Tables.Bids, f.AWS.Tables.Bids)
	setString(&cfg.Tables.BidHistory, f.AWS.Tables.BidHistory)
	setString(&cfg.Tables.Payments, f.AWS.Tables.Payments)
	setString(&cfg.Tables.Claims, f.AWS.Tables.Claims)
	setString(&cfg.Tables.Orders, f.AWS.Tables.Orders)
	setString(&cfg.ReconcileQueueURL, f.AWS.ReconcileQueueURL)
	setString(&cfg.NotifyQueueURL, f.AWS.NotifyQueueURL)
	setString(&cfg.MetricsNamespace, f.AWS.MetricsNamespace)
	setString(&cfg.GatewayBaseURL, f.Gateway.BaseURL)
	setString(&cfg.GatewayCheckoutURL, f.Gateway.CheckoutURL)

	if f.Payments.MaxRetries > 0 {
		cfg.MaxRetries = f.Payments.MaxRetries
	}
	if f.Payments.ConflictRetries > 0 {
		cfg.ConflictRetries = f.Payments.ConflictRetries
	}
	if f.Payments.ReconcileBatch > 0 {
		cfg.ReconcileBatch = f.Payments.ReconcileBatch
	}
	if f.Payments.ReconcileWorkers > 0 {
		cfg.ReconcileWorkers = f.Payments.ReconcileWorkers
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.Gateway.Timeout, &cfg.GatewayTimeout},
		{f.Payments.RetryBaseBackoff, &cfg.RetryBaseBackoff},
		{f.Payments.ReconcileInterval, &cfg.ReconcileInterval},
		{f.Payments.StalePendingAfter, &cfg.StalePendingAfter},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config file duration %q: %w", d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate reports settings the chosen storage mode cannot run without.
func (c Config) Validate() error {
	var problems []string
	switch c.Storage {
	case StorageMemory:
	case StorageDynamoDB:
		if c.GatewayBaseURL == "" {
			problems = append(problems, "GATEWAY_BASE_URL is required")
		}
		if c.GatewaySecretKey == "" {
			problems = append(problems, "GATEWAY_SECRET_KEY is required")
		}
		if c.GatewayWebhookSecret == "" {
			problems = append(problems, "GATEWAY_WEBHOOK_SECRET is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORAGE %q", c.Storage))
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "MAX_RETRIES must not be negative")
	}
	if c.ConflictRetries < 1 {
		problems = append(problems, "CONFLICT_RETRIES must be at least 1")
	}
	if c.ReconcileInterval <= 0 {
		problems = append(problems, "RECONCILE_INTERVAL must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
