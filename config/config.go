// Package config loads the agent configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Role names accepted in the roles section.
const (
	RoleAmbassador  = "ambassador"
	RoleMicroengine = "microengine"
	RoleArbiter     = "arbiter"
)

// Config captures the runtime configuration for agentd.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Signer    SignerConfig    `yaml:"signer" toml:"signer"`
	Submitter SubmitterConfig `yaml:"submitter" toml:"submitter"`
	Loop      LoopConfig      `yaml:"loop" toml:"loop"`
	Schedule  ScheduleConfig  `yaml:"schedule" toml:"schedule"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Roles     RolesConfig     `yaml:"roles" toml:"roles"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// GatewayConfig points the agent at polyswarmd.
type GatewayConfig struct {
	URL           string   `yaml:"url" toml:"url"`
	APIKey        string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv     string   `yaml:"api_key_env" toml:"api_key_env"`
	Chains        []string `yaml:"chains" toml:"chains"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	RateLimit     float64  `yaml:"rate_limit" toml:"rate_limit"`
	Burst         int      `yaml:"burst" toml:"burst"`
	ThrottlePause Duration `yaml:"throttle_pause" toml:"throttle_pause"`
	ReceiptPoll   Duration `yaml:"receipt_poll" toml:"receipt_poll"`
	ReceiptWait   Duration `yaml:"receipt_wait" toml:"receipt_wait"`
	Batch         bool     `yaml:"batch" toml:"batch"`
}

// SignerConfig selects the account key. Exactly one source is used, in the
// order key, key_env, key_file, keystore.
type SignerConfig struct {
	Key           string `yaml:"key" toml:"key"`
	KeyEnv        string `yaml:"key_env" toml:"key_env"`
	KeyFile       string `yaml:"key_file" toml:"key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

type SubmitterConfig struct {
	MaxRetries     int      `yaml:"max_retries" toml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff"`
}

type LoopConfig struct {
	MaxReconnects int      `yaml:"max_reconnects" toml:"max_reconnects"`
	ReconnectBase Duration `yaml:"reconnect_base" toml:"reconnect_base"`
	ReconnectMax  Duration `yaml:"reconnect_max" toml:"reconnect_max"`
	DrainTimeout  Duration `yaml:"drain_timeout" toml:"drain_timeout"`
}

// ScheduleConfig enables the on-disk journal of pending deadlines.
type ScheduleConfig struct {
	JournalPath string `yaml:"journal" toml:"journal"`
}

// LedgerConfig selects the bounty ledger backend. An empty path keeps the
// ledger in memory.
type LedgerConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// WebhookConfig configures the signed event ingress. It is disabled when
// Listen is empty.
type WebhookConfig struct {
	Listen    string  `yaml:"listen" toml:"listen"`
	Secret    string  `yaml:"secret" toml:"secret"`
	SecretEnv string  `yaml:"secret_env" toml:"secret_env"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

type RolesConfig struct {
	Ambassador  AmbassadorConfig  `yaml:"ambassador" toml:"ambassador"`
	Microengine MicroengineConfig `yaml:"microengine" toml:"microengine"`
	Arbiter     ArbiterConfig     `yaml:"arbiter" toml:"arbiter"`
}

type AmbassadorConfig struct {
	BountiesPerBlock int            `yaml:"bounties_per_block" toml:"bounties_per_block"`
	MaxInFlight      int            `yaml:"max_in_flight" toml:"max_in_flight"`
	QueueSize        int            `yaml:"queue_size" toml:"queue_size"`
	Bounties         []BountyConfig `yaml:"bounties" toml:"bounties"`
}

// BountyConfig is a bounty the ambassador posts on every configured chain.
type BountyConfig struct {
	Amount   Amount `yaml:"amount" toml:"amount"`
	URI      string `yaml:"uri" toml:"uri"`
	Duration uint64 `yaml:"duration" toml:"duration"`
}

type MicroengineConfig struct {
	MinBid          Amount `yaml:"min_bid" toml:"min_bid"`
	MaxBid          Amount `yaml:"max_bid" toml:"max_bid"`
	ScanConcurrency int    `yaml:"scan_concurrency" toml:"scan_concurrency"`
}

type ArbiterConfig struct {
	ScanConcurrency int `yaml:"scan_concurrency" toml:"scan_concurrency"`
}

type LoggingConfig struct {
	Env        string `yaml:"env" toml:"env"`
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type TelemetryConfig struct {
	MetricsListen string  `yaml:"metrics_listen" toml:"metrics_listen"`
	OTLPEndpoint  string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPHeaders   string  `yaml:"otlp_headers" toml:"otlp_headers"`
	Insecure      bool    `yaml:"insecure" toml:"insecure"`
	Traces        bool    `yaml:"traces" toml:"traces"`
	Metrics       bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio   float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown config key %s", undecoded[0])
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.Prepare(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Prepare applies defaults, resolves indirect secrets and validates cfg.
func (cfg *Config) Prepare() error {
	applyDefaults(cfg)
	if err := cfg.Gateway.normalise(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := cfg.Signer.normalise(); err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Webhook.normalise(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return validateConfig(*cfg)
}
