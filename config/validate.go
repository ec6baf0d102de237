package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

func applyDefaults(cfg *Config) {
	if len(cfg.Gateway.Chains) == 0 {
		cfg.Gateway.Chains = []string{"home", "side"}
	}
	if cfg.Gateway.Timeout.Duration == 0 {
		cfg.Gateway.Timeout.Duration = 30 * time.Second
	}
	if cfg.Gateway.ThrottlePause.Duration == 0 {
		cfg.Gateway.ThrottlePause.Duration = 2 * time.Second
	}
	if cfg.Gateway.ReceiptPoll.Duration == 0 {
		cfg.Gateway.ReceiptPoll.Duration = time.Second
	}
	if cfg.Gateway.ReceiptWait.Duration == 0 {
		cfg.Gateway.ReceiptWait.Duration = 2 * time.Minute
	}
	if cfg.Submitter.MaxRetries <= 0 {
		cfg.Submitter.MaxRetries = 5
	}
	if cfg.Submitter.InitialBackoff.Duration == 0 {
		cfg.Submitter.InitialBackoff.Duration = 500 * time.Millisecond
	}
	if cfg.Submitter.MaxBackoff.Duration == 0 {
		cfg.Submitter.MaxBackoff.Duration = 10 * time.Second
	}
	if cfg.Loop.MaxReconnects <= 0 {
		cfg.Loop.MaxReconnects = 10
	}
	if cfg.Loop.ReconnectBase.Duration == 0 {
		cfg.Loop.ReconnectBase.Duration = 500 * time.Millisecond
	}
	if cfg.Loop.ReconnectMax.Duration == 0 {
		cfg.Loop.ReconnectMax.Duration = 30 * time.Second
	}
	if cfg.Loop.DrainTimeout.Duration == 0 {
		cfg.Loop.DrainTimeout.Duration = 30 * time.Second
	}
	if cfg.Webhook.RateLimit <= 0 {
		cfg.Webhook.RateLimit = 10
	}
	if cfg.Webhook.Burst <= 0 {
		cfg.Webhook.Burst = 20
	}
	if cfg.Roles.Ambassador.BountiesPerBlock <= 0 {
		cfg.Roles.Ambassador.BountiesPerBlock = 1
	}
	if cfg.Roles.Ambassador.MaxInFlight <= 0 {
		cfg.Roles.Ambassador.MaxInFlight = 10
	}
	if cfg.Roles.Ambassador.QueueSize <= 0 {
		cfg.Roles.Ambassador.QueueSize = 10
	}
	if cfg.Roles.Microengine.ScanConcurrency <= 0 {
		cfg.Roles.Microengine.ScanConcurrency = 4
	}
	if cfg.Roles.Arbiter.ScanConcurrency <= 0 {
		cfg.Roles.Arbiter.ScanConcurrency = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("gateway url must be an absolute http(s) url")
	}
	seen := make(map[string]struct{}, len(cfg.Gateway.Chains))
	for _, chain := range cfg.Gateway.Chains {
		if strings.TrimSpace(chain) == "" {
			return fmt.Errorf("gateway chains must not be blank")
		}
		if _, dup := seen[chain]; dup {
			return fmt.Errorf("gateway chain %q listed twice", chain)
		}
		seen[chain] = struct{}{}
	}
	if cfg.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway rate_limit must not be negative")
	}
	if cfg.Signer.Key == "" && cfg.Signer.Keystore == "" {
		return fmt.Errorf("signer key must be configured")
	}
	if cfg.Webhook.Listen != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret must be configured when the webhook listens")
	}
	minBid, err := cfg.Roles.Microengine.MinBid.Int()
	if err != nil {
		return fmt.Errorf("microengine min_bid: %w", err)
	}
	maxBid, err := cfg.Roles.Microengine.MaxBid.Int()
	if err != nil {
		return fmt.Errorf("microengine max_bid: %w", err)
	}
	if maxBid.Sign() > 0 && maxBid.Cmp(minBid) < 0 {
		return fmt.Errorf("microengine max_bid must not be below min_bid")
	}
	for i, b := range cfg.Roles.Ambassador.Bounties {
		amount, err := b.Amount.Int()
		if err != nil || amount.Sign() == 0 {
			return fmt.Errorf("ambassador bounty %d: amount must be positive", i)
		}
		if strings.TrimSpace(b.URI) == "" || b.Duration == 0 {
			return fmt.Errorf("ambassador bounty %d: uri and duration are required", i)
		}
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0, 1]")
	}
	return nil
}

func (g *GatewayConfig) normalise() error {
	g.URL = strings.TrimRight(strings.TrimSpace(g.URL), "/")
	g.APIKey = strings.TrimSpace(g.APIKey)
	if g.APIKey == "" && strings.TrimSpace(g.APIKeyEnv) != "" {
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(g.APIKeyEnv)))
		if value == "" {
			return fmt.Errorf("api_key_env %s is empty", g.APIKeyEnv)
		}
		g.APIKey = value
	}
	for i, chain := range g.Chains {
		g.Chains[i] = strings.ToLower(strings.TrimSpace(chain))
	}
	return nil
}

func (s *SignerConfig) normalise() error {
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.Keystore = strings.TrimSpace(s.Keystore)
	if s.Key != "" {
		return nil
	}
	switch {
	case s.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
		s.Key = value
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		s.Key = strings.TrimSpace(string(contents))
	case s.Keystore != "":
		if _, err := os.Stat(s.Keystore); err != nil {
			return fmt.Errorf("keystore: %w", err)
		}
	default:
		return fmt.Errorf("one of key, key_env, key_file or keystore is required")
	}
	return nil
}

func (w *WebhookConfig) normalise() error {
	w.Listen = strings.TrimSpace(w.Listen)
	w.Secret = strings.TrimSpace(w.Secret)
	if w.Secret == "" && strings.TrimSpace(w.SecretEnv) != "" {
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(w.SecretEnv)))
		if value == "" {
			return fmt.Errorf("secret_env %s is empty", w.SecretEnv)
		}
		w.Secret = value
	}
	return nil
}
