// Package config loads runtime configuration from YAML with an environment
// overlay. Defaults are permissive: unset allowlists and limits do not deny.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration surface.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Policy      PolicyConfig      `yaml:"policy"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	MarketData  MarketDataConfig  `yaml:"marketdata"`
	Audit       AuditConfig       `yaml:"audit"`
	Profiles    ProfilesConfig    `yaml:"profiles"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
}

// ApprovalConfig controls the execution approval flow.
type ApprovalConfig struct {
	// Mode is "auto" (execute immediately) or "approve_each" (two-phase
	// proposal/confirm).
	Mode               string `yaml:"mode"`
	ProposalTTLSeconds int    `yaml:"proposal_ttl_seconds"`
}

// PolicyConfig holds the static allowlists and numeric limits. A nil limit or
// empty allowlist means the rule is not applied.
type PolicyConfig struct {
	AllowChains       []string `yaml:"allow_chains"`
	AllowTokens       []string `yaml:"allow_tokens"`
	AllowRouters      []string `yaml:"allow_routers"`
	AllowExchanges    []string `yaml:"allow_exchanges"`
	AllowSymbols      []string `yaml:"allow_symbols"`
	AllowMarketTypes  []string `yaml:"allow_market_types"`
	AllowDestinations []string `yaml:"allow_destinations"`

	MaxTradeAmount    *float64 `yaml:"max_trade_amount"`
	MaxTransferNative *float64 `yaml:"max_transfer_native"`
	MaxCexOrderAmount *float64 `yaml:"max_cex_order_amount"`

	// PerTokenMax caps trade amounts per source token (token symbol -> max).
	PerTokenMax map[string]float64 `yaml:"per_token_max"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	WindowSeconds      int            `yaml:"window_seconds"`
	DefaultPerWindow   int            `yaml:"default_per_window"`
	ExecutionPerWindow int            `yaml:"execution_per_window"`
	PerAction          map[string]int `yaml:"per_action"`
}

// IdempotencyConfig configures the execution dedup store.
type IdempotencyConfig struct {
	TTLHours  int    `yaml:"ttl_hours"`
	RedisAddr string `yaml:"redis_addr"`
}

// MarketDataConfig configures the market data bus and its providers.
type MarketDataConfig struct {
	MaxAgeMS         int            `yaml:"max_age_ms"`
	ProviderMaxAgeMS map[string]int `yaml:"provider_max_age_ms"`
	OutlierMaxPct    float64        `yaml:"outlier_max_pct"`
	OutlierWindowMS  int            `yaml:"outlier_window_ms"`
	FailClosed       bool           `yaml:"fail_closed"`
	Priority         map[string]int `yaml:"priority"`
	MirrorRedisAddr  string         `yaml:"mirror_redis_addr"`

	RESTProviders []RESTProviderConfig `yaml:"rest_providers"`
	WSProviders   []WSProviderConfig   `yaml:"ws_providers"`
}

// RESTProviderConfig describes a polled ticker source.
type RESTProviderConfig struct {
	ID              string   `yaml:"id"`
	URL             string   `yaml:"url"` // %s is replaced with the symbol
	Symbols         []string `yaml:"symbols"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	RPS             float64  `yaml:"rps"`
	Burst           int      `yaml:"burst"`
}

// WSProviderConfig describes a streaming ticker source.
type WSProviderConfig struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Subscribe string `yaml:"subscribe"` // raw message sent after connect, optional
}

// AuditConfig configures the governance audit sink.
type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ProfilesConfig points at the risk profile presets file.
type ProfilesConfig struct {
	Path   string `yaml:"path"`
	Active string `yaml:"active"`
}

// Default returns the permissive baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8090,
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 10,
			IdleTimeoutSeconds:  60,
		},
		Approval: ApprovalConfig{
			Mode:               "auto",
			ProposalTTLSeconds: 300,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds:      60,
			DefaultPerWindow:   120,
			ExecutionPerWindow: 20,
		},
		Idempotency: IdempotencyConfig{TTLHours: 24},
		MarketData: MarketDataConfig{
			MaxAgeMS:        30_000,
			OutlierMaxPct:   20.0,
			OutlierWindowMS: 10_000,
		},
		Profiles: ProfilesConfig{Active: "conservative"},
	}
}

// Load reads the config file at path (if non-empty), then applies the
// environment overlay on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyEnv()
	if cfg.Approval.Mode != "auto" && cfg.Approval.Mode != "approve_each" {
		return nil, fmt.Errorf("approval mode must be 'auto' or 'approve_each', got %q", cfg.Approval.Mode)
	}
	return cfg, nil
}

// applyEnv overlays the environment variable surface the original deployment
// tooling exposes. Env values win over file values.
func (c *Config) applyEnv() {
	overlayCSV("ALLOW_CHAINS", &c.Policy.AllowChains)
	overlayCSV("ALLOW_TOKENS", &c.Policy.AllowTokens)
	overlayCSV("ALLOW_ROUTERS", &c.Policy.AllowRouters)
	overlayCSV("ALLOW_EXCHANGES", &c.Policy.AllowExchanges)
	overlayCSV("ALLOW_CEX_SYMBOLS", &c.Policy.AllowSymbols)
	overlayCSV("ALLOW_CEX_MARKET_TYPES", &c.Policy.AllowMarketTypes)
	overlayCSV("ALLOW_TO_ADDRESSES", &c.Policy.AllowDestinations)

	overlayFloatPtr("MAX_TRADE_AMOUNT", &c.Policy.MaxTradeAmount)
	overlayFloatPtr("MAX_TRANSFER_NATIVE", &c.Policy.MaxTransferNative)
	overlayFloatPtr("MAX_CEX_ORDER_AMOUNT", &c.Policy.MaxCexOrderAmount)
	c.overlayPerTokenMax()

	overlayInt("RATE_LIMIT_DEFAULT_PER_MIN", &c.RateLimit.DefaultPerWindow)
	overlayInt("RATE_LIMIT_EXECUTION_PER_MIN", &c.RateLimit.ExecutionPerWindow)

	overlayInt("MARKETDATA_MAX_AGE_MS", &c.MarketData.MaxAgeMS)
	overlayFloat("MARKETDATA_OUTLIER_MAX_PCT", &c.MarketData.OutlierMaxPct)
	overlayInt("MARKETDATA_OUTLIER_WINDOW_MS", &c.MarketData.OutlierWindowMS)
	overlayBool("MARKETDATA_FAIL_CLOSED", &c.MarketData.FailClosed)
	c.overlayProviderMaxAge()

	if v := strings.TrimSpace(os.Getenv("EXECUTION_APPROVAL_MODE")); v != "" {
		c.Approval.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("IDEMPOTENCY_REDIS_ADDR")); v != "" {
		c.Idempotency.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("AUDIT_POSTGRES_DSN")); v != "" {
		c.Audit.PostgresDSN = v
	}
}

// overlayPerTokenMax scans for MAX_TRADE_AMOUNT_<TOKEN> variables.
func (c *Config) overlayPerTokenMax() {
	const prefix = "MAX_TRADE_AMOUNT_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		token := kv[len(prefix):eq]
		val, err := strconv.ParseFloat(strings.TrimSpace(kv[eq+1:]), 64)
		if err != nil || token == "" {
			continue
		}
		if c.Policy.PerTokenMax == nil {
			c.Policy.PerTokenMax = make(map[string]float64)
		}
		c.Policy.PerTokenMax[strings.ToUpper(token)] = val
	}
}

// overlayProviderMaxAge scans for MARKETDATA_MAX_AGE_MS_<PROVIDERID> variables.
func (c *Config) overlayProviderMaxAge() {
	const prefix = "MARKETDATA_MAX_AGE_MS_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		provider := strings.ToLower(kv[len(prefix):eq])
		val, err := strconv.Atoi(strings.TrimSpace(kv[eq+1:]))
		if err != nil || provider == "" {
			continue
		}
		if c.MarketData.ProviderMaxAgeMS == nil {
			c.MarketData.ProviderMaxAgeMS = make(map[string]int)
		}
		c.MarketData.ProviderMaxAgeMS[provider] = val
	}
}

// ParseCSVSet splits a comma-separated list into a lowercased membership set.
func ParseCSVSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = true
		}
	}
	return out
}

func overlayCSV(name string, dst *[]string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	var vals []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			vals = append(vals, v)
		}
	}
	if len(vals) > 0 {
		*dst = vals
	}
}

func overlayFloatPtr(name string, dst **float64) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = &v
	}
}

func overlayFloat(name string, dst *float64) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = v
	}
}

func overlayInt(name string, dst *int) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}

func overlayBool(name string, dst *bool) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return
	}
	*dst = raw == "true" || raw == "1" || raw == "yes"
}
