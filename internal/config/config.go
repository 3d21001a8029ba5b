// Package config loads the gateway's YAML configuration. Structs carry
// explicit defaults applied in withDefaults; presence is never inferred by
// reflection. Secret values are referenced as {env:VAR} and resolved at load
// time against an allowlist, so config files stay committable.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/hounfour/gateway/internal/budget"
	"github.com/hounfour/gateway/internal/gwerr"
	"github.com/hounfour/gateway/internal/provider"
	"github.com/hounfour/gateway/internal/ratelimit"
	"github.com/hounfour/gateway/internal/wire"
)

type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Providers  []ProviderConfig           `yaml:"providers"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Budget     BudgetConfig               `yaml:"budget"`
	Guard      GuardConfig                `yaml:"guard"`
	Routing    RoutingConfig              `yaml:"routing"`
	WAL        WALConfig                  `yaml:"wal"`
	Redis      RedisConfig                `yaml:"redis"`
	Pipeline   PipelineConfig             `yaml:"pipeline"`
	Chainwatch ChainwatchConfig           `yaml:"chainwatch"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// DevTenantHeader accepts X-Tenant-ID in place of real credentials.
	// Refused outside env=development.
	DevTenantHeader bool `yaml:"dev_tenant_header"`

	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

type ProviderConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"` // literal or {env:VAR}

	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`
	TotalTimeoutSeconds   int `yaml:"total_timeout_seconds"`
}

// String keeps provider configs safe to log.
func (p ProviderConfig) String() string {
	key := p.APIKey
	if key != "" {
		key = redactedSentinel
	}
	return fmt.Sprintf("{name:%s type:%s base_url:%s api_key:%s}", p.Name, p.Type, p.BaseURL, key)
}

type RateLimitConfig struct {
	RequestsPerMinute   float64 `yaml:"requests_per_minute"`
	TokensPerMinute     float64 `yaml:"tokens_per_minute"`
	QueueTimeoutSeconds int     `yaml:"queue_timeout_seconds"`
}

type BudgetConfig struct {
	LedgerPath  string `yaml:"ledger_path"`
	Policy      string `yaml:"policy"` // fail-open | fail-closed
	Mode        string `yaml:"mode"`   // block | downgrade
	WarnPercent int    `yaml:"warn_percent"`

	// Limits maps aggregation keys ("project:x", "phase:x/y", "sprint:x/y/z")
	// to micro-USD amounts in canonical string form.
	Limits map[string]string `yaml:"limits"`
}

type GuardConfig struct {
	InitRetries             int `yaml:"init_retries"`
	InitBackoffSeconds      int `yaml:"init_backoff_seconds"`
	RecoveryIntervalSeconds int `yaml:"recovery_interval_seconds"`
	RecoveryCapMult         int `yaml:"recovery_cap_mult"`
}

type RoutingConfig struct {
	// Fallbacks maps "provider:model" of a primary to the ordered pool
	// names tried when it fails.
	Fallbacks map[string][]string `yaml:"fallbacks"`

	// DowngradeChain substitutes the candidate set under budget downgrade.
	DowngradeChain []string `yaml:"downgrade_chain"`

	// LocalRuntimes names providers allowed to honor native-runtime
	// requirements.
	LocalRuntimes []string `yaml:"local_runtimes"`
}

type WALConfig struct {
	Path       string `yaml:"path"`
	HMACKeyEnv string `yaml:"hmac_key_env"` // name of env var holding the key
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` // literal or {env:VAR}
	DB       int    `yaml:"db"`
}

type PipelineConfig struct {
	ClaimTTLMinutes int `yaml:"claim_ttl_minutes"`
}

type ChainwatchConfig struct {
	Collection string `yaml:"collection"`
	MaxRetries int    `yaml:"max_retries"`
}

// Default returns a runnable development configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.withDefaults()
	return cfg
}

func (c *Config) withDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ShutdownGraceSeconds <= 0 {
		c.Server.ShutdownGraceSeconds = 15
	}
	if c.Budget.LedgerPath == "" {
		c.Budget.LedgerPath = "data/ledger.jsonl"
	}
	if c.Budget.Policy == "" {
		c.Budget.Policy = string(budget.FailClosed)
	}
	if c.Budget.Mode == "" {
		c.Budget.Mode = string(budget.ModeBlock)
	}
	if c.Budget.WarnPercent <= 0 {
		c.Budget.WarnPercent = 80
	}
	if c.WAL.Path == "" {
		c.WAL.Path = "data/audit.wal"
	}
	if c.Pipeline.ClaimTTLMinutes <= 0 {
		c.Pipeline.ClaimTTLMinutes = 15
	}
	if c.Chainwatch.MaxRetries <= 0 {
		c.Chainwatch.MaxRetries = 10
	}
}

// Load reads, interpolates, defaults and validates the config at path.
// Validation problems are reported together, not one at a time.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInput, gwerr.CodeConfigInvalid, "open config", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, gwerr.Wrap(gwerr.KindInput, gwerr.CodeConfigInvalid, "parse config", err)
	}
	cfg.withDefaults()

	if err := cfg.interpolate(); err != nil {
		return nil, err
	}
	if errs := cfg.validate(); len(errs) > 0 {
		return nil, gwerr.New(gwerr.KindInput, gwerr.CodeConfigInvalid, strings.Join(errs, "; "))
	}
	return &cfg, nil
}

// interpolate resolves {env:VAR} references in secret-bearing fields.
func (c *Config) interpolate() error {
	for i := range c.Providers {
		v, err := interpolateEnv(c.Providers[i].APIKey)
		if err != nil {
			return err
		}
		c.Providers[i].APIKey = v
	}
	v, err := interpolateEnv(c.Redis.Password)
	if err != nil {
		return err
	}
	c.Redis.Password = v
	return nil
}

func (c *Config) validate() []string {
	var errs []string

	if c.Server.Env != "development" && c.Server.DevTenantHeader {
		errs = append(errs, "server: dev_tenant_header is only valid with env=development")
	}

	seen := map[string]bool{}
	for _, p := range c.Providers {
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("providers: duplicate name %q", p.Name))
		}
		seen[p.Name] = true
		if p.Type != "" && !provider.IsSupportedType(p.Type) {
			errs = append(errs, fmt.Sprintf("providers: %s: unsupported type %q (one of %s)",
				p.Name, p.Type, strings.Join(provider.SupportedTypes(), ", ")))
		}
		for _, e := range p.ToProvider().Validate() {
			errs = append(errs, "providers: "+p.Name+": "+e)
		}
	}

	for name := range c.RateLimits {
		if !seen[name] {
			errs = append(errs, fmt.Sprintf("rate_limits: unknown provider %q", name))
		}
	}

	switch budget.WriteFailurePolicy(c.Budget.Policy) {
	case budget.FailOpen, budget.FailClosed:
	default:
		errs = append(errs, fmt.Sprintf("budget: policy %q (want fail-open or fail-closed)", c.Budget.Policy))
	}
	switch budget.Mode(c.Budget.Mode) {
	case budget.ModeBlock, budget.ModeDowngrade:
	default:
		errs = append(errs, fmt.Sprintf("budget: mode %q (want block or downgrade)", c.Budget.Mode))
	}
	for key, amount := range c.Budget.Limits {
		if _, err := wire.ParseMicroUSD(amount); err != nil {
			errs = append(errs, fmt.Sprintf("budget: limit %s: %v", key, err))
		}
	}

	for primary, pools := range c.Routing.Fallbacks {
		if !strings.Contains(primary, ":") {
			errs = append(errs, fmt.Sprintf("routing: fallback key %q is not provider:model", primary))
		}
		for _, p := range pools {
			if p == "" {
				errs = append(errs, fmt.Sprintf("routing: fallback for %s has an empty pool name", primary))
			}
		}
	}

	return errs
}

// ToProvider converts to the provider client's config. Zero timeouts keep
// the per-type defaults.
func (p ProviderConfig) ToProvider() provider.Config {
	return provider.Config{
		Name:           p.Name,
		Type:           p.Type,
		BaseURL:        p.BaseURL,
		APIKey:         p.APIKey,
		ConnectTimeout: time.Duration(p.ConnectTimeoutSeconds) * time.Second,
		ReadTimeout:    time.Duration(p.ReadTimeoutSeconds) * time.Second,
		TotalTimeout:   time.Duration(p.TotalTimeoutSeconds) * time.Second,
	}
}

// ProviderMap returns provider configs keyed by name.
func (c *Config) ProviderMap() map[string]provider.Config {
	out := make(map[string]provider.Config, len(c.Providers))
	for _, p := range c.Providers {
		out[p.Name] = p.ToProvider()
	}
	return out
}

// RateLimitMap converts the rate-limit section for the limiter. Providers
// absent from the map fall back to the limiter's own defaults.
func (c *Config) RateLimitMap() map[string]ratelimit.ProviderLimits {
	out := make(map[string]ratelimit.ProviderLimits, len(c.RateLimits))
	for name, rl := range c.RateLimits {
		lim := ratelimit.DefaultLimits
		if rl.RequestsPerMinute > 0 {
			lim.RequestsPerMinute = rl.RequestsPerMinute
		}
		if rl.TokensPerMinute > 0 {
			lim.TokensPerMinute = rl.TokensPerMinute
		}
		if rl.QueueTimeoutSeconds > 0 {
			lim.QueueTimeout = time.Duration(rl.QueueTimeoutSeconds) * time.Second
		}
		out[name] = lim
	}
	return out
}

// BudgetLimits converts the budget section. Call after Load: amounts are
// known to parse.
func (c *Config) BudgetLimits() budget.Limits {
	per := make(map[string]wire.MicroUSD, len(c.Budget.Limits))
	for key, amount := range c.Budget.Limits {
		v, _, err := wire.ParseMicroUSDLenient(amount)
		if err != nil {
			continue
		}
		per[key] = v
	}
	return budget.Limits{PerKey: per, WarnPercent: c.Budget.WarnPercent}
}

// RoutingPools brands a configured pool-name list, dropping empties.
func RoutingPools(names []string) []wire.PoolID {
	out := make([]wire.PoolID, 0, len(names))
	for _, n := range names {
		p, err := wire.NewPoolID(n)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FallbackMap converts the routing fallbacks for the router.
func (c *Config) FallbackMap() map[string][]wire.PoolID {
	out := make(map[string][]wire.PoolID, len(c.Routing.Fallbacks))
	for primary, names := range c.Routing.Fallbacks {
		out[primary] = RoutingPools(names)
	}
	return out
}

// LocalRuntimeSet converts the local-runtimes list for the router.
func (c *Config) LocalRuntimeSet() map[string]bool {
	out := make(map[string]bool, len(c.Routing.LocalRuntimes))
	for _, n := range c.Routing.LocalRuntimes {
		out[n] = true
	}
	return out
}
