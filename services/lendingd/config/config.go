package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lendingcore/native/lending"
)

const (
	defaultListen         = ":8080"
	defaultOracleInterval = 15 * time.Second
	defaultOracleMaxAge   = time.Minute
	defaultMaxPriceAge    = 2 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
)

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress string             `yaml:"listen" toml:"listen"`
	Environment   string             `yaml:"environment" toml:"environment"`
	TLS           TLSConfig          `yaml:"tls" toml:"tls"`
	Auth          AuthConfig         `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig    `yaml:"rate_limit" toml:"rate_limit"`
	Storage       StorageConfig      `yaml:"storage" toml:"storage"`
	Journal       JournalConfig      `yaml:"journal" toml:"journal"`
	Idempotency   IdempotencyConfig  `yaml:"idempotency" toml:"idempotency"`
	Stream        StreamConfig       `yaml:"stream" toml:"stream"`
	Oracle        OracleConfig       `yaml:"oracle" toml:"oracle"`
	Pools         []PoolConfig       `yaml:"pools" toml:"pools"`
	Pauses        map[string]bool    `yaml:"pauses" toml:"pauses"`
	Genesis       []AllocationConfig `yaml:"genesis" toml:"genesis"`
	Log           LogConfig          `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert" toml:"cert"`
	KeyPath       string `yaml:"key" toml:"key"`
	ClientCAPath  string `yaml:"client_ca" toml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure" toml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service. API tokens act
// for any owner; JWTs act only for the owner named in their subject.
type AuthConfig struct {
	APITokens []string       `yaml:"api_tokens" toml:"api_tokens"`
	MTLS      MTLSAuthConfig `yaml:"mtls" toml:"mtls"`
	JWT       JWTConfig      `yaml:"jwt" toml:"jwt"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names" toml:"allowed_common_names"`
}

// JWTConfig configures HS256 bearer tokens.
type JWTConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
	// SecretEnv names an environment variable holding the secret.
	SecretEnv string        `yaml:"secret_env" toml:"secret_env"`
	Issuer    string        `yaml:"issuer" toml:"issuer"`
	Audience  string        `yaml:"audience" toml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds requests per client. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	// Backend is "leveldb" or "memory".
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// JournalConfig enables the SQL operation journal. An empty DSN disables it.
type JournalConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// Enabled reports whether a journal DSN is configured.
func (cfg JournalConfig) Enabled() bool { return cfg.DSN != "" }

// IdempotencyConfig enables Idempotency-Key replay on position mutations. An
// empty path disables it.
type IdempotencyConfig struct {
	Path string        `yaml:"path" toml:"path"`
	TTL  time.Duration `yaml:"ttl" toml:"ttl"`
}

// Enabled reports whether an idempotency store path is configured.
func (cfg IdempotencyConfig) Enabled() bool { return cfg.Path != "" }

// StreamConfig controls the websocket price stream.
type StreamConfig struct {
	// AllowedOrigins are host patterns browsers may open the stream from.
	// Empty admits same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// OracleConfig drives the price aggregation loop.
type OracleConfig struct {
	DBPath    string        `yaml:"db_path" toml:"db_path"`
	Interval  time.Duration `yaml:"interval" toml:"interval"`
	MaxAge    time.Duration `yaml:"max_age" toml:"max_age"`
	MinFeeds  int           `yaml:"min_feeds" toml:"min_feeds"`
	Retention time.Duration `yaml:"retention" toml:"retention"`
	// ArchiveDir receives parquet copies of samples before pruning.
	ArchiveDir string `yaml:"archive_dir" toml:"archive_dir"`
	// MaxPriceAge is the freshness window the ledger applies to quotes.
	MaxPriceAge time.Duration  `yaml:"max_price_age" toml:"max_price_age"`
	Sources     []SourceConfig `yaml:"sources" toml:"sources"`
}

// SourceConfig describes an upstream price feed.
type SourceConfig struct {
	Name     string            `yaml:"name" toml:"name"`
	Type     string            `yaml:"type" toml:"type"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	APIKey   string            `yaml:"api_key" toml:"api_key"`
	Prices   map[string]string `yaml:"prices" toml:"prices"`
}

// PoolConfig lists an asset at startup. Existing pools are left untouched.
// An omitted annual_rate_bps selects lending.DefaultAnnualRateBps; an explicit
// zero lists a pool that never accrues.
type PoolConfig struct {
	Asset                     string  `yaml:"asset" toml:"asset"`
	MaxLTVBps                 uint64  `yaml:"max_ltv_bps" toml:"max_ltv_bps"`
	LiquidationThresholdBps   uint64  `yaml:"liquidation_threshold_bps" toml:"liquidation_threshold_bps"`
	LiquidationBonusBps       uint64  `yaml:"liquidation_bonus_bps" toml:"liquidation_bonus_bps"`
	LiquidationCloseFactorBps uint64  `yaml:"liquidation_close_factor_bps" toml:"liquidation_close_factor_bps"`
	AnnualRateBps             *uint64 `yaml:"annual_rate_bps" toml:"annual_rate_bps"`
	Decimals                  uint8   `yaml:"decimals" toml:"decimals"`
	CollateralAsset           string  `yaml:"collateral_asset" toml:"collateral_asset"`
}

// AllocationConfig seeds a custody balance on first start.
type AllocationConfig struct {
	Account string `yaml:"account" toml:"account"`
	Asset   string `yaml:"asset" toml:"asset"`
	// Amount is a decimal in whole units of the asset.
	Amount string `yaml:"amount" toml:"amount"`
}

// LogConfig controls log verbosity and destination.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads a YAML or TOML (by extension) configuration from disk and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.Enabled() && cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	cfg.Idempotency.Path = strings.TrimSpace(cfg.Idempotency.Path)
	if cfg.Idempotency.Enabled() && cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = defaultIdempotencyTTL
	}
	origins := cfg.Stream.AllowedOrigins[:0]
	for _, origin := range cfg.Stream.AllowedOrigins {
		if origin = strings.ToLower(strings.TrimSpace(origin)); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.Stream.AllowedOrigins = origins
	cfg.Oracle.normalize()
	for i := range cfg.Pools {
		cfg.Pools[i].Asset = strings.ToUpper(strings.TrimSpace(cfg.Pools[i].Asset))
		cfg.Pools[i].CollateralAsset = strings.ToUpper(strings.TrimSpace(cfg.Pools[i].CollateralAsset))
		if cfg.Pools[i].AnnualRateBps == nil {
			rate := uint64(lending.DefaultAnnualRateBps)
			cfg.Pools[i].AnnualRateBps = &rate
		}
	}
	for i := range cfg.Genesis {
		cfg.Genesis[i].Account = strings.TrimSpace(cfg.Genesis[i].Account)
		cfg.Genesis[i].Asset = strings.ToUpper(strings.TrimSpace(cfg.Genesis[i].Asset))
		cfg.Genesis[i].Amount = strings.TrimSpace(cfg.Genesis[i].Amount)
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path required for leveldb backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Journal.Enabled() {
		switch cfg.Journal.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("journal: unknown driver %q", cfg.Journal.Driver)
		}
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	listed := make(map[string]PoolConfig, len(cfg.Pools))
	secured := make(map[string]string, len(cfg.Pools))
	for _, pool := range cfg.Pools {
		if pool.Asset == "" {
			return fmt.Errorf("pools: asset required")
		}
		if _, dup := listed[pool.Asset]; dup {
			return fmt.Errorf("pools: %s listed twice", pool.Asset)
		}
		listed[pool.Asset] = pool
		if pool.CollateralAsset == "" {
			continue
		}
		if debt, taken := secured[pool.CollateralAsset]; taken {
			return fmt.Errorf("pools: %s already secures %s", pool.CollateralAsset, debt)
		}
		secured[pool.CollateralAsset] = pool.Asset
	}
	for _, alloc := range cfg.Genesis {
		if alloc.Account == "" || alloc.Asset == "" || alloc.Amount == "" {
			return fmt.Errorf("genesis: account, asset and amount are required")
		}
		if _, ok := listed[alloc.Asset]; !ok {
			return fmt.Errorf("genesis: %s is not a listed pool", alloc.Asset)
		}
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.APITokens = trimAll(cfg.APITokens)
	cfg.MTLS.AllowedCommonNames = trimAll(cfg.MTLS.AllowedCommonNames)
	cfg.JWT.Secret = strings.TrimSpace(cfg.JWT.Secret)
	if env := strings.TrimSpace(cfg.JWT.SecretEnv); env != "" && cfg.JWT.Secret == "" {
		cfg.JWT.Secret = strings.TrimSpace(os.Getenv(env))
	}
	cfg.JWT.Issuer = strings.TrimSpace(cfg.JWT.Issuer)
	cfg.JWT.Audience = strings.TrimSpace(cfg.JWT.Audience)
	if cfg.JWT.ClockSkew <= 0 {
		cfg.JWT.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasMTLS := len(cfg.MTLS.AllowedCommonNames) > 0
	hasJWT := cfg.JWT.Secret != ""
	if !hasTokens && !hasMTLS && !hasJWT {
		return fmt.Errorf("at least one api token, jwt secret or mTLS common name must be configured")
	}
	if hasMTLS && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	if strings.TrimSpace(cfg.JWT.SecretEnv) != "" && !hasJWT {
		return fmt.Errorf("jwt.secret_env %s is empty", cfg.JWT.SecretEnv)
	}
	return nil
}

func (cfg *OracleConfig) normalize() {
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	cfg.ArchiveDir = strings.TrimSpace(cfg.ArchiveDir)
	if cfg.Interval <= 0 {
		cfg.Interval = defaultOracleInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultOracleMaxAge
	}
	if cfg.MinFeeds <= 0 {
		cfg.MinFeeds = 1
	}
	if cfg.MaxPriceAge <= 0 {
		cfg.MaxPriceAge = defaultMaxPriceAge
	}
}

func (cfg OracleConfig) validate() error {
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path required")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source required")
	}
	if cfg.MinFeeds > len(cfg.Sources) {
		return fmt.Errorf("min_feeds %d exceeds %d configured sources", cfg.MinFeeds, len(cfg.Sources))
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
