package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/ocx/cipher-gateway/internal/accountant"
	"github.com/ocx/cipher-gateway/internal/params"
)

// =============================================================================
// Cipher Gateway Configuration — YAML with environment-variable overrides
// =============================================================================

// Config is the full recognized configuration surface, per spec.md
// §6: server, parameters, engine pool, cache, privacy, upstream, and
// key-lifecycle sections, plus the persistence/logging sections this
// expansion adds.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Parameters   ParametersConfig   `yaml:"parameters"`
	EnginePool   EnginePoolConfig   `yaml:"engine_pool"`
	Cache        CacheConfig        `yaml:"cache"`
	Privacy      PrivacyConfig      `yaml:"privacy"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	KeyLifecycle KeyLifecycleConfig `yaml:"key_lifecycle"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig: host, port, worker count, max connections, request
// timeout, per spec.md §6.
type ServerConfig struct {
	Env               string   `yaml:"env"`
	Host              string   `yaml:"host"`
	Port              string   `yaml:"port"`
	WorkerCount       int      `yaml:"worker_count"`
	MaxConnections    int      `yaml:"max_connections"`
	RequestTimeoutSec int      `yaml:"request_timeout_sec"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins  []string `yaml:"cors_allow_origins"`
}

// ParametersConfig: the single Parameter Set this process loads at
// init, per spec.md §6's "parameters: degree, coefficient bits,
// scale bits, security level" and §9's "one scheme is loaded per
// process."
type ParametersConfig struct {
	Degree        uint32 `yaml:"degree"`
	CoeffModBits  []int  `yaml:"coeff_mod_bits"`
	ScaleBits     int    `yaml:"scale_bits"`
	SecurityLevel int    `yaml:"security_level"`
}

// Build validates the configured parameters into an internal/params.Params.
func (p ParametersConfig) Build() (*params.Params, error) {
	return params.New(p.Degree, p.CoeffModBits, p.ScaleBits, params.SecurityLevel(p.SecurityLevel))
}

// EnginePoolConfig: min size, max size, idle timeout, checkout
// timeout, per spec.md §6.
type EnginePoolConfig struct {
	MinSize            int `yaml:"min_size"`
	MaxSize            int `yaml:"max_size"`
	IdleTimeoutSec     int `yaml:"idle_timeout_sec"`
	CheckoutTimeoutSec int `yaml:"checkout_timeout_sec"`
}

// CacheConfig: hot entries, warm bytes, TTL, per spec.md §6.
type CacheConfig struct {
	HotEntriesPerShard   int `yaml:"hot_entries_per_shard"`
	WarmBytesPerShard    int `yaml:"warm_bytes_per_shard"`
	TTLSec               int `yaml:"ttl_sec"`
}

// PrivacyConfig: per-op epsilon costs, total epsilon per principal,
// delta, refill policy, per spec.md §6.
type PrivacyConfig struct {
	Costs               map[string]float64 `yaml:"costs"`
	TotalEpsilon        float64             `yaml:"total_epsilon"`
	Delta               float64             `yaml:"delta"`
	RefillRatePerSecond float64             `yaml:"refill_rate_per_second"`
	RefillBurst         int                 `yaml:"refill_burst"`
	FreeFailureKinds    []string            `yaml:"free_failure_kinds"`
}

// CostTable converts the configured cost map into accountant.CostTable.
func (p PrivacyConfig) CostTable() accountant.CostTable {
	ct := make(accountant.CostTable, len(p.Costs))
	for k, v := range p.Costs {
		ct[k] = v
	}
	return ct
}

// FreeFailures converts the configured free-failure-kind list into
// accountant.FreeFailureKinds.
func (p PrivacyConfig) FreeFailures() accountant.FreeFailureKinds {
	if len(p.FreeFailureKinds) == 0 {
		return nil
	}
	f := make(accountant.FreeFailureKinds, len(p.FreeFailureKinds))
	for _, k := range p.FreeFailureKinds {
		f[k] = true
	}
	return f
}

// Refill builds the accountant's optional admission-rate throttle. A
// zero rate means no throttling is configured.
func (p PrivacyConfig) Refill() *accountant.RefillPolicy {
	if p.RefillRatePerSecond <= 0 {
		return nil
	}
	return &accountant.RefillPolicy{RatePerSecond: p.RefillRatePerSecond, Burst: p.RefillBurst}
}

// UpstreamConfig: endpoint, timeout, retry budget, provider tag, per
// spec.md §6.
type UpstreamConfig struct {
	Endpoint    string `yaml:"endpoint"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	RetryBudget int    `yaml:"retry_budget"`
	ProviderTag string `yaml:"provider_tag"`
	MTLS        bool   `yaml:"mtls"`
	SPIFFESocket string `yaml:"spiffe_socket"`
}

// KeyLifecycleConfig: rotation interval, grace window, per spec.md §6.
type KeyLifecycleConfig struct {
	RotationIntervalSec int `yaml:"rotation_interval_sec"`
	GraceWindowSec       int `yaml:"grace_window_sec"`
	DefaultTTLSec        int `yaml:"default_ttl_sec"`
}

// PersistenceConfig configures the optional Redis-backed durability
// adapter named in the expanded §6: the Ciphertext Store flushes to it
// on shutdown and warm-loads from it on start. Key Store state is not
// persisted.
type PersistenceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	MasterKeySecret string `yaml:"master_key_secret"`
}

// LoggingConfig configures process-wide log/slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it from
// CONFIG_PATH (default "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found, relying on process environment")
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever the YAML file set, matching the precedence the teacher's
// config layer uses throughout: env wins when present and non-zero.
func (c *Config) applyEnvOverrides() {
	c.Server.Env = getEnv("GATEWAY_ENV", c.Server.Env)
	c.Server.Host = getEnv("GATEWAY_HOST", c.Server.Host)
	c.Server.Port = getEnv("PORT", c.Server.Port)
	if v := getEnvInt("SERVER_WORKER_COUNT", 0); v > 0 {
		c.Server.WorkerCount = v
	}
	if v := getEnvInt("SERVER_MAX_CONNECTIONS", 0); v > 0 {
		c.Server.MaxConnections = v
	}
	if v := getEnvInt("SERVER_REQUEST_TIMEOUT_SEC", 0); v > 0 {
		c.Server.RequestTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeoutSec = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	if v := getEnvInt("PARAM_DEGREE", 0); v > 0 {
		c.Parameters.Degree = uint32(v)
	}
	if v := getEnvInt("PARAM_SCALE_BITS", 0); v > 0 {
		c.Parameters.ScaleBits = v
	}
	if v := getEnvInt("PARAM_SECURITY_LEVEL", 0); v > 0 {
		c.Parameters.SecurityLevel = v
	}

	if v := getEnvInt("ENGINE_POOL_MIN_SIZE", 0); v > 0 {
		c.EnginePool.MinSize = v
	}
	if v := getEnvInt("ENGINE_POOL_MAX_SIZE", 0); v > 0 {
		c.EnginePool.MaxSize = v
	}
	if v := getEnvInt("ENGINE_POOL_CHECKOUT_TIMEOUT_SEC", 0); v > 0 {
		c.EnginePool.CheckoutTimeoutSec = v
	}

	if v := getEnvInt("CACHE_HOT_ENTRIES_PER_SHARD", 0); v > 0 {
		c.Cache.HotEntriesPerShard = v
	}
	if v := getEnvInt("CACHE_WARM_BYTES_PER_SHARD", 0); v > 0 {
		c.Cache.WarmBytesPerShard = v
	}
	if v := getEnvInt("CACHE_TTL_SEC", 0); v > 0 {
		c.Cache.TTLSec = v
	}

	if v := getEnvFloat("PRIVACY_TOTAL_EPSILON", 0); v > 0 {
		c.Privacy.TotalEpsilon = v
	}
	if v := getEnvFloat("PRIVACY_DELTA", 0); v > 0 {
		c.Privacy.Delta = v
	}
	if v := getEnvFloat("PRIVACY_REFILL_RATE_PER_SECOND", 0); v > 0 {
		c.Privacy.RefillRatePerSecond = v
	}
	if v := getEnvInt("PRIVACY_REFILL_BURST", 0); v > 0 {
		c.Privacy.RefillBurst = v
	}

	c.Upstream.Endpoint = getEnv("UPSTREAM_ENDPOINT", c.Upstream.Endpoint)
	if v := getEnvInt("UPSTREAM_TIMEOUT_SEC", 0); v > 0 {
		c.Upstream.TimeoutSec = v
	}
	if v := getEnvInt("UPSTREAM_RETRY_BUDGET", 0); v > 0 {
		c.Upstream.RetryBudget = v
	}
	c.Upstream.ProviderTag = getEnv("UPSTREAM_PROVIDER_TAG", c.Upstream.ProviderTag)
	c.Upstream.MTLS = getEnvBool("UPSTREAM_MTLS", c.Upstream.MTLS)
	c.Upstream.SPIFFESocket = getEnv("SPIFFE_ENDPOINT_SOCKET", c.Upstream.SPIFFESocket)

	if v := getEnvInt("KEY_ROTATION_INTERVAL_SEC", 0); v > 0 {
		c.KeyLifecycle.RotationIntervalSec = v
	}
	if v := getEnvInt("KEY_GRACE_WINDOW_SEC", 0); v > 0 {
		c.KeyLifecycle.GraceWindowSec = v
	}
	if v := getEnvInt("KEY_DEFAULT_TTL_SEC", 0); v > 0 {
		c.KeyLifecycle.DefaultTTLSec = v
	}

	c.Persistence.Enabled = getEnvBool("PERSISTENCE_ENABLED", c.Persistence.Enabled)
	c.Persistence.RedisAddr = getEnv("REDIS_ADDR", c.Persistence.RedisAddr)
	c.Persistence.RedisPassword = getEnv("REDIS_PASSWORD", c.Persistence.RedisPassword)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Persistence.RedisDB = v
	}
	c.Persistence.MasterKeySecret = getEnv("PERSISTENCE_MASTER_KEY_SECRET", c.Persistence.MasterKeySecret)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields,
// so a process can boot from an empty or partial config file.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8443"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.WorkerCount == 0 {
		c.Server.WorkerCount = 4
	}
	if c.Server.RequestTimeoutSec == 0 {
		c.Server.RequestTimeoutSec = 30
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 15
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Parameters.Degree == 0 {
		c.Parameters.Degree = 8192
	}
	if len(c.Parameters.CoeffModBits) == 0 {
		c.Parameters.CoeffModBits = []int{60, 40, 40, 60}
	}
	if c.Parameters.ScaleBits == 0 {
		c.Parameters.ScaleBits = 40
	}
	if c.Parameters.SecurityLevel == 0 {
		c.Parameters.SecurityLevel = int(params.Security128)
	}

	if c.EnginePool.MinSize == 0 {
		c.EnginePool.MinSize = 2
	}
	if c.EnginePool.MaxSize == 0 {
		c.EnginePool.MaxSize = 16
	}
	if c.EnginePool.CheckoutTimeoutSec == 0 {
		c.EnginePool.CheckoutTimeoutSec = 5
	}

	if c.Cache.HotEntriesPerShard == 0 {
		c.Cache.HotEntriesPerShard = 64
	}
	if c.Cache.WarmBytesPerShard == 0 {
		c.Cache.WarmBytesPerShard = 4 << 20
	}
	if c.Cache.TTLSec == 0 {
		c.Cache.TTLSec = 900
	}

	if c.Privacy.Costs == nil {
		c.Privacy.Costs = map[string]float64{
			"encrypt":         0.01,
			"decrypt":         0.01,
			"concat":          0.02,
			"refresh":         0.02,
			"upstream-submit": 0.05,
			"upstream-stream": 0.05,
		}
	}
	if c.Privacy.TotalEpsilon == 0 {
		c.Privacy.TotalEpsilon = 10.0
	}

	if c.Upstream.TimeoutSec == 0 {
		c.Upstream.TimeoutSec = 30
	}
	if c.Upstream.RetryBudget == 0 {
		c.Upstream.RetryBudget = 1
	}

	if c.KeyLifecycle.GraceWindowSec == 0 {
		c.KeyLifecycle.GraceWindowSec = 60
	}
	if c.KeyLifecycle.DefaultTTLSec == 0 {
		c.KeyLifecycle.DefaultTTLSec = 86400
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8443"
	}
	return c.Server.Port
}
