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

// Environment selects production-only policies such as duplicate blocking.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// IsProduction reports whether strict policies apply.
func (e Environment) IsProduction() bool {
	return e == EnvProduction
}

// Config is the full service configuration. Defaults are applied first, then an
// optional YAML file named by IDMINT_CONFIG_FILE, then environment variables.
type Config struct {
	Environment  Environment        `yaml:"environment"`
	Server       Server             `yaml:"server"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Verification VerificationConfig `yaml:"verification"`
	Integrity    IntegrityConfig    `yaml:"integrity"`
	Registry     RegistryConfig     `yaml:"registry"`
	Redis        RedisConfig        `yaml:"redis"`
	Database     DatabaseConfig     `yaml:"database"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Credential   CredentialConfig   `yaml:"credential"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	LogLevel        string        `yaml:"log_level"`
	// AdminToken guards operator routes; they are not mounted when empty.
	AdminToken string `yaml:"-"`
}

// LedgerConfig points at algod/indexer and holds the issuer key.
// An empty AlgodURL selects the in-memory ledger outside production.
type LedgerConfig struct {
	Network            string        `yaml:"network"`
	AlgodURL           string        `yaml:"algod_url"`
	AlgodToken         string        `yaml:"algod_token"`
	IndexerURL         string        `yaml:"indexer_url"`
	IndexerToken       string        `yaml:"indexer_token"`
	IssuerMnemonic     string        `yaml:"-"`
	ConfirmationRounds uint64        `yaml:"confirmation_rounds"`
	HolderFunding      uint64        `yaml:"holder_funding_microalgos"`
	IndexerRPS         float64       `yaml:"indexer_rps"`
	RetryMaxElapsed    time.Duration `yaml:"retry_max_elapsed"`
	IssuanceLease      time.Duration `yaml:"issuance_lease"`
}

// VerificationConfig configures sessions and provider adapters.
type VerificationConfig struct {
	DefaultProvider   string        `yaml:"default_provider"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	AllowMockProvider bool          `yaml:"allow_mock_provider"`
	Veriff            ProviderCreds `yaml:"veriff"`
	Persona           ProviderCreds `yaml:"persona"`
}

// ProviderCreds holds a provider's API endpoint and shared secrets.
type ProviderCreds struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"-"`
	WebhookSecret string `yaml:"-"`
	TemplateID    string `yaml:"template_id"`
}

// IntegrityConfig configures data digests and session-binding tokens.
type IntegrityConfig struct {
	Secret       string        `yaml:"-"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	RequireToken bool          `yaml:"require_token"`
}

// RegistryConfig selects the issuer authorization backend.
type RegistryConfig struct {
	Backend       string        `yaml:"backend"` // memory | postgres | onchain
	AppID         uint64        `yaml:"app_id"`
	AdminAddress  string        `yaml:"admin_address"`
	AllowVouching bool          `yaml:"allow_vouching"`
	SignatureSkew time.Duration `yaml:"signature_skew"`
}

// RedisConfig configures the session document store and rate-limit counters.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the Postgres registry backend.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// KafkaConfig configures the audit event sink.
type KafkaConfig struct {
	Brokers    string `yaml:"brokers"`
	AuditTopic string `yaml:"audit_topic"`
}

// RateLimitConfig bounds issuance requests per caller per hour.
type RateLimitConfig struct {
	IssuancePerHour int `yaml:"issuance_per_hour"`
}

// CredentialConfig shapes the public credential schema.
type CredentialConfig struct {
	SchemaURL string `yaml:"schema_url"`
}

// Defaults returns the development configuration.
func Defaults() Config {
	return Config{
		Environment: EnvDevelopment,
		Server: Server{
			Addr:            ":8080",
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			LogLevel:        "info",
		},
		Ledger: LedgerConfig{
			Network:            "testnet",
			ConfirmationRounds: 4,
			HolderFunding:      300_000,
			IndexerRPS:         5,
			RetryMaxElapsed:    45 * time.Second,
			IssuanceLease:      2 * time.Minute,
		},
		Verification: VerificationConfig{
			DefaultProvider: "veriff",
			SessionTTL:      30 * time.Minute,
		},
		Integrity: IntegrityConfig{
			TokenTTL: 10 * time.Minute,
		},
		Registry: RegistryConfig{
			Backend:       "memory",
			SignatureSkew: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			AuditTopic: "idmint.audit",
		},
		RateLimit: RateLimitConfig{
			IssuancePerHour: 5,
		},
		Credential: CredentialConfig{
			SchemaURL: "https://idmint.example/schema/credential",
		},
	}
}

// FromEnv builds a Config so main stays lean.
func FromEnv() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("IDMINT_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML document on top of the current values.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	u64 := func(key string, dst *uint64) {
		if v := getenv(key); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	if v := getenv("IDMINT_ENV"); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	str("IDMINT_ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Server.LogLevel)
	dur("REQUEST_TIMEOUT", &c.Server.RequestTimeout)
	str("IDMINT_ADMIN_TOKEN", &c.Server.AdminToken)
	if v := getenv("TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = strings.Split(v, ",")
	}

	str("LEDGER_NETWORK", &c.Ledger.Network)
	str("ALGOD_URL", &c.Ledger.AlgodURL)
	str("ALGOD_TOKEN", &c.Ledger.AlgodToken)
	str("INDEXER_URL", &c.Ledger.IndexerURL)
	str("INDEXER_TOKEN", &c.Ledger.IndexerToken)
	str("ISSUER_MNEMONIC", &c.Ledger.IssuerMnemonic)
	u64("CONFIRMATION_ROUNDS", &c.Ledger.ConfirmationRounds)
	u64("HOLDER_FUNDING_MICROALGOS", &c.Ledger.HolderFunding)
	dur("CUSTODY_RETRY_MAX_ELAPSED", &c.Ledger.RetryMaxElapsed)
	dur("ISSUANCE_LEASE_TTL", &c.Ledger.IssuanceLease)

	str("VERIFICATION_PROVIDER", &c.Verification.DefaultProvider)
	dur("SESSION_TTL", &c.Verification.SessionTTL)
	boolean("ALLOW_MOCK_PROVIDER", &c.Verification.AllowMockProvider)
	str("VERIFF_BASE_URL", &c.Verification.Veriff.BaseURL)
	str("VERIFF_API_KEY", &c.Verification.Veriff.APIKey)
	str("VERIFF_WEBHOOK_SECRET", &c.Verification.Veriff.WebhookSecret)
	str("PERSONA_BASE_URL", &c.Verification.Persona.BaseURL)
	str("PERSONA_API_KEY", &c.Verification.Persona.APIKey)
	str("PERSONA_WEBHOOK_SECRET", &c.Verification.Persona.WebhookSecret)
	str("PERSONA_TEMPLATE_ID", &c.Verification.Persona.TemplateID)

	str("INTEGRITY_SECRET", &c.Integrity.Secret)
	dur("INTEGRITY_TOKEN_TTL", &c.Integrity.TokenTTL)
	if c.Environment.IsProduction() {
		c.Integrity.RequireToken = true
	}
	boolean("REQUIRE_INTEGRITY_TOKEN", &c.Integrity.RequireToken)

	str("REGISTRY_BACKEND", &c.Registry.Backend)
	u64("REGISTRY_APP_ID", &c.Registry.AppID)
	str("REGISTRY_ADMIN_ADDRESS", &c.Registry.AdminAddress)
	boolean("REGISTRY_ALLOW_VOUCHING", &c.Registry.AllowVouching)

	str("REDIS_URL", &c.Redis.URL)
	str("DATABASE_URL", &c.Database.URL)
	str("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("AUDIT_TOPIC", &c.Kafka.AuditTopic)
	integer("ISSUANCE_RATE_LIMIT_PER_HOUR", &c.RateLimit.IssuancePerHour)
	str("SCHEMA_URL", &c.Credential.SchemaURL)
}

// Validate rejects configurations that would weaken production guarantees.
func (c Config) Validate() error {
	var errs []error
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}
	switch c.Registry.Backend {
	case "memory", "postgres", "onchain":
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.Registry.Backend))
	}
	if c.Registry.Backend == "postgres" && c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres registry backend"))
	}
	if c.Registry.Backend == "onchain" && (c.Registry.AppID == 0 || c.Ledger.AlgodURL == "") {
		errs = append(errs, errors.New("REGISTRY_APP_ID and ALGOD_URL are required for the onchain registry backend"))
	}
	if c.Verification.SessionTTL <= 0 || c.Integrity.TokenTTL <= 0 {
		errs = append(errs, errors.New("session and integrity token TTLs must be positive"))
	}
	if c.Ledger.ConfirmationRounds == 0 {
		errs = append(errs, errors.New("CONFIRMATION_ROUNDS must be at least 1"))
	}
	if c.Environment.IsProduction() {
		if c.Integrity.Secret == "" {
			errs = append(errs, errors.New("INTEGRITY_SECRET is required in production"))
		}
		if c.Ledger.AlgodURL == "" || c.Ledger.IndexerURL == "" {
			errs = append(errs, errors.New("ALGOD_URL and INDEXER_URL are required in production"))
		}
		if c.Ledger.IssuerMnemonic == "" {
			errs = append(errs, errors.New("ISSUER_MNEMONIC is required in production"))
		}
		if c.Verification.AllowMockProvider {
			errs = append(errs, errors.New("the mock verification provider cannot run in production"))
		}
		if c.Registry.Backend == "memory" {
			errs = append(errs, errors.New("the memory registry backend cannot run in production"))
		}
	}
	return errors.Join(errs...)
}
