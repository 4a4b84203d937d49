// Package config handles configuration loading from environment and files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the access gate services.
type Config struct {
	Service   string `mapstructure:"service"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Server    ServerConfig            `mapstructure:"server"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Redis     RedisConfig             `mapstructure:"redis"`
	Catalog   CatalogConfig           `mapstructure:"catalog"`
	Issuer    IssuerConfig            `mapstructure:"issuer"`
	Ledger    LedgerConfig            `mapstructure:"ledger"`
	Delivery  DeliveryConfig          `mapstructure:"delivery"`
	Signing   SigningConfig           `mapstructure:"signing"`
	Vault     VaultConfig             `mapstructure:"vault"`
	OPA       OPAConfig               `mapstructure:"opa"`
	Policies  map[string]PolicyConfig `mapstructure:"policies"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Audit     AuditConfig             `mapstructure:"audit"`
	Telemetry TelemetryConfig         `mapstructure:"telemetry"`
	RateLimit RateLimitConfig         `mapstructure:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverRedis    = "redis"
	StorageDriverMemory   = "memory"
)

// StorageConfig selects where tokens and redemption records live.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig holds Redis connection settings. URL takes precedence over Addr.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// CatalogConfig points at a YAML product catalog. It is the product source
// for the redis and memory storage drivers.
type CatalogConfig struct {
	File string `mapstructure:"file"`
}

// IssuancePolicyConfig holds token lifetime and redemption limits.
type IssuancePolicyConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	NoExpiry       bool          `mapstructure:"no_expiry"`
	MaxRedemptions int           `mapstructure:"max_redemptions"`
	Unlimited      bool          `mapstructure:"unlimited"`
}

// IssuerConfig holds token issuance settings. Overrides are keyed by
// product access type.
type IssuerConfig struct {
	Default     IssuancePolicyConfig            `mapstructure:"default"`
	Overrides   map[string]IssuancePolicyConfig `mapstructure:"overrides"`
	MaxAttempts int                             `mapstructure:"max_attempts"`
}

// LedgerConfig holds usage ledger settings.
type LedgerConfig struct {
	// MaxMutateRetries bounds optimistic retries for stores that use
	// compare-and-swap.
	MaxMutateRetries int `mapstructure:"max_mutate_retries"`
}

// DeliveryConfig holds delivery authorizer settings.
type DeliveryConfig struct {
	RedactDenials    bool          `mapstructure:"redact_denials"`
	AuthorizationTTL time.Duration `mapstructure:"authorization_ttl"`
}

// Signing drivers.
const (
	SigningDriverHMAC  = "hmac"
	SigningDriverVault = "vault"
	SigningDriverNone  = "none"
)

// SigningConfig configures how fetch authorizations are signed.
type SigningConfig struct {
	Driver   string `mapstructure:"driver"`
	KeyID    string `mapstructure:"key_id"`
	HMACKey  string `mapstructure:"hmac_key"`
	VaultKey string `mapstructure:"vault_key"`
}

// VaultConfig holds HashiCorp Vault configuration.
type VaultConfig struct {
	Address      string `mapstructure:"address"`
	Token        string `mapstructure:"token"`
	Namespace    string `mapstructure:"namespace"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"`
	TLSCAFile    string `mapstructure:"tls_ca_file"`
	TransitMount string `mapstructure:"transit_mount"`
}

// OPAConfig holds Open Policy Agent server configuration.
type OPAConfig struct {
	Address string        `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Custom policy types.
const (
	PolicyTypeRego = "rego"
	PolicyTypeOPA  = "opa"
)

// PolicyConfig registers one custom gate strategy. Rego policies are
// evaluated in process from File or Module; opa policies call the OPA
// server at Path.
type PolicyConfig struct {
	Type   string `mapstructure:"type"`
	File   string `mapstructure:"file"`
	Module string `mapstructure:"module"`
	Query  string `mapstructure:"query"`
	Path   string `mapstructure:"path"`
}

// AuthConfig holds bearer token settings. Admin and collaborator tokens
// share the secret and issuer but carry distinct audiences.
type AuthConfig struct {
	JWTSecret            string        `mapstructure:"jwt_secret"`
	Issuer               string        `mapstructure:"issuer"`
	Audience             string        `mapstructure:"audience"`
	Leeway               time.Duration `mapstructure:"leeway"`
	AdminRole            string        `mapstructure:"admin_role"`
	CollaboratorAudience string        `mapstructure:"collaborator_audience"`
	CollaboratorRole     string        `mapstructure:"collaborator_role"`
}

// AuditConfig holds audit forwarding settings.
type AuditConfig struct {
	KafkaEnabled bool          `mapstructure:"kafka_enabled"`
	KafkaBrokers []string      `mapstructure:"kafka_brokers"`
	KafkaTopic   string        `mapstructure:"kafka_topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Backend  string        `mapstructure:"backend"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// Load loads configuration from environment variables and config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ACCESSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("accessgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/accessgate")
		v.AddConfigPath("$HOME/.accessgate")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "accessgate")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.tls_enabled", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "accessgate")
	v.SetDefault("database.username", "accessgate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("storage.driver", StorageDriverPostgres)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "accessgate")
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("catalog.file", "")

	v.SetDefault("issuer.default.ttl", 7*24*time.Hour)
	v.SetDefault("issuer.default.no_expiry", false)
	v.SetDefault("issuer.default.max_redemptions", 5)
	v.SetDefault("issuer.default.unlimited", false)
	v.SetDefault("issuer.max_attempts", 5)

	v.SetDefault("ledger.max_mutate_retries", 10)

	v.SetDefault("delivery.redact_denials", false)
	v.SetDefault("delivery.authorization_ttl", 5*time.Minute)

	v.SetDefault("signing.driver", SigningDriverHMAC)
	v.SetDefault("signing.key_id", "default")
	v.SetDefault("signing.hmac_key", "")
	v.SetDefault("signing.vault_key", "fetch-authorization")

	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.tls_enabled", false)
	v.SetDefault("vault.transit_mount", "transit")

	v.SetDefault("opa.address", "http://localhost:8181")
	v.SetDefault("opa.timeout", 5*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "accessgate")
	v.SetDefault("auth.audience", "accessgate-admin")
	v.SetDefault("auth.leeway", 30*time.Second)
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("auth.collaborator_audience", "accessgate-collaborator")
	v.SetDefault("auth.collaborator_role", "collaborator")

	v.SetDefault("audit.kafka_enabled", false)
	v.SetDefault("audit.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("audit.kafka_topic", "accessgate.audit")
	v.SetDefault("audit.write_timeout", 10*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", time.Minute)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverRedis, StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Signing.Driver {
	case SigningDriverHMAC, SigningDriverVault, SigningDriverNone:
	default:
		return fmt.Errorf("unknown signing driver %q", c.Signing.Driver)
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_enabled needs tls_cert_file and tls_key_file")
	}
	if c.Auth.CollaboratorAudience == c.Auth.Audience {
		return fmt.Errorf("auth.collaborator_audience must differ from auth.audience")
	}
	if c.Issuer.MaxAttempts < 1 {
		return fmt.Errorf("issuer.max_attempts must be at least 1")
	}
	if err := c.Issuer.Default.validate("issuer.default"); err != nil {
		return err
	}
	for accessType, p := range c.Issuer.Overrides {
		if err := p.validate("issuer.overrides." + accessType); err != nil {
			return err
		}
	}
	for ref, p := range c.Policies {
		switch p.Type {
		case PolicyTypeRego:
			if p.File == "" && p.Module == "" {
				return fmt.Errorf("policies.%s: rego policy needs file or module", ref)
			}
		case PolicyTypeOPA:
			if p.Path == "" {
				return fmt.Errorf("policies.%s: opa policy needs path", ref)
			}
		default:
			return fmt.Errorf("policies.%s: unknown type %q", ref, p.Type)
		}
	}
	return nil
}

func (p IssuancePolicyConfig) validate(key string) error {
	if !p.Unlimited && p.MaxRedemptions < 0 {
		return fmt.Errorf("%s.max_redemptions must not be negative", key)
	}
	if !p.NoExpiry && p.TTL < 0 {
		return fmt.Errorf("%s.ttl must not be negative", key)
	}
	if p.Unlimited && p.NoExpiry {
		return fmt.Errorf("%s: unlimited tokens need an expiry", key)
	}
	return nil
}

// Addr returns the server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}
