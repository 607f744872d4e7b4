// Package config loads lexdesk settings from defaults, a YAML file, command
// line flags and LEXDESK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// InsecureDevSecret is the documented development signing secret. It is
// refused when environment is production.
const InsecureDevSecret = "insecure-dev-secret-change-me"

type Config struct {
	Environment string          `koanf:"environment"`
	Server      ServerConfig    `koanf:"server"`
	Auth        AuthConfig      `koanf:"auth"`
	Storage     StorageConfig   `koanf:"storage"`
	Bootstrap   BootstrapConfig `koanf:"bootstrap"`
	Log         LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	HTTPAddr           string        `koanf:"http_addr"`
	GRPCAddr           string        `koanf:"grpc_addr"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes       int64         `koanf:"max_body_bytes"`
	LoginRateBurst     int           `koanf:"login_rate_burst"`
	LoginRatePerSecond float64       `koanf:"login_rate_per_second"`
	AllowedOrigins     []string      `koanf:"allowed_origins"`
	// TrustedProxies are addresses or CIDR prefixes allowed to set
	// X-Forwarded-For. Empty means the header is ignored.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

type AuthConfig struct {
	Secret               string        `koanf:"secret"`
	SecretFile           string        `koanf:"secret_file"`
	Issuer               string        `koanf:"issuer"`
	TokenTTL             time.Duration `koanf:"token_ttl"`
	PasswordHash         string        `koanf:"password_hash"`
	BcryptCost           int           `koanf:"bcrypt_cost"`
	HashConcurrency      int           `koanf:"hash_concurrency"`
	CheckTokenGeneration bool          `koanf:"check_token_generation"`
}

type StorageConfig struct {
	Type     string         `koanf:"type"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `koanf:"dsn"`
	DSNFile         string        `koanf:"dsn_file"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
	QueryTimeout    time.Duration `koanf:"query_timeout"`
	ConnectRetries  uint64        `koanf:"connect_retries"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

type BootstrapConfig struct {
	Enabled          bool   `koanf:"enabled"`
	OrganizationSlug string `koanf:"organization_slug"`
	OrganizationName string `koanf:"organization_name"`
	AdminEmail       string `koanf:"admin_email"`
	AdminPassword    string `koanf:"admin_password"`
}

type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Defaults returns settings suitable for local development only.
func Defaults() Config {
	return Config{
		Environment: "development",
		Server: ServerConfig{
			HTTPAddr:           ":8080",
			GRPCAddr:           ":9090",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    15 * time.Second,
			MaxBodyBytes:       1 << 20,
			LoginRateBurst:     10,
			LoginRatePerSecond: 1,
		},
		Auth: AuthConfig{
			Secret:          InsecureDevSecret,
			Issuer:          "lexdesk",
			TokenTTL:        12 * time.Hour,
			PasswordHash:    "bcrypt",
			HashConcurrency: 0,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: 30 * time.Minute,
				QueryTimeout:    5 * time.Second,
				ConnectRetries:  5,
				MigrateOnStart:  true,
			},
		},
		Bootstrap: BootstrapConfig{
			Enabled:          true,
			OrganizationSlug: "master",
			OrganizationName: "Master",
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Production reports whether the environment is production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// UsesInsecureSecret reports whether the development signing secret is in use.
func (c *Config) UsesInsecureSecret() bool {
	return c.Auth.Secret == InsecureDevSecret
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Server.LoginRateBurst <= 0 || c.Server.LoginRatePerSecond <= 0 {
		errs = append(errs, errors.New("server.login_rate_burst and server.login_rate_per_second must be positive"))
	}

	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %q is not an IP address or CIDR prefix", p))
		}
	}

	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Production() && c.UsesInsecureSecret() {
		errs = append(errs, errors.New("auth.secret must be overridden in production"))
	}
	if c.Production() && len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth.secret must have at least 32 bytes in production"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	switch c.Auth.PasswordHash {
	case "bcrypt", "argon2id":
	default:
		errs = append(errs, fmt.Errorf("auth.password_hash must be bcrypt or argon2id, got %q", c.Auth.PasswordHash))
	}

	switch c.Storage.Type {
	case "memory":
		if c.Production() {
			errs = append(errs, errors.New("storage.type memory is not durable; use postgres in production"))
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required when storage.type is postgres"))
		}
		if c.Storage.Postgres.MaxConns <= 0 {
			errs = append(errs, errors.New("storage.postgres.max_conns must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be memory or postgres, got %q", c.Storage.Type))
	}

	if c.Bootstrap.Enabled && strings.TrimSpace(c.Bootstrap.OrganizationSlug) == "" {
		errs = append(errs, errors.New("bootstrap.organization_slug is required when bootstrap is enabled"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
