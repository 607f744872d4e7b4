package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "LEXDESK_"

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"environment":      "environment",
	"http-addr":        "server.http_addr",
	"grpc-addr":        "server.grpc_addr",
	"storage":          "storage.type",
	"pg-dsn":           "storage.postgres.dsn",
	"migrate-on-start": "storage.postgres.migrate_on_start",
	"token-ttl":        "auth.token_ttl",
	"password-hash":    "auth.password_hash",
	"check-generation": "auth.check_token_generation",
	"seed-org":         "bootstrap.organization_slug",
	"log-format":       "log.format",
	"log-level":        "log.level",
}

// RegisterFlags adds the configuration flags to fs with their default values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("environment", d.Environment, "deployment environment (development, production)")
	fs.String("http-addr", d.Server.HTTPAddr, "HTTP listen address")
	fs.String("grpc-addr", d.Server.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.String("storage", d.Storage.Type, "storage backend (memory, postgres)")
	fs.String("pg-dsn", d.Storage.Postgres.DSN, "PostgreSQL connection string")
	fs.Bool("migrate-on-start", d.Storage.Postgres.MigrateOnStart, "apply pending migrations at startup")
	fs.Duration("token-ttl", d.Auth.TokenTTL, "session token lifetime")
	fs.String("password-hash", d.Auth.PasswordHash, "password hash algorithm (bcrypt, argon2id)")
	fs.Bool("check-generation", d.Auth.CheckTokenGeneration, "reject tokens issued before a password, role or activation change")
	fs.String("seed-org", d.Bootstrap.OrganizationSlug, "slug of the seed organization")
	fs.String("log-format", d.Log.Format, "log format (json, text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
}

// Load builds the configuration. Later sources win:
//  1. Built-in defaults
//  2. YAML file (explicit path, LEXDESK_CONFIG, ./lexdesk.yaml, /etc/lexdesk/lexdesk.yaml)
//  3. Command line flags, when flags is not nil
//  4. LEXDESK_* environment variables
//  5. *_file secret references
//  6. Validation
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Defaults()
	k := koanf.New(".")

	if path := discoverConfigFile(configPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithValue(flags, ".", k, func(name, value string) (string, any) {
			key, ok := flagKeys[name]
			if !ok {
				return "", nil
			}
			return key, value
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv(envPrefix + "CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"lexdesk.yaml", "/etc/lexdesk/lexdesk.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"ENVIRONMENT":         &cfg.Environment,
		"HTTP_ADDR":           &cfg.Server.HTTPAddr,
		"GRPC_ADDR":           &cfg.Server.GRPCAddr,
		"AUTH_SECRET":         &cfg.Auth.Secret,
		"AUTH_SECRET_FILE":    &cfg.Auth.SecretFile,
		"AUTH_ISSUER":         &cfg.Auth.Issuer,
		"PASSWORD_HASH":       &cfg.Auth.PasswordHash,
		"STORAGE":             &cfg.Storage.Type,
		"PG_DSN":              &cfg.Storage.Postgres.DSN,
		"PG_DSN_FILE":         &cfg.Storage.Postgres.DSNFile,
		"SEED_ORG":            &cfg.Bootstrap.OrganizationSlug,
		"SEED_ORG_NAME":       &cfg.Bootstrap.OrganizationName,
		"SEED_ADMIN_EMAIL":    &cfg.Bootstrap.AdminEmail,
		"SEED_ADMIN_PASSWORD": &cfg.Bootstrap.AdminPassword,
		"LOG_FORMAT":          &cfg.Log.Format,
		"LOG_LEVEL":           &cfg.Log.Level,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv(envPrefix + "TOKEN_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sTOKEN_TTL: %w", envPrefix, err)
		}
		cfg.Auth.TokenTTL = ttl
	}
	if v := os.Getenv(envPrefix + "PG_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%sPG_MAX_CONNS: %w", envPrefix, err)
		}
		cfg.Storage.Postgres.MaxConns = int32(n)
	}
	bools := map[string]*bool{
		"CHECK_TOKEN_GENERATION": &cfg.Auth.CheckTokenGeneration,
		"MIGRATE_ON_START":       &cfg.Storage.Postgres.MigrateOnStart,
		"BOOTSTRAP":              &cfg.Bootstrap.Enabled,
	}
	for name, dst := range bools {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
	}
	if v := os.Getenv(envPrefix + "ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv(envPrefix + "TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveFileReferences fills a secret from its *_file path when the value
// itself is unset or still the development default.
func resolveFileReferences(cfg *Config) error {
	if cfg.Auth.SecretFile != "" && (cfg.Auth.Secret == "" || cfg.UsesInsecureSecret()) {
		val, err := readSecretFile(cfg.Auth.SecretFile)
		if err != nil {
			return fmt.Errorf("auth.secret_file: %w", err)
		}
		cfg.Auth.Secret = val
	}
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
