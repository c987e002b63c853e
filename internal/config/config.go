// Package config loads server settings from an optional TOML file, an
// optional .env file and LODGE_* environment variables, in that order of
// increasing precedence. Command line flags are applied by the caller.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/goldencompasses/lodge/auth"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Auth    AuthConfig    `toml:"auth"`
	Limits  LimitsConfig  `toml:"limits"`
	Audit   AuditConfig   `toml:"audit"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	TLSCert        string   `toml:"tls_cert"`
	TLSKey         string   `toml:"tls_key"`
	TrustedProxies []string `toml:"trusted_proxies"`
	DocumentsDir   string   `toml:"documents_dir"`
}

type StorageConfig struct {
	Backend string `toml:"backend"`
	// Path is the bbolt database file.
	Path string `toml:"path"`
	// DSN is the postgres connection string.
	DSN string `toml:"dsn"`
	// RedisAddr moves rate-limit counters to Redis when set.
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type AuthConfig struct {
	// SecretKey is hex encoded, at least 32 bytes once decoded. It signs
	// pending 2FA tokens and seals stored TOTP secrets.
	SecretKey               string        `toml:"secret_key"`
	Issuer                  string        `toml:"issuer"`
	DefaultEmail            string        `toml:"default_email"`
	SessionTTL              time.Duration `toml:"session_ttl"`
	PendingTTL              time.Duration `toml:"pending_ttl"`
	GracePeriod             time.Duration `toml:"grace_period"`
	MandatoryTwoFactorRoles []string      `toml:"mandatory_2fa_roles"`
}

type LimitsConfig struct {
	Login     auth.Limit `toml:"login"`
	TwoFactor auth.Limit `toml:"two_factor"`
	Download  auth.Limit `toml:"download"`
}

type AuditConfig struct {
	WebhookURL    string `toml:"webhook_url"`
	WebhookHeader string `toml:"webhook_header"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	limits := auth.DefaultLimits()
	policy := auth.DefaultPolicy()
	roles := make([]string, 0, len(policy.MandatoryTwoFactorRoles))
	for _, r := range policy.MandatoryTwoFactorRoles {
		roles = append(roles, string(r))
	}
	return &Config{
		Server: ServerConfig{Addr: ":8443"},
		Storage: StorageConfig{
			Backend: BackendBolt,
			Path:    "./data/lodge.db",
		},
		Auth: AuthConfig{
			Issuer:                  "Lodge",
			SessionTTL:              auth.DefaultSessionTTL,
			PendingTTL:              auth.DefaultPendingTTL,
			GracePeriod:             policy.GracePeriod,
			MandatoryTwoFactorRoles: roles,
		},
		Limits: LimitsConfig{
			Login:     limits.Login,
			TwoFactor: limits.SecondFactor,
			Download:  limits.Download,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from the defaults, the TOML file at path (skipped
// when empty), the .env file at envFile (skipped when empty or missing)
// and the process environment. The result is not validated.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decoding %s: unknown key %q", path, undecoded[0].String())
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LODGE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("LODGE_ADDR", &c.Server.Addr)
	str("LODGE_TLS_CERT", &c.Server.TLSCert)
	str("LODGE_TLS_KEY", &c.Server.TLSKey)
	list("LODGE_TRUSTED_PROXIES", &c.Server.TrustedProxies)
	str("LODGE_DOCUMENTS_DIR", &c.Server.DocumentsDir)

	str("LODGE_STORAGE", &c.Storage.Backend)
	str("LODGE_DB_PATH", &c.Storage.Path)
	str("LODGE_DATABASE_URL", &c.Storage.DSN)
	str("LODGE_REDIS_ADDR", &c.Storage.RedisAddr)
	str("LODGE_REDIS_PASSWORD", &c.Storage.RedisPassword)
	if v, ok := lookup("LODGE_REDIS_DB"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("LODGE_REDIS_DB: %w", err))
		} else {
			c.Storage.RedisDB = n
		}
	}

	str("LODGE_SECRET_KEY", &c.Auth.SecretKey)
	str("LODGE_ISSUER", &c.Auth.Issuer)
	str("LODGE_DEFAULT_EMAIL", &c.Auth.DefaultEmail)
	dur("LODGE_SESSION_TTL", &c.Auth.SessionTTL)
	dur("LODGE_PENDING_TTL", &c.Auth.PendingTTL)
	dur("LODGE_GRACE_PERIOD", &c.Auth.GracePeriod)
	list("LODGE_MANDATORY_2FA_ROLES", &c.Auth.MandatoryTwoFactorRoles)

	str("LODGE_AUDIT_WEBHOOK_URL", &c.Audit.WebhookURL)
	str("LODGE_AUDIT_WEBHOOK_HEADER", &c.Audit.WebhookHeader)

	str("LODGE_LOG_LEVEL", &c.Log.Level)
	str("LODGE_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidationError names the offending setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every problem found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Storage.Path == "" {
			add("storage.path", "required for the bbolt backend")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn", "required for the postgres backend")
		}
	default:
		add("storage.backend", "unknown backend %q, must be one of: memory, bbolt, postgres", c.Storage.Backend)
	}

	if c.Auth.SecretKey == "" {
		if c.Storage.Backend != BackendMemory {
			add("auth.secret_key", "required with persistent storage")
		}
	} else if _, err := c.SecretKey(); err != nil {
		add("auth.secret_key", "%v", err)
	}
	if c.Auth.SessionTTL <= 0 {
		add("auth.session_ttl", "must be positive")
	}
	if c.Auth.PendingTTL <= 0 {
		add("auth.pending_ttl", "must be positive")
	}
	if c.Auth.GracePeriod < 0 {
		add("auth.grace_period", "must not be negative")
	}
	for _, r := range c.Auth.MandatoryTwoFactorRoles {
		if _, err := auth.ParseRole(r); err != nil {
			add("auth.mandatory_2fa_roles", "%v", err)
		}
	}

	for _, l := range []struct {
		field string
		limit auth.Limit
	}{
		{"limits.login", c.Limits.Login},
		{"limits.two_factor", c.Limits.TwoFactor},
		{"limits.download", c.Limits.Download},
	} {
		if l.limit.MaxAttempts <= 0 {
			add(l.field+".max_attempts", "must be positive")
		}
		if l.limit.Window <= 0 {
			add(l.field+".window", "must be positive")
		}
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		add("server.tls_cert", "tls_cert and tls_key must be set together")
	}
	if _, err := c.ParseLogLevel(); err != nil {
		add("log.level", "%v", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format", "unknown format %q, must be json or text", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ParseLogLevel maps Log.Level (debug, info, warn, error) to a slog level.
func (c *Config) ParseLogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("unknown level %q", c.Log.Level)
	}
	return level, nil
}

// SecretKey decodes Auth.SecretKey. The caller should hand the result to
// auth.NewKeyring and wipe it.
func (c *Config) SecretKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Auth.SecretKey)
	if err != nil {
		return nil, errors.New("must be hex encoded")
	}
	if len(key) < auth.MinSecretKeyLen {
		return nil, fmt.Errorf("must decode to at least %d bytes, got %d", auth.MinSecretKeyLen, len(key))
	}
	return key, nil
}

// Policy returns the two-factor policy.
func (c *Config) Policy() auth.Policy {
	p := auth.Policy{GracePeriod: c.Auth.GracePeriod}
	for _, name := range c.Auth.MandatoryTwoFactorRoles {
		if r, err := auth.ParseRole(name); err == nil {
			p.MandatoryTwoFactorRoles = append(p.MandatoryTwoFactorRoles, r)
		}
	}
	return p
}

// AuthLimits returns the rate limits with their scopes filled in.
func (c *Config) AuthLimits() auth.Limits {
	l := auth.Limits{
		Login:        c.Limits.Login,
		SecondFactor: c.Limits.TwoFactor,
		Download:     c.Limits.Download,
	}
	l.Login.Scope = auth.ScopeLogin
	l.SecondFactor.Scope = auth.ScopeSecondFactor
	l.Download.Scope = auth.ScopeDownload
	return l
}
