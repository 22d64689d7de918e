package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	AuthMode          string        `mapstructure:"AUTH_MODE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	StoreBackend      string        `mapstructure:"STORE_BACKEND"`
	QRBaseURL         string        `mapstructure:"QR_BASE_URL"`
	QRDefaultTTLHours int           `mapstructure:"QR_DEFAULT_TTL_HOURS"`
	AuditWriteTimeout time.Duration `mapstructure:"AUDIT_WRITE_TIMEOUT"`
	LookupTimeout     time.Duration `mapstructure:"LOOKUP_TIMEOUT"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	SandboxSeed       bool          `mapstructure:"SANDBOX_SEED"`
	SandboxSubjects   int           `mapstructure:"SANDBOX_SUBJECTS"`
	MetricsEnabled    bool          `mapstructure:"METRICS_ENABLED"`
	TLSEnabled        bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile       string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile        string        `mapstructure:"TLS_KEY_FILE"`
	PHIEncryptionKey  string        `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIKeyVersion     int           `mapstructure:"PHI_KEY_VERSION"`
	PHIPreviousKeys   []string      `mapstructure:"PHI_PREVIOUS_KEYS"`

	ScanSessionIdleTimeout time.Duration `mapstructure:"SCAN_SESSION_IDLE_TIMEOUT"`
	ScanSessionsPerActor   int           `mapstructure:"SCAN_SESSIONS_PER_ACTOR"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE_BACKEND",
	"QR_BASE_URL", "QR_DEFAULT_TTL_HOURS",
	"AUDIT_WRITE_TIMEOUT", "LOOKUP_TIMEOUT", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SANDBOX_SEED", "SANDBOX_SUBJECTS", "METRICS_ENABLED",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"PHI_ENCRYPTION_KEY", "PHI_KEY_VERSION", "PHI_PREVIOUS_KEYS",
	"SCAN_SESSION_IDLE_TIMEOUT", "SCAN_SESSIONS_PER_ACTOR",
}

// Load reads .env (if present) and the environment. It does not validate;
// callers that serve traffic should call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_BACKEND", StoreBackendPostgres)
	v.SetDefault("QR_BASE_URL", "https://eclinic.com")
	v.SetDefault("QR_DEFAULT_TTL_HOURS", 0)
	v.SetDefault("AUDIT_WRITE_TIMEOUT", 5*time.Second)
	v.SetDefault("LOOKUP_TIMEOUT", 3*time.Second)
	v.SetDefault("REQUEST_TIMEOUT", 15*time.Second)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("SANDBOX_SEED", false)
	v.SetDefault("SANDBOX_SUBJECTS", 25)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("PHI_KEY_VERSION", 1)
	v.SetDefault("SCAN_SESSION_IDLE_TIMEOUT", 15*time.Minute)
	v.SetDefault("SCAN_SESSIONS_PER_ACTOR", 8)

	// Bind explicitly so Unmarshal sees variables without defaults.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.PHIPreviousKeys = splitList(strings.Join(cfg.PHIPreviousKeys, ","))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
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

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStore reports whether audit and subject records live in process.
func (c *Config) UsesMemoryStore() bool {
	return c.StoreBackend == StoreBackendMemory
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" for everything else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to serve traffic with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.QRBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("QR_BASE_URL must be an absolute http(s) URL, got %q", c.QRBaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("QR_BASE_URL must not carry a query or fragment")
	}
	if c.QRDefaultTTLHours < 0 {
		return fmt.Errorf("QR_DEFAULT_TTL_HOURS must be >= 0, got %d", c.QRDefaultTTLHours)
	}

	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StoreBackendPostgres)
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, c.StoreBackend)
	}

	if c.AuditWriteTimeout <= 0 || c.LookupTimeout <= 0 {
		return fmt.Errorf("AUDIT_WRITE_TIMEOUT and LOOKUP_TIMEOUT must be positive")
	}
	if c.ScanSessionIdleTimeout < 0 || c.ScanSessionsPerActor < 0 {
		return fmt.Errorf("SCAN_SESSION_IDLE_TIMEOUT and SCAN_SESSIONS_PER_ACTOR must not be negative")
	}
	if c.SandboxSubjects < 0 {
		return fmt.Errorf("SANDBOX_SUBJECTS must be >= 0, got %d", c.SandboxSubjects)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed with ENV=production", mode)
		}
	case AuthModeJWT:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_MODE %q requires AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY", mode)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_ISSUER or AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	if c.PHIEncryptionKey == "" && len(c.PHIPreviousKeys) > 0 {
		return fmt.Errorf("PHI_PREVIOUS_KEYS requires PHI_ENCRYPTION_KEY")
	}
	if c.PHIEncryptionKey != "" && c.PHIKeyVersion <= 0 {
		return fmt.Errorf("PHI_KEY_VERSION must be positive, got %d", c.PHIKeyVersion)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
