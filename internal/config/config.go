package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Hot cache in front of the verification table. Empty URL disables it.
	RedisURL    string        `mapstructure:"REDIS_URL"`
	HotCacheTTL time.Duration `mapstructure:"HOT_CACHE_TTL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	DoctorRegistryURL      string        `mapstructure:"DOCTOR_REGISTRY_URL"`
	HospitalRegistryURL    string        `mapstructure:"HOSPITAL_REGISTRY_URL"`
	HospitalRegistryAPIKey string        `mapstructure:"HOSPITAL_REGISTRY_API_KEY"`
	RegistryTimeout        time.Duration `mapstructure:"REGISTRY_TIMEOUT"`
	VerificationTTLDays    int           `mapstructure:"VERIFICATION_TTL_DAYS"`

	DefaultGrantDays   int `mapstructure:"DEFAULT_GRANT_DAYS"`
	MaxGrantDays       int `mapstructure:"MAX_GRANT_DAYS"`
	GrantFanoutRetries int `mapstructure:"GRANT_FANOUT_RETRIES"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"REDIS_URL", "HOT_CACHE_TTL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"DOCTOR_REGISTRY_URL", "HOSPITAL_REGISTRY_URL", "HOSPITAL_REGISTRY_API_KEY",
	"REGISTRY_TIMEOUT", "VERIFICATION_TTL_DAYS",
	"DEFAULT_GRANT_DAYS", "MAX_GRANT_DAYS", "GRANT_FANOUT_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HOT_CACHE_TTL", "10m")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DOCTOR_REGISTRY_URL", "https://www.nmc.org.in")
	v.SetDefault("HOSPITAL_REGISTRY_URL", "https://facility.abdm.gov.in")
	v.SetDefault("REGISTRY_TIMEOUT", "10s")
	v.SetDefault("VERIFICATION_TTL_DAYS", 365)
	v.SetDefault("DEFAULT_GRANT_DAYS", 30)
	v.SetDefault("MAX_GRANT_DAYS", 365)
	v.SetDefault("GRANT_FANOUT_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Identity is taken from X-Dev-User-ID / X-Dev-Role headers.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// VerificationTTL is the lifetime of a cached verification result.
func (c *Config) VerificationTTL() time.Duration {
	return time.Duration(c.VerificationTTLDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run. Outside development
// a token validation source (issuer, JWKS URL or signing key) is required.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and tests; use AUTH_ISSUER or AUTH_JWKS_URL in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RegistryTimeout <= 0 {
		return fmt.Errorf("REGISTRY_TIMEOUT must be positive, got %s", c.RegistryTimeout)
	}
	if c.VerificationTTLDays <= 0 {
		return fmt.Errorf("VERIFICATION_TTL_DAYS must be positive, got %d", c.VerificationTTLDays)
	}
	if c.DefaultGrantDays <= 0 || c.MaxGrantDays <= 0 {
		return fmt.Errorf("DEFAULT_GRANT_DAYS and MAX_GRANT_DAYS must be positive")
	}
	if c.DefaultGrantDays > c.MaxGrantDays {
		return fmt.Errorf("DEFAULT_GRANT_DAYS (%d) must not exceed MAX_GRANT_DAYS (%d)", c.DefaultGrantDays, c.MaxGrantDays)
	}
	if c.GrantFanoutRetries < 0 {
		return fmt.Errorf("GRANT_FANOUT_RETRIES must not be negative, got %d", c.GrantFanoutRetries)
	}
	return nil
}
