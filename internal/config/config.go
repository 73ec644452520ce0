package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"custodian.org/internal/crypt"
)

// Config is the full service configuration, read from the environment and optionally a YAML file.
type Config struct {
	Env      string `yaml:"env" env:"CUSTODIAN_ENV" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"CUSTODIAN_LOG_LEVEL" env-default:"info"`

	HTTPServer `yaml:"http_server"`
	GRPC       `yaml:"grpc"`
	DB         `yaml:"db"`
	Auth       `yaml:"auth"`
	RateLimit  `yaml:"rate_limit"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" env:"CUSTODIAN_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"CUSTODIAN_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CUSTODIAN_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"CUSTODIAN_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CUSTODIAN_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type GRPC struct {
	Address string `yaml:"address" env:"CUSTODIAN_GRPC_ADDR" env-default:":9090"`
}

type DB struct {
	DSN         string `yaml:"dsn" env:"CUSTODIAN_PG_DSN"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"CUSTODIAN_DB_AUTO_MIGRATE" env-default:"false"`
}

type Auth struct {
	SecretKey         string        `yaml:"secret_key" env:"CUSTODIAN_SECRET_KEY" env-required:"true"`
	DataKey           string        `yaml:"data_key" env:"CUSTODIAN_DATA_KEY" env-required:"true"`
	AdminInviteCode   string        `yaml:"admin_invite_code" env:"CUSTODIAN_ADMIN_INVITE_CODE"`
	Issuer            string        `yaml:"issuer" env:"CUSTODIAN_TOKEN_ISSUER" env-default:"custodian"`
	AccessTTL         time.Duration `yaml:"access_ttl" env:"CUSTODIAN_ACCESS_TTL" env-default:"15m"`
	RefreshTTL        time.Duration `yaml:"refresh_ttl" env:"CUSTODIAN_REFRESH_TTL" env-default:"336h"`
	OTPPeriod         time.Duration `yaml:"otp_period" env:"CUSTODIAN_OTP_PERIOD" env-default:"300s"`
	ResendCooldown    time.Duration `yaml:"resend_cooldown" env:"CUSTODIAN_RESEND_COOLDOWN" env-default:"30s"`
	MinPasswordLength int           `yaml:"min_password_length" env:"CUSTODIAN_MIN_PASSWORD_LENGTH" env-default:"8"`
	CookieSecure      bool          `yaml:"cookie_secure" env:"CUSTODIAN_COOKIE_SECURE" env-default:"false"`
}

type RateLimit struct {
	Burst     int `yaml:"burst" env:"CUSTODIAN_RATE_BURST" env-default:"20"`
	PerSecond int `yaml:"per_second" env:"CUSTODIAN_RATE_PER_SECOND" env-default:"10"`
}

// MinSecretKeyLength is the shortest accepted token signing key.
const MinSecretKeyLength = 32

// Load reads configuration from path when given, otherwise from the environment only.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects key material and lifetimes the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(strings.TrimSpace(c.SecretKey)) < MinSecretKeyLength {
		errs = append(errs, fmt.Errorf("secret key must be at least %d bytes", MinSecretKeyLength))
	}
	if _, err := crypt.DecodeKey(c.DataKey); err != nil {
		errs = append(errs, err)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.OTPPeriod <= 0 {
		errs = append(errs, errors.New("token and otp lifetimes must be positive"))
	}
	if c.MinPasswordLength < 1 {
		errs = append(errs, errors.New("min password length must be positive"))
	}
	return errors.Join(errs...)
}

// AdminRegistrationEnabled reports whether an invite code is configured.
func (c *Config) AdminRegistrationEnabled() bool {
	return strings.TrimSpace(c.AdminInviteCode) != ""
}
