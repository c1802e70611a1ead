package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tradedash/tokenkeeper/internal/secretstore"
	"github.com/tradedash/tokenkeeper/internal/session"
	"github.com/tradedash/tokenkeeper/internal/tokenclient"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents where the refresh token is persisted.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigServerHost        = "127.0.0.1"
	DefaultConfigServerPort        = 4180
	DefaultConfigShutdownTimeout   = 5 * time.Second
	DefaultConfigAuthStorage       = TokenStorageTypeKeyring
	DefaultConfigKeyringService    = "tokenkeeper"
	DefaultConfigExchangeTimeout   = tokenclient.DefaultTimeout
	DefaultConfigRenewFraction     = session.DefaultRenewFraction
	DefaultConfigCountdownInterval = session.DefaultCountdownInterval
)

// DefaultConfigTokenURL is the brokerage token endpoint.
var DefaultConfigTokenURL = tokenclient.Endpoint.TokenURL

// OTLPConfig holds OpenTelemetry log export settings.
type OTLPConfig struct {
	// Endpoint enables export when set (e.g. http://localhost:4318/v1/logs).
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
	Protocol string `json:"protocol" validate:"omitempty,oneof=http grpc stdout"`
}

// LogConfig holds log export configuration.
type LogConfig struct {
	OTLP OTLPConfig `json:"otlp"`
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// Address returns host:port for listening or dialing.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// AuthConfig describes how the refresh token is exchanged and where it is persisted.
type AuthConfig struct {
	TokenURL string `json:"token_url" validate:"required,url"`

	// Storage configuration - where the refresh token lives between runs
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File           string `json:"file,omitempty"`            // For file storage: path to secrets file
	KeyringService string `json:"keyring_service,omitempty"` // For keyring storage: service name

	// RefreshToken seeds an empty store on start. Used once, then rotated away.
	RefreshToken string `json:"refresh_token,omitempty"`

	ExchangeTimeout   time.Duration `json:"exchange_timeout" validate:"gte=0"`
	RenewFraction     float64       `json:"renew_fraction" validate:"gte=0,lte=1"`
	CountdownInterval time.Duration `json:"countdown_interval" validate:"gte=0"`

	// SnapshotFile caches non-secret session fields for "status" without a running daemon.
	SnapshotFile string `json:"snapshot_file,omitempty"`
}

// NewSecretStore creates a secret store from the authentication configuration.
func (a *AuthConfig) NewSecretStore() (secretstore.Store, error) {
	switch a.Storage {
	case TokenStorageTypeFile:
		return secretstore.NewFileStore(a.File)
	case TokenStorageTypeKeyring:
		return secretstore.NewKeyringStore(a.KeyringService)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json"`
	Log       LogConfig      `json:"log"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
	Auth      AuthConfig     `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Auth.TokenURL == "" {
		c.Auth.TokenURL = DefaultConfigTokenURL
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.ExchangeTimeout == 0 {
		c.Auth.ExchangeTimeout = DefaultConfigExchangeTimeout
	}
	if c.Auth.RenewFraction == 0 {
		c.Auth.RenewFraction = DefaultConfigRenewFraction
	}
	if c.Auth.CountdownInterval == 0 {
		c.Auth.CountdownInterval = DefaultConfigCountdownInterval
	}

	var configDir string
	dir := func() (string, error) {
		if configDir != "" {
			return configDir, nil
		}
		d, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(d, "tokenkeeper")
		return configDir, nil
	}

	if c.Auth.SnapshotFile == "" {
		d, err := dir()
		if err != nil {
			return fmt.Errorf("auth.snapshot_file required (auto-detect failed: %w)", err)
		}
		c.Auth.SnapshotFile = filepath.Join(d, "session.json")
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			d, err := dir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(d, "secrets.json")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringService == "" {
			c.Auth.KeyringService = DefaultConfigKeyringService
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringService == "" {
			return errors.New("keyring_service required for keyring storage")
		}
	}

	if c.Auth.RenewFraction <= 0 {
		return errors.New("auth.renew_fraction must be in (0, 1]")
	}

	return nil
}
