// Package config provides environment-variable-first configuration loading
// with optional YAML file and .env fallbacks for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxMessageSize is 25 MiB in bytes.
	defaultMaxMessageSize = 26214400

	defaultMaxConnections = 100

	// DefaultWebhookURL is Loomio's inbound email endpoint.
	DefaultWebhookURL = "https://loomio.lyckbo.de/email_processor/"

	defaultWebhookTimeout = 30 * time.Second

	// httpDisabled turns the HTTP listener off from the environment.
	httpDisabled = "off"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	HTTP    HTTPConfig    `yaml:"http"`
	Webhook WebhookConfig `yaml:"webhook"`
	Forward ForwardConfig `yaml:"forward"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen" validate:"required"`
	Hostname       string `yaml:"hostname" validate:"required"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size" validate:"gt=0"`
	MaxConnections int    `yaml:"max_connections" validate:"gt=0"`
}

// HTTPConfig holds the ingest/health/metrics listener configuration.
type HTTPConfig struct {
	// Listen is empty or "off" to disable the listener.
	Listen      string `yaml:"listen"`
	IngestToken string `yaml:"ingest_token"`
}

// WebhookConfig holds the Loomio email processor endpoint.
type WebhookConfig struct {
	URL         string        `yaml:"url" validate:"required,url"`
	Token       string        `yaml:"token"`
	TokenScheme string        `yaml:"token_scheme" validate:"oneof=header bearer"`
	Mode        string        `yaml:"mode" validate:"oneof=raw normalized"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ForwardConfig holds the optional fallback copy forwarding.
type ForwardConfig struct {
	Provider string    `yaml:"provider" validate:"omitempty,oneof=ses stdout"`
	Address  string    `yaml:"address" validate:"omitempty,email"`
	SES      SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES v2 credentials for the ses forwarder.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender" validate:"omitempty,email"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// LoadDotEnv loads variables from a .env file into the process
// environment. Variables already set are kept. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the settings that depend on each
// other.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Forward.Provider == "ses" && !c.SESConfigured() {
		return errors.New("invalid configuration: forward provider ses requires SES_REGION and SES_SENDER")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("invalid configuration: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// HTTPEnabled reports whether the HTTP listener should start.
func (c *Config) HTTPEnabled() bool {
	return c.HTTP.Listen != "" && c.HTTP.Listen != httpDisabled
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.Forward.SES.Region != "" && c.Forward.SES.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxConnections = defaultMaxConnections
	c.HTTP.Listen = ":8080"
	c.Webhook.URL = DefaultWebhookURL
	c.Webhook.TokenScheme = "header"
	c.Webhook.Mode = "raw"
	c.Webhook.Timeout = defaultWebhookTimeout
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxConnections = n
		}
	}

	setString(&c.HTTP.Listen, "HTTP_LISTEN")
	setString(&c.HTTP.IngestToken, "HTTP_INGEST_TOKEN")

	setString(&c.Webhook.URL, "WEBHOOK_URL")
	setString(&c.Webhook.Token, "EMAIL_PROCESSOR_TOKEN")
	setLower(&c.Webhook.TokenScheme, "WEBHOOK_TOKEN_SCHEME")
	setLower(&c.Webhook.Mode, "WEBHOOK_MODE")
	if v := os.Getenv("WEBHOOK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Webhook.Timeout = d
		}
	}

	setLower(&c.Forward.Provider, "FORWARD_PROVIDER")
	setString(&c.Forward.Address, "FALLBACK_EMAIL")
	setString(&c.Forward.SES.Region, "SES_REGION")
	setString(&c.Forward.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.Forward.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.Forward.SES.Sender, "SES_SENDER")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	setLower(&c.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setLower(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v)
	}
}
