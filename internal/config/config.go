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

const (
	RelaySMTP   = "smtp"
	RelaySES    = "ses"
	RelayStdout = "stdout"

	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
	TLSNone     = "none"
)

type Config struct {
	ProviderURL       string        `yaml:"provider_url"`
	ForwardTo         string        `yaml:"forward_to"`
	RelayBackend      string        `yaml:"relay_backend"`
	SMTP              SMTP          `yaml:"smtp"`
	SES               SES           `yaml:"ses"`
	DBPath            string        `yaml:"db_path"`
	HTTPPort          int           `yaml:"http_port"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ProvisionInterval time.Duration `yaml:"provision_interval"`
	PollWorkers       int           `yaml:"poll_workers"`
	AccountMaxAge     time.Duration `yaml:"account_max_age"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	TickTimeout       time.Duration `yaml:"tick_timeout"`
	LogLevel          string        `yaml:"log_level"`
}

// SMTP is the operator's outgoing relay account.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TLS      string `yaml:"tls"`
}

type SES struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

func defaults() Config {
	return Config{
		ProviderURL:       "https://api.mail.tm",
		RelayBackend:      RelaySMTP,
		SMTP:              SMTP{Port: 587, TLS: TLSStartTLS},
		DBPath:            "mailburner.db",
		HTTPPort:          3000,
		PollInterval:      5 * time.Second,
		ProvisionInterval: 60 * time.Second,
		PollWorkers:       8,
		RequestTimeout:    30 * time.Second,
		TickTimeout:       2 * time.Minute,
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and the environment, in increasing precedence.
func Load() (Config, error) {
	cfg := defaults()

	if path := getEnvString("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.Username
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ProviderURL = strings.TrimRight(getEnvString("MAILTM_BASE_URL", c.ProviderURL), "/")
	c.ForwardTo = getEnvString("FORWARD_TO", c.ForwardTo)
	c.RelayBackend = strings.ToLower(getEnvString("RELAY_BACKEND", c.RelayBackend))

	c.SMTP.Host = getEnvString("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getEnvInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getEnvString("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getEnvString("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getEnvString("SMTP_FROM", c.SMTP.From)
	c.SMTP.TLS = strings.ToLower(getEnvString("SMTP_TLS", c.SMTP.TLS))

	c.SES.Region = getEnvString("SES_REGION", c.SES.Region)
	c.SES.AccessKeyID = getEnvString("SES_ACCESS_KEY_ID", c.SES.AccessKeyID)
	c.SES.SecretAccessKey = getEnvString("SES_SECRET_ACCESS_KEY", c.SES.SecretAccessKey)

	c.DBPath = getEnvString("DB_PATH", c.DBPath)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.PollInterval = getEnvDuration("POLL_INTERVAL", c.PollInterval)
	c.ProvisionInterval = getEnvDuration("PROVISION_INTERVAL", c.ProvisionInterval)
	c.PollWorkers = getEnvInt("POLL_WORKERS", c.PollWorkers)
	c.AccountMaxAge = getEnvDuration("ACCOUNT_MAX_AGE", c.AccountMaxAge)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.TickTimeout = getEnvDuration("TICK_TIMEOUT", c.TickTimeout)
	c.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", c.LogLevel))
}

func (c Config) Validate() error {
	if c.ForwardTo == "" {
		return errors.New("FORWARD_TO is required")
	}
	if c.ProviderURL == "" {
		return errors.New("MAILTM_BASE_URL must not be empty")
	}
	switch c.RelayBackend {
	case RelaySMTP:
		if c.SMTP.Host == "" {
			return errors.New("SMTP_HOST is required for the smtp relay")
		}
		if c.SMTP.Port <= 0 {
			return errors.New("SMTP_PORT must be positive")
		}
		if c.SMTP.From == "" {
			return errors.New("SMTP_FROM or SMTP_USERNAME is required for the smtp relay")
		}
		switch c.SMTP.TLS {
		case TLSStartTLS, TLSImplicit, TLSNone:
		default:
			return fmt.Errorf("SMTP_TLS must be one of starttls, tls, none, got %q", c.SMTP.TLS)
		}
	case RelaySES:
		if c.SES.Region == "" {
			return errors.New("SES_REGION is required for the ses relay")
		}
		if c.SMTP.From == "" {
			return errors.New("SMTP_FROM is required as the ses sender")
		}
	case RelayStdout:
	default:
		return fmt.Errorf("unknown RELAY_BACKEND %q", c.RelayBackend)
	}
	if c.PollInterval <= 0 || c.ProvisionInterval <= 0 {
		return errors.New("POLL_INTERVAL and PROVISION_INTERVAL must be positive")
	}
	if c.PollWorkers <= 0 {
		return errors.New("POLL_WORKERS must be positive")
	}
	if c.AccountMaxAge < 0 {
		return errors.New("ACCOUNT_MAX_AGE must not be negative")
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
