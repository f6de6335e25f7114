package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "COURIER"
	defaultHTTPAddress      = "127.0.0.1:8640"
	defaultDatabasePath     = "courier.db"
	defaultLogLevel         = "info"
	defaultFlushInterval    = 60 * time.Second
	defaultBatchMaxBytes    = 64 * 1024
	defaultDeviceTokenHours = 24 * 30
)

// AppConfig captures runtime configuration for the engine daemon.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AccountAddress string
	AccountKeySeed string
	SigningSecret  string
	DeviceLinkCode string
	DeviceTokenTTL time.Duration
	FlushInterval  time.Duration
	BatchMaxBytes  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("flush.interval_seconds", int(defaultFlushInterval.Seconds()))
	configViper.SetDefault("flush.batch_max_bytes", defaultBatchMaxBytes)
	configViper.SetDefault("device.token_ttl_hours", defaultDeviceTokenHours)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AccountAddress: configViper.GetString("account.address"),
		AccountKeySeed: configViper.GetString("account.key_seed"),
		SigningSecret:  configViper.GetString("device.signing_secret"),
		DeviceLinkCode: configViper.GetString("device.link_code"),
		DeviceTokenTTL: time.Duration(configViper.GetInt("device.token_ttl_hours")) * time.Hour,
		FlushInterval:  time.Duration(configViper.GetInt("flush.interval_seconds")) * time.Second,
		BatchMaxBytes:  configViper.GetInt("flush.batch_max_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AccountAddress) == "" {
		return fmt.Errorf("account.address is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("device.signing_secret is required")
	}
	if c.BatchMaxBytes <= 0 {
		return fmt.Errorf("flush.batch_max_bytes must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush.interval_seconds must be positive")
	}
	return nil
}
