// Package config loads admin-gate settings from the environment and an
// optional admin-gate.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DevSessionSecret is the fallback elevated-cookie key for local runs.
const DevSessionSecret = "dev-insecure-change-me"

type Config struct {
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	ListenAddr          string `mapstructure:"LISTEN_ADDR"`
	PrimaryJWTSecret    string `mapstructure:"PRIMARY_JWT_SECRET"`
	SessionSecret       string `mapstructure:"SESSION_SECRET"`
	DataKey             string `mapstructure:"DATA_KEY"`
	MFAIssuer           string `mapstructure:"MFA_ISSUER"`
	AllowedOrigins      string `mapstructure:"ALLOWED_ORIGINS"`
	NotifyWebhookURL    string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	LogFile             string `mapstructure:"LOG_FILE"`
	TrustedProxyCIDRs   string `mapstructure:"TRUSTED_PROXY_CIDRS"`
	AdminBootstrapUsers string `mapstructure:"ADMIN_BOOTSTRAP_USERS"`
	ForceSecureCookie   bool   `mapstructure:"FORCE_SECURE_COOKIE"`
}

var defaults = map[string]any{
	"DATABASE_URL":          "",
	"LISTEN_ADDR":           ":8089",
	"PRIMARY_JWT_SECRET":    "",
	"SESSION_SECRET":        DevSessionSecret,
	"DATA_KEY":              "",
	"MFA_ISSUER":            "AdminGate",
	"ALLOWED_ORIGINS":       "",
	"NOTIFY_WEBHOOK_URL":    "",
	"LOG_LEVEL":             "INFO",
	"LOG_FILE":              "",
	"TRUSTED_PROXY_CIDRS":   "",
	"ADMIN_BOOTSTRAP_USERS": "",
	"FORCE_SECURE_COOKIE":   false,
}

// Load reads defaults, then admin-gate.yaml from the working directory or
// /etc/admin-gate if present, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	v.SetConfigName("admin-gate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/admin-gate")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.PrimaryJWTSecret) == "" {
		errs = append(errs, errors.New("PRIMARY_JWT_SECRET is required"))
	}
	if c.SessionSecret != "" && c.SessionSecret == c.PrimaryJWTSecret {
		errs = append(errs, errors.New("SESSION_SECRET must differ from PRIMARY_JWT_SECRET"))
	}
	return errors.Join(errs...)
}

// InsecureSessionSecret reports whether the dev fallback is in use.
func (c *Config) InsecureSessionSecret() bool {
	return c.SessionSecret == "" || c.SessionSecret == DevSessionSecret
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c *Config) Origins() []string {
	return SplitList(c.AllowedOrigins)
}

// BootstrapUsers splits ADMIN_BOOTSTRAP_USERS on commas.
func (c *Config) BootstrapUsers() []string {
	return SplitList(c.AdminBootstrapUsers)
}

// SplitList splits a comma or whitespace separated list, dropping empties.
func SplitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
