// Package config loads the responder configuration from a YAML file,
// with credentials resolved separately through the keyring.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"mailmind/internal/credential"
	"mailmind/internal/mailbox"
	"mailmind/internal/model"
)

// MailConfig holds the IMAP and SMTP endpoints of the serviced mailbox.
type MailConfig struct {
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port" yaml:"smtp_port"`

	// Address is both the login username and the From of every reply.
	Address string `mapstructure:"address" yaml:"address"`

	// TLS selects implicit TLS; when false STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`
}

// ModelsConfig holds the model registry and routing defaults.
type ModelsConfig struct {
	Registry []model.ModelInfo `mapstructure:"registry" yaml:"registry"`

	// Default handles subjects that name no model, for senders without
	// a per-user default.
	Default string `mapstructure:"default" yaml:"default"`

	// Backup handles the single retry after an overload signal.
	Backup string `mapstructure:"backup" yaml:"backup"`
}

// PollConfig tunes the inbox loop.
type PollConfig struct {
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
	BatchSize   int `mapstructure:"batch_size" yaml:"batch_size"`
	StaggerMS   int `mapstructure:"stagger_ms" yaml:"stagger_ms"`
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// Stagger returns the in-batch launch delay as a duration.
func (p PollConfig) Stagger() time.Duration {
	return time.Duration(p.StaggerMS) * time.Millisecond
}

// BannerConfig holds the URLs of the inline reply banners. Empty URLs
// disable the corresponding banner.
type BannerConfig struct {
	TopURL    string `mapstructure:"top_url" yaml:"top_url"`
	BottomURL string `mapstructure:"bottom_url" yaml:"bottom_url"`
}

// Config is the top-level application configuration.
type Config struct {
	Mail    MailConfig     `mapstructure:"mail" yaml:"mail"`
	Models  ModelsConfig   `mapstructure:"models" yaml:"models"`
	Labels  mailbox.Labels `mapstructure:"labels" yaml:"labels"`
	Poll    PollConfig     `mapstructure:"poll" yaml:"poll"`
	Banners BannerConfig   `mapstructure:"banners" yaml:"banners"`

	// UsersPath is the JSON user registry, re-read on every lookup.
	UsersPath string `mapstructure:"users_path" yaml:"users_path"`

	// StorePath is the SQLite conversation database.
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailmind/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailmind", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mail.imap_port", "993")
	v.SetDefault("mail.smtp_port", "465")
	v.SetDefault("mail.tls", true)

	v.SetDefault("labels.answered", "AI-Answered")
	v.SetDefault("labels.processing", "AI-Processing")
	v.SetDefault("labels.broken", "AI-Broken")
	v.SetDefault("labels.unregistered", "AI-NotRegistered")

	v.SetDefault("poll.interval_sec", 10)
	v.SetDefault("poll.batch_size", 10)
	v.SetDefault("poll.stagger_ms", 500)

	v.SetDefault("users_path", "users.json")
	v.SetDefault("store_path", "conversations.db")
}

// Load reads configuration from the given YAML file path using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the settings the responder cannot start without.
func (c *Config) Validate() error {
	if c.Mail.IMAPHost == "" {
		return fmt.Errorf("mail.imap_host is required")
	}
	if c.Mail.SMTPHost == "" {
		return fmt.Errorf("mail.smtp_host is required")
	}
	if c.Mail.Address == "" {
		return fmt.Errorf("mail.address is required")
	}
	if len(c.Models.Registry) == 0 {
		return fmt.Errorf("models.registry must list at least one model")
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}

	byName := make(map[string]model.ModelInfo, len(c.Models.Registry))
	for _, m := range c.Models.Registry {
		if m.Name == "" {
			return fmt.Errorf("models.registry entry without a name")
		}
		byName[m.Name] = m
	}
	if _, ok := byName[c.Models.Default]; !ok {
		return fmt.Errorf("models.default %q is not in the registry", c.Models.Default)
	}
	if c.Models.Backup != "" {
		if _, ok := byName[c.Models.Backup]; !ok {
			return fmt.Errorf("models.backup %q is not in the registry", c.Models.Backup)
		}
	}

	return nil
}

// IMAPConfig assembles the IMAP transport settings, pulling the
// password from the credential store.
func (c *Config) IMAPConfig() (mailbox.IMAPConfig, error) {
	password, err := credential.Get(credential.KeyIMAPPassword)
	if err != nil {
		return mailbox.IMAPConfig{}, fmt.Errorf("resolving IMAP password: %w", err)
	}
	return mailbox.IMAPConfig{
		Host:     c.Mail.IMAPHost,
		Port:     c.Mail.IMAPPort,
		Username: c.Mail.Address,
		Password: password,
		TLS:      c.Mail.TLS,
	}, nil
}

// SMTPConfig assembles the SMTP submission settings. The SMTP password
// falls back to the IMAP one when not set separately, the common case
// for a single mail account.
func (c *Config) SMTPConfig() (mailbox.SMTPConfig, error) {
	password, err := credential.Get(credential.KeySMTPPassword)
	if err != nil || password == "" {
		password, err = credential.Get(credential.KeyIMAPPassword)
		if err != nil {
			return mailbox.SMTPConfig{}, fmt.Errorf("resolving SMTP password: %w", err)
		}
	}
	return mailbox.SMTPConfig{
		Host:     c.Mail.SMTPHost,
		Port:     c.Mail.SMTPPort,
		Username: c.Mail.Address,
		Password: password,
		TLS:      c.Mail.TLS,
	}, nil
}
