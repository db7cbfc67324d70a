package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Verification VerificationConfig `mapstructure:"verification"`
	Adjudicator  AdjudicatorConfig  `mapstructure:"adjudicator"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	AdminUserIDs   []int64       `mapstructure:"admin_user_ids"`
	PollingTimeout int           `mapstructure:"polling_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type VerificationConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	StartDeadline        time.Duration `mapstructure:"start_deadline"`
	SpamThreshold        int           `mapstructure:"spam_threshold"`
	EnableSpamProtection bool          `mapstructure:"enable_spam_protection"`
	AutoDeleteUnverified bool          `mapstructure:"auto_delete_unverified"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	MaxFileSizeMB        int           `mapstructure:"max_file_size_mb"`
	AllowedFileTypes     []string      `mapstructure:"allowed_file_types"`
}

type AdjudicatorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSONFormat bool   `mapstructure:"json_format"`
}

// MaxFileSizeBytes returns the document upload ceiling in bytes.
func (c VerificationConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults. The required keys get empty defaults so viper sees
	// them when they arrive via environment variables only.
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("adjudicator.base_url", "")
	v.SetDefault("adjudicator.api_key", "")
	v.SetDefault("telegram.polling_timeout", 60)
	v.SetDefault("telegram.request_timeout", "2m")
	v.SetDefault("verification.max_attempts", 3)
	v.SetDefault("verification.start_deadline", "12h")
	v.SetDefault("verification.spam_threshold", 3)
	v.SetDefault("verification.enable_spam_protection", false)
	v.SetDefault("verification.auto_delete_unverified", true)
	v.SetDefault("verification.cache_ttl", "300s")
	v.SetDefault("verification.max_file_size_mb", 20)
	v.SetDefault("verification.allowed_file_types", []string{"image/jpeg", "image/png", "application/pdf"})
	v.SetDefault("adjudicator.model", "gpt-4o")
	v.SetDefault("adjudicator.timeout", "3m")
	v.SetDefault("storage.path", "data/medverify.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json_format", false)

	// Config file locations
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/medverify")

	// Environment variables
	v.SetEnvPrefix("MEDVERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK, use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Adjudicator.BaseURL == "" {
		return fmt.Errorf("adjudicator.base_url is required")
	}
	if c.Adjudicator.APIKey == "" {
		return fmt.Errorf("adjudicator.api_key is required")
	}
	if c.Verification.MaxAttempts < 1 {
		return fmt.Errorf("verification.max_attempts must be at least 1")
	}
	if c.Verification.SpamThreshold < 1 {
		return fmt.Errorf("verification.spam_threshold must be at least 1")
	}
	if c.Verification.StartDeadline <= 0 {
		return fmt.Errorf("verification.start_deadline must be positive")
	}
	if c.Verification.MaxFileSizeMB < 1 {
		return fmt.Errorf("verification.max_file_size_mb must be at least 1")
	}
	if len(c.Verification.AllowedFileTypes) == 0 {
		return fmt.Errorf("verification.allowed_file_types must not be empty")
	}
	return nil
}
