package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.rentsync/config.toml.
type Config struct {
	Default   ConfigDefault   `toml:"default"`
	Hosted    ConfigHosted    `toml:"hosted"`
	Postgres  ConfigPostgres  `toml:"postgres"`
	Firestore ConfigFirestore `toml:"firestore"`
	Memory    ConfigMemory    `toml:"memory"`
	Cache     ConfigCache     `toml:"cache"`
	Webhook   ConfigWebhook   `toml:"webhook"`
	Auth      ConfigAuth      `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	Backend      string `toml:"backend"`
	LogLevel     string `toml:"log_level"`
	PollInterval string `toml:"poll_interval"`
	ItemsLimit   int    `toml:"items_limit"`
}

type ConfigHosted struct {
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	AutoReconnect bool   `toml:"auto_reconnect"`
}

type ConfigPostgres struct {
	DSN string `toml:"dsn"`
}

type ConfigFirestore struct {
	Project         string `toml:"project"`
	CredentialsFile string `toml:"credentials_file"`
}

type ConfigMemory struct {
	Fixtures string `toml:"fixtures"`
}

// ConfigCache selects where the items snapshot is kept between runs.
type ConfigCache struct {
	Backend    string `toml:"backend"`
	Dir        string `toml:"dir"`
	RedisURL   string `toml:"redis_url"`
	MaxEntries int    `toml:"max_entries"`
	MaxAge     string `toml:"max_age"`
}

// ConfigWebhook enables a signed webhook as an extra change source.
type ConfigWebhook struct {
	Secret string `toml:"secret"`
	Addr   string `toml:"addr"`
}

// ConfigAuth holds the persisted session.
type ConfigAuth struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
	Email       string `toml:"email"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.rentsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("RENTSYNC_HOME"); dir != "" {
		return dir, os.MkdirAll(dir, 0o700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".rentsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides
// (including a .env file in the working directory). A missing file yields
// the defaults.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	if flagBackend != "" {
		cfg.Default.Backend = flagBackend
	}
	if flagLogLevel != "" {
		cfg.Default.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// readConfigFile reads the file without overrides, so saveConfig does not
// persist values that came from the environment.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configFields maps dotted keys to config fields, shared by config set and
// the RENTSYNC_<SECTION>_<FIELD> environment overrides.
func configFields(cfg *Config) map[string]any {
	return map[string]any{
		"default.backend":            &cfg.Default.Backend,
		"default.log_level":          &cfg.Default.LogLevel,
		"default.poll_interval":      &cfg.Default.PollInterval,
		"default.items_limit":        &cfg.Default.ItemsLimit,
		"hosted.base_url":            &cfg.Hosted.BaseURL,
		"hosted.api_key":             &cfg.Hosted.APIKey,
		"hosted.auto_reconnect":      &cfg.Hosted.AutoReconnect,
		"postgres.dsn":               &cfg.Postgres.DSN,
		"firestore.project":          &cfg.Firestore.Project,
		"firestore.credentials_file": &cfg.Firestore.CredentialsFile,
		"memory.fixtures":            &cfg.Memory.Fixtures,
		"cache.backend":              &cfg.Cache.Backend,
		"cache.dir":                  &cfg.Cache.Dir,
		"cache.redis_url":            &cfg.Cache.RedisURL,
		"cache.max_entries":          &cfg.Cache.MaxEntries,
		"cache.max_age":              &cfg.Cache.MaxAge,
		"webhook.secret":             &cfg.Webhook.Secret,
		"webhook.addr":               &cfg.Webhook.Addr,
		"auth.access_token":          &cfg.Auth.AccessToken,
		"auth.user_id":               &cfg.Auth.UserID,
		"auth.email":                 &cfg.Auth.Email,
	}
}

// setConfigValue sets a config field using dot notation (e.g. "hosted.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. hosted.api_key)")
	}
	field, ok := configFields(cfg)[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	switch p := field.(type) {
	case *string:
		if strings.HasSuffix(key, "interval") || strings.HasSuffix(key, "max_age") {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s must be a duration: %w", key, err)
			}
		}
		*p = value
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s must be true or false: %w", key, err)
		}
		*p = b
	}
	return nil
}

func envName(key string) string {
	return "RENTSYNC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyEnv(cfg *Config) {
	for key := range configFields(cfg) {
		if v, ok := os.LookupEnv(envName(key)); ok {
			// invalid values keep the file setting
			_ = setConfigValue(cfg, key, v)
		}
	}
}

func (c *Config) pollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Default.PollInterval)
	return d
}

func (c *Config) cacheMaxAge() time.Duration {
	d, _ := time.ParseDuration(c.Cache.MaxAge)
	return d
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagBackend  string
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "rentsync",
	Short: "Rental marketplace sync client",
	Long: "Command-line client for the rental marketplace.\n" +
		"Browse and edit items, keep a wishlist, chat with owners, and watch live changes.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "backend: hosted, postgres, firestore or memory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
