package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var flagEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configShowCmd.Flags().BoolVar(&flagEffective, "effective", false, "print the merged configuration instead of the file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage rentsync configuration",
	Long: "View or modify the configuration stored in ~/.rentsync/config.toml.\n" +
		"Every key can also be set from the environment as RENTSYNC_<SECTION>_<FIELD>;\n" +
		"a .env file in the working directory is read as well.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file and active environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagEffective {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return writeEffective(cmd.OutOrStdout(), cfg)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot read config file: %w", err)
		}
		_ = godotenv.Load()
		writeConfigReport(cmd.OutOrStdout(), path, data, envOverrides())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: rentsync config set cache.max_age 10m",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, displayValue(key, value))
		if env := envName(key); os.Getenv(env) != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Note: %s is set and takes precedence\n", env)
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys and their environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		for _, key := range configKeys() {
			fmt.Fprintf(w, "%-28s %s\n", key, envName(key))
		}
		return nil
	},
}

// envOverride is one configuration key currently set from the environment.
type envOverride struct {
	Key   string
	Env   string
	Value string
}

func configKeys() []string {
	keys := make([]string, 0, 32)
	for key := range configFields(&Config{}) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func envOverrides() []envOverride {
	var out []envOverride
	for _, key := range configKeys() {
		if v, ok := os.LookupEnv(envName(key)); ok {
			out = append(out, envOverride{Key: key, Env: envName(key), Value: v})
		}
	}
	return out
}

func secretKey(key string) bool {
	switch key {
	case "hosted.api_key", "postgres.dsn", "webhook.secret", "auth.access_token", "cache.redis_url":
		return true
	}
	return false
}

func displayValue(key, value string) string {
	if secretKey(key) && value != "" {
		return maskKey(value)
	}
	return value
}

func writeConfigReport(w io.Writer, path string, file []byte, overrides []envOverride) {
	if file == nil {
		fmt.Fprintln(w, "No configuration file found. Run 'rentsync init <backend>' to create one.")
	} else {
		fmt.Fprintf(w, "# %s\n", path)
		var cfg Config
		if err := toml.Unmarshal(file, &cfg); err != nil {
			// unparsable files are shown as is
			fmt.Fprint(w, string(file))
		} else {
			_ = writeEffective(w, &cfg)
		}
	}
	if len(overrides) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment overrides:")
	for _, o := range overrides {
		fmt.Fprintf(w, "  %-28s %s=%s\n", o.Key, o.Env, displayValue(o.Key, o.Value))
	}
}

func maskConfig(cfg *Config) *Config {
	masked := *cfg
	fields := configFields(&masked)
	for key, field := range fields {
		if p, ok := field.(*string); ok && secretKey(key) {
			*p = displayValue(key, *p)
		}
	}
	return &masked
}

func writeEffective(w io.Writer, cfg *Config) error {
	data, err := toml.Marshal(maskConfig(cfg))
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}
