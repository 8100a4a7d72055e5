package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at configFile, or at the first storagerules.yaml/.yml
// found in the standard locations, and enables STORAGE_RULES_* overrides.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, which LoadConfig tolerates
		viper.SetConfigName("storagerules")
		viper.SetConfigType("yaml")
	}

	// STORAGE_RULES_DATABASE_URL overrides database.url
	viper.SetEnvPrefix("STORAGE_RULES")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".storagerules"),
		"/etc/storagerules",
	})
}

// findConfigFileInPaths returns the first storagerules.yaml or .yml in paths.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "storagerules"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys makes nested keys visible to Unmarshal when they are only
// set through the environment.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"database.driver",
		"database.url",
		"access_count.aggregation_interval",
		"access_count.second_tables_to_keep",
		"access_count.minute_tables_to_keep",
		"access_count.hour_tables_to_keep",
		"access_count.day_tables_to_keep",
		"access_count.workers",
		"access_count.fetch_interval",
		"rules.executors",
		"rules.max_pending_cmdlets",
		"rules.activation_timeout",
		"server.http_addr",
		"server.log_level",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file and environment, applies defaults
// and validates the result. A missing file is not an error.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
