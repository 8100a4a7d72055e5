// Package config provides configuration types for the storage rules daemon.
//
// Values come from storagerules.yaml and STORAGE_RULES_* environment
// variables; see loader.go.
package config

import (
	"time"

	"github.com/liamcoop/storagerules/accesscount"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Database selects the metadata store backing rules, files and access counts.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// AccessCount configures the access count tables and their retention.
	AccessCount AccessCountConfig `yaml:"access_count" mapstructure:"access_count"`

	// Rules configures rule execution.
	Rules RulesConfig `yaml:"rules" mapstructure:"rules"`

	// Server configures the ops HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// DatabaseConfig configures the metadata store connection.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite". Default: "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	// URL is the DSN, a file path for sqlite. Default: "storagerules.db".
	URL string `yaml:"url" mapstructure:"url" validate:"required"`
}

// AccessCountConfig configures aggregation of file access events.
type AccessCountConfig struct {
	// AggregationInterval is the span of one second-tier table. Default: 5s.
	AggregationInterval time.Duration `yaml:"aggregation_interval" mapstructure:"aggregation_interval" validate:"gt=0"`
	SecondTablesToKeep  int           `yaml:"second_tables_to_keep" mapstructure:"second_tables_to_keep" validate:"gte=0"`
	MinuteTablesToKeep  int           `yaml:"minute_tables_to_keep" mapstructure:"minute_tables_to_keep" validate:"gte=0"`
	HourTablesToKeep    int           `yaml:"hour_tables_to_keep" mapstructure:"hour_tables_to_keep" validate:"gte=0"`
	DayTablesToKeep     int           `yaml:"day_tables_to_keep" mapstructure:"day_tables_to_keep" validate:"gte=0"`
	// Workers run the rollups into coarser tables. Default: 4.
	Workers int `yaml:"workers" mapstructure:"workers" validate:"gte=1"`
	// FetchInterval is how often access events are drained. Default: the aggregation interval.
	FetchInterval time.Duration `yaml:"fetch_interval" mapstructure:"fetch_interval" validate:"gte=0"`
}

// RulesConfig configures rule executors.
type RulesConfig struct {
	// Executors is the number of rules evaluated concurrently. Default: 4.
	Executors int `yaml:"executors" mapstructure:"executors" validate:"gte=1"`
	// MaxPendingCmdlets bounds the cmdlet queue, 0 means unbounded. Default: 10000.
	MaxPendingCmdlets int `yaml:"max_pending_cmdlets" mapstructure:"max_pending_cmdlets" validate:"gte=0"`
	// ActivationTimeout bounds one rule activation, 0 means unbounded. Default: 5m.
	ActivationTimeout time.Duration `yaml:"activation_timeout" mapstructure:"activation_timeout" validate:"gte=0"`
}

// ServerConfig configures the ops listener.
type ServerConfig struct {
	// HTTPAddr serves /api/v1/health and /metrics. Default: "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"required,hostname_port"`
	// LogLevel is one of trace, debug, info, warn, error. Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn warning error fatal TRACE DEBUG INFO WARN WARNING ERROR FATAL"`
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.URL == "" && c.Database.Driver == "sqlite" {
		c.Database.URL = "storagerules.db"
	}

	defaults := accesscount.DefaultConfig()
	if c.AccessCount.AggregationInterval == 0 {
		c.AccessCount.AggregationInterval = defaults.AggregationInterval
	}
	if c.AccessCount.SecondTablesToKeep == 0 {
		c.AccessCount.SecondTablesToKeep = defaults.SecondTablesToKeep
	}
	if c.AccessCount.MinuteTablesToKeep == 0 {
		c.AccessCount.MinuteTablesToKeep = defaults.MinuteTablesToKeep
	}
	if c.AccessCount.HourTablesToKeep == 0 {
		c.AccessCount.HourTablesToKeep = defaults.HourTablesToKeep
	}
	if c.AccessCount.DayTablesToKeep == 0 {
		c.AccessCount.DayTablesToKeep = defaults.DayTablesToKeep
	}
	if c.AccessCount.Workers == 0 {
		c.AccessCount.Workers = 4
	}
	if c.AccessCount.FetchInterval == 0 {
		c.AccessCount.FetchInterval = c.AccessCount.AggregationInterval
	}

	if c.Rules.Executors == 0 {
		c.Rules.Executors = 4
	}
	if c.Rules.MaxPendingCmdlets == 0 {
		c.Rules.MaxPendingCmdlets = 10000
	}
	if c.Rules.ActivationTimeout == 0 {
		c.Rules.ActivationTimeout = 5 * time.Minute
	}

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
}

// AccessCountTables returns the retention settings of the table cascade.
func (c *Config) AccessCountTables() accesscount.Config {
	return accesscount.Config{
		AggregationInterval: c.AccessCount.AggregationInterval,
		SecondTablesToKeep:  c.AccessCount.SecondTablesToKeep,
		MinuteTablesToKeep:  c.AccessCount.MinuteTablesToKeep,
		HourTablesToKeep:    c.AccessCount.HourTablesToKeep,
		DayTablesToKeep:     c.AccessCount.DayTablesToKeep,
	}
}
