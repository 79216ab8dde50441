package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "DAYSTATS"
	defaultHTTPAddress    = "127.0.0.1:8080"
	defaultDatabaseDriver = "sqlite"
	defaultDatabasePath   = "daystats.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultTimezone       = "Local"
	defaultGraphsLedger   = "graphs_sent.yml"
	defaultDaysLedger     = "days_sent.yml"
	defaultOutputDir      = "out"
	defaultWindowDays     = 10
	defaultTopChannels    = 5
	defaultRetryAttempts  = 4
)

// AppConfig captures runtime configuration for the pipeline and the read API.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string
	LogFormat      string
	Timezone       string
	Location       *time.Location
	GraphsLedger   string
	DaysLedger     string
	OutputDir      string
	WindowDays     int
	TopChannels    int
	SourcePath     string
	IgnoreChannels []string
	RetryAttempts  int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("timezone", defaultTimezone)
	configViper.SetDefault("ledger.graphs_path", defaultGraphsLedger)
	configViper.SetDefault("ledger.days_path", defaultDaysLedger)
	configViper.SetDefault("output.dir", defaultOutputDir)
	configViper.SetDefault("report.window_days", defaultWindowDays)
	configViper.SetDefault("report.top_channels", defaultTopChannels)
	configViper.SetDefault("ingest.retry_attempts", defaultRetryAttempts)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		Timezone:       configViper.GetString("timezone"),
		GraphsLedger:   configViper.GetString("ledger.graphs_path"),
		DaysLedger:     configViper.GetString("ledger.days_path"),
		OutputDir:      configViper.GetString("output.dir"),
		WindowDays:     configViper.GetInt("report.window_days"),
		TopChannels:    configViper.GetInt("report.top_channels"),
		SourcePath:     configViper.GetString("ingest.source_path"),
		IgnoreChannels: splitList(configViper.GetStringSlice("ingest.ignore_channels")),
		RetryAttempts:  configViper.GetInt("ingest.retry_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(strings.TrimSpace(cfg.Timezone))
	if err != nil {
		return AppConfig{}, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = location

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console", "":
	default:
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	if strings.TrimSpace(c.GraphsLedger) == "" || strings.TrimSpace(c.DaysLedger) == "" {
		return fmt.Errorf("ledger.graphs_path and ledger.days_path are required")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.WindowDays <= 0 {
		return fmt.Errorf("report.window_days must be positive")
	}
	if c.TopChannels <= 0 {
		return fmt.Errorf("report.top_channels must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("ingest.retry_attempts must be positive")
	}
	return nil
}

// splitList accepts both list values and a single comma-separated string from the environment.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
