package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabasePath != "daystats.db" {
		testContext.Fatalf("unexpected database defaults %+v", cfg)
	}
	if cfg.WindowDays != 10 || cfg.TopChannels != 5 || cfg.RetryAttempts != 4 {
		testContext.Fatalf("unexpected report defaults %+v", cfg)
	}
	if cfg.Location == nil {
		testContext.Fatalf("expected a resolved location")
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("DAYSTATS_TIMEZONE", "UTC")
	testContext.Setenv("DAYSTATS_REPORT_WINDOW_DAYS", "14")
	testContext.Setenv("DAYSTATS_INGEST_IGNORE_CHANNELS", "C1, C2")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.Location.String() != "UTC" || cfg.WindowDays != 14 {
		testContext.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.IgnoreChannels) != 2 || cfg.IgnoreChannels[0] != "C1" || cfg.IgnoreChannels[1] != "C2" {
		testContext.Fatalf("unexpected ignore list %#v", cfg.IgnoreChannels)
	}
}

func TestLoadReadsConfigFile(testContext *testing.T) {
	path := filepath.Join(testContext.TempDir(), "daystats.yaml")
	content := "database:\n  driver: postgres\n  dsn: postgres://localhost/daystats\ningest:\n  ignore_channels: [C9]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		testContext.Fatalf("failed to write config: %v", err)
	}
	configViper := NewViper()
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		testContext.Fatalf("failed to read config: %v", err)
	}

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "postgres" || cfg.DatabaseDSN != "postgres://localhost/daystats" {
		testContext.Fatalf("unexpected database config %+v", cfg)
	}
	if len(cfg.IgnoreChannels) != 1 || cfg.IgnoreChannels[0] != "C9" {
		testContext.Fatalf("unexpected ignore list %#v", cfg.IgnoreChannels)
	}
}

func TestLoadRejectsInvalidSettings(testContext *testing.T) {
	cases := map[string]struct {
		key   string
		value any
		want  string
	}{
		"driver":   {key: "database.driver", value: "mysql", want: "database.driver"},
		"dsn":      {key: "database.driver", value: "postgres", want: "database.dsn"},
		"window":   {key: "report.window_days", value: 0, want: "report.window_days"},
		"format":   {key: "log.format", value: "xml", want: "log.format"},
		"timezone": {key: "timezone", value: "Mars/Olympus", want: "timezone"},
	}
	for name, tc := range cases {
		configViper := NewViper()
		configViper.Set(tc.key, tc.value)
		_, err := Load(configViper)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			testContext.Fatalf("%s: expected error mentioning %s, got %v", name, tc.want, err)
		}
	}
}
