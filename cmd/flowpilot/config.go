package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Config holds all flowpilot configuration.
// Priority: flags > env vars (FLOWPILOT_*) > settings file > defaults.
type Config struct {
	AuthorityURL         string        `mapstructure:"authority_url"`
	PushURL              string        `mapstructure:"push_url"`
	DefinitionsDir       string        `mapstructure:"definitions_dir"`
	JournalPath          string        `mapstructure:"journal_path"`
	LogLevel             string        `mapstructure:"log_level"`
	LogJSON              bool          `mapstructure:"log_json"`
	PoolSize             int           `mapstructure:"pool_size"`
	MaxAutoContinueDepth int           `mapstructure:"max_auto_continue_depth"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	DecisionTombstoneTTL time.Duration `mapstructure:"decision_tombstone_ttl"`
	TraceStdout          bool          `mapstructure:"trace_stdout"`
	ListenAddr           string        `mapstructure:"listen_addr"`
	Session              SessionConfig `mapstructure:"session"`
}

// SessionConfig is sent with every call to the authority.
type SessionConfig struct {
	ID       string `mapstructure:"id"`
	UserID   string `mapstructure:"user_id"`
	ViewMode string `mapstructure:"view_mode"`
}

var defaults = map[string]any{
	"authority_url":           "",
	"push_url":                "",
	"definitions_dir":         "",
	"journal_path":            "",
	"log_level":               "info",
	"log_json":                false,
	"pool_size":               engine.DefaultPoolSize,
	"max_auto_continue_depth": schema.MaxAutoContinueDepth,
	"poll_interval":           5 * time.Second,
	"decision_tombstone_ttl":  decision.DefaultTombstoneTTL,
	"trace_stdout":            false,
	"listen_addr":             ":4200",
	"session.id":              "",
	"session.user_id":         "",
	"session.view_mode":       "",
}

// envKeyReplacer maps nested keys to env names: session.user_id reads
// FLOWPILOT_SESSION_USER_ID.
var envKeyReplacer = strings.NewReplacer(".", "_")

func flowpilotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowpilot"
	}
	return filepath.Join(home, ".flowpilot")
}

// newViper returns a viper instance with defaults and env binding applied.
// Every key has a default so AutomaticEnv can see it during Unmarshal.
func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("FLOWPILOT")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	return v
}

// loadConfig reads the settings file, if any, and decodes the merged result.
// An explicit path must exist; the default ~/.flowpilot/settings.{json,yaml}
// is optional.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(flowpilotDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read settings: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode settings: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.PoolSize <= 0:
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	case c.MaxAutoContinueDepth <= 0:
		return fmt.Errorf("max_auto_continue_depth must be positive, got %d", c.MaxAutoContinueDepth)
	case c.PollInterval < time.Second:
		return fmt.Errorf("poll_interval must be at least 1s, got %s", c.PollInterval)
	}
	return nil
}

// pollSchedule renders the poll interval as a cron descriptor.
func (c Config) pollSchedule() string {
	return "@every " + c.PollInterval.String()
}

func (c Config) session() *schema.Session {
	if c.Session == (SessionConfig{}) {
		return nil
	}
	return &schema.Session{ID: c.Session.ID, UserID: c.Session.UserID, ViewMode: c.Session.ViewMode}
}

// journalURI turns journal_path into a libSQL file URI. A bare file name
// lives in ~/.flowpilot.
func (c Config) journalURI() string {
	switch {
	case c.JournalPath == "":
		return ""
	case strings.HasPrefix(c.JournalPath, "file:"):
		return c.JournalPath
	case filepath.Base(c.JournalPath) == c.JournalPath:
		return "file:" + filepath.Join(flowpilotDir(), c.JournalPath)
	}
	return "file:" + c.JournalPath
}
