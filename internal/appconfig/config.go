// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/mcwatch/internal/util"
)

// ConnectionConfig describes one remote Microclimate server.
type ConnectionConfig struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	HostID      string `yaml:"host_id,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
	RedirectURI string `yaml:"redirect_uri,omitempty"`
}

// Host returns the identifier credentials are stored under.
func (c ConnectionConfig) Host() string {
	if strings.TrimSpace(c.HostID) != "" {
		return strings.TrimSpace(c.HostID)
	}
	return util.NormalizeBaseURL(c.URL)
}

// ReconcileConfig tunes the per-application status pollers.
type ReconcileConfig struct {
	PollIntervalMS        int `yaml:"poll_interval_ms"`
	RequestTimeoutMS      int `yaml:"request_timeout_ms"`
	RestartStageTimeoutMS int `yaml:"restart_stage_timeout_ms"`
}

// LogsConfig tunes the log stream pollers.
type LogsConfig struct {
	BuildPollSeconds int `yaml:"build_poll_seconds"`
	FilePollMS       int `yaml:"file_poll_ms"`
}

// DebugConfig controls debugger attachment after a debug restart.
type DebugConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ClientCommand  string `yaml:"client_command"`
}

// AuthConfig controls the login flows.
type AuthConfig struct {
	AuthorizePath    string `yaml:"authorize_path"`
	TokenPath        string `yaml:"token_path"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// LogConfig selects the slog level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Config holds application-level configuration.
type Config struct {
	Connections []ConnectionConfig `yaml:"connections"`
	Reconcile   ReconcileConfig    `yaml:"reconcile"`
	Logs        LogsConfig         `yaml:"logs"`
	Debug       DebugConfig        `yaml:"debug"`
	Auth        AuthConfig         `yaml:"auth"`
	UI          UIConfig           `yaml:"ui"`
	Log         LogConfig          `yaml:"log"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Reconcile: ReconcileConfig{
			PollIntervalMS:        int(util.DefaultPollInterval / time.Millisecond),
			RequestTimeoutMS:      int(util.DefaultRequestTimeout / time.Millisecond),
			RestartStageTimeoutMS: 120000,
		},
		Logs: LogsConfig{
			BuildPollSeconds: int(util.DefaultBuildLogInterval / time.Second),
			FilePollMS:       int(util.DefaultFilePollInterval / time.Millisecond),
		},
		Debug: DebugConfig{
			TimeoutSeconds: util.DefaultDebugTimeoutSeconds,
			ClientCommand:  "jdb",
		},
		Auth: AuthConfig{
			AuthorizePath:    "/oauth/authorize",
			TokenPath:        "/oauth/token",
			ConnectTimeoutMS: int(util.DefaultAuthConnectTimeout / time.Millisecond),
		},
		UI:  UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
		Log: LogConfig{Level: "info"},
	}
}

// PollInterval returns the reconcile poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Reconcile.PollIntervalMS) * time.Millisecond
}

// RequestTimeout returns the per-request timeout for status polls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Reconcile.RequestTimeoutMS) * time.Millisecond
}

// RestartStageTimeout bounds each state wait in the restart flow.
func (c Config) RestartStageTimeout() time.Duration {
	return time.Duration(c.Reconcile.RestartStageTimeoutMS) * time.Millisecond
}

// BuildLogInterval returns the build-log HEAD check cadence.
func (c Config) BuildLogInterval() time.Duration {
	return time.Duration(c.Logs.BuildPollSeconds) * time.Second
}

// FilePollInterval returns the local file tail cadence.
func (c Config) FilePollInterval() time.Duration {
	return time.Duration(c.Logs.FilePollMS) * time.Millisecond
}

// AuthConnectTimeout returns the password-grant connect timeout.
func (c Config) AuthConnectTimeout() time.Duration {
	return time.Duration(c.Auth.ConnectTimeoutMS) * time.Millisecond
}

// SlogLevel parses Log.Level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// FindConnection returns the connection with the given name, or the first
// configured connection when name is empty.
func (c Config) FindConnection(name string) (ConnectionConfig, error) {
	if len(c.Connections) == 0 {
		return ConnectionConfig{}, fmt.Errorf("no connections configured; add one to config.yaml")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return c.Connections[0], nil
	}
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, nil
		}
	}
	return ConnectionConfig{}, fmt.Errorf("connection not found: %s", name)
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/mcwatch.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcwatch"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "mcwatch"), nil
}

func configFile(name string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// EventsFilePath returns the full path to the state transition journal.
func EventsFilePath() (string, error) { return configFile("events.jsonl") }

// CredentialsFilePath returns the full path to the encrypted credential store.
func CredentialsFilePath() (string, error) { return configFile("credentials.age") }

// IdentityFilePath returns the full path to the age identity protecting the
// credential store.
func IdentityFilePath() (string, error) { return configFile("identity.txt") }

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.Reconcile.PollIntervalMS <= 0 {
		cfg.Reconcile.PollIntervalMS = def.Reconcile.PollIntervalMS
	}
	if cfg.Reconcile.RequestTimeoutMS <= 0 {
		cfg.Reconcile.RequestTimeoutMS = def.Reconcile.RequestTimeoutMS
	}
	if cfg.Reconcile.RestartStageTimeoutMS <= 0 {
		cfg.Reconcile.RestartStageTimeoutMS = def.Reconcile.RestartStageTimeoutMS
	}
	if cfg.Logs.BuildPollSeconds <= 0 {
		cfg.Logs.BuildPollSeconds = def.Logs.BuildPollSeconds
	}
	if cfg.Logs.FilePollMS <= 0 {
		cfg.Logs.FilePollMS = def.Logs.FilePollMS
	}
	if cfg.Debug.TimeoutSeconds <= 0 {
		cfg.Debug.TimeoutSeconds = def.Debug.TimeoutSeconds
	}
	if strings.TrimSpace(cfg.Debug.ClientCommand) == "" {
		cfg.Debug.ClientCommand = def.Debug.ClientCommand
	}
	if strings.TrimSpace(cfg.Auth.AuthorizePath) == "" {
		cfg.Auth.AuthorizePath = def.Auth.AuthorizePath
	}
	if strings.TrimSpace(cfg.Auth.TokenPath) == "" {
		cfg.Auth.TokenPath = def.Auth.TokenPath
	}
	if cfg.Auth.ConnectTimeoutMS <= 0 {
		cfg.Auth.ConnectTimeoutMS = def.Auth.ConnectTimeoutMS
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = def.Log.Level
	}
	for i := range cfg.Connections {
		cfg.Connections[i].URL = util.NormalizeBaseURL(cfg.Connections[i].URL)
		if strings.TrimSpace(cfg.Connections[i].Name) == "" {
			cfg.Connections[i].Name = fmt.Sprintf("conn%d", i)
		}
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
