// Package config handles configuration loading for the orchestrator: XDG
// config paths, environment variables, and flag overrides layered with
// spf13/viper, in the same shape the teacher's own config package uses for
// Alphie's settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the orchestration core's components need at
// construction time.
type Config struct {
	Workspace   WorkspaceConfig `mapstructure:"workspace"`
	Store       StoreConfig     `mapstructure:"store"`
	Spawner     SpawnerConfig   `mapstructure:"spawner"`
	Dispatch    DispatchConfig  `mapstructure:"dispatch"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Log         LogConfig       `mapstructure:"log"`
	Credentials Credentials     `mapstructure:"credentials"`
}

// WorkspaceConfig controls the root directory forwarded to spawned agents
// as ELEMENTAL_ROOT when a session's own work dir is not set.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// StoreConfig configures the Reference Task Store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means the Operator CLI opens
	// store.DefaultDBPath().
	Path string `mapstructure:"path"`
}

// SpawnerConfig configures Spawner timeouts.
type SpawnerConfig struct {
	InitTimeout    time.Duration `mapstructure:"init_timeout"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
}

// DispatchConfig configures the Dispatch Daemon's loop.
type DispatchConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	// ControlDir, if set, is watched for pause/kill sentinel files that let
	// an operator steer the dispatch loop without the External API.
	ControlDir string `mapstructure:"control_dir"`
}

// HTTPConfig configures the Stream Fan-Out Endpoints server.
type HTTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
}

// LogConfig configures the shared debug sink.
type LogConfig struct {
	Path string `mapstructure:"path"`
}

// Load resolves configuration with this precedence (highest to lowest):
//  1. Environment variables (ORCHESTRATOR_* via automatic env, plus the
//     spec-mandated ELEMENTAL_ROOT for the workspace root)
//  2. $XDG_CONFIG_HOME/orchestrator/config.yaml (falling back to
//     ~/.config/orchestrator/config.yaml)
//  3. Built-in defaults
//
// Flag overrides are applied by the caller (the Operator CLI) against the
// returned Config after Load returns, giving flags the final word.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading user config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("orchestrator")
	v.BindEnv("workspace.root", "ELEMENTAL_ROOT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from an explicit file, skipping the XDG
// search — used by tests and by an operator who wants a pinned config.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	v.AutomaticEnv()
	v.SetEnvPrefix("orchestrator")
	v.BindEnv("workspace.root", "ELEMENTAL_ROOT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", ".")
	v.SetDefault("store.path", "")
	v.SetDefault("spawner.init_timeout", "120s")
	v.SetDefault("spawner.terminate_grace", "5s")
	v.SetDefault("dispatch.tick_interval", "5s")
	v.SetDefault("dispatch.batch_size", 16)
	v.SetDefault("dispatch.store_timeout", "30s")
	v.SetDefault("dispatch.control_dir", "")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.enable_cors", true)
	v.SetDefault("log.path", "")
	v.SetDefault("credentials.claude.env_var", "ANTHROPIC_API_KEY")
	v.SetDefault("credentials.codex.env_var", "OPENAI_API_KEY")
}

// Default returns a Config populated purely with built-in defaults, no
// file or environment lookups — used where a caller wants a deterministic
// baseline (e.g. unit tests).
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Root: "."},
		Store:     StoreConfig{Path: ""},
		Spawner: SpawnerConfig{
			InitTimeout:    120 * time.Second,
			TerminateGrace: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			TickInterval: 5 * time.Second,
			BatchSize:    16,
			StoreTimeout: 30 * time.Second,
			ControlDir:   "",
		},
		HTTP: HTTPConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			EnableCORS: true,
		},
		Credentials: Credentials{
			"claude": {EnvVar: "ANTHROPIC_API_KEY"},
			"codex":  {EnvVar: "OPENAI_API_KEY"},
		},
	}
}

// userConfigDir returns $XDG_CONFIG_HOME/orchestrator, falling back to
// ~/.config/orchestrator.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "orchestrator")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orchestrator")
	}
	return filepath.Join(home, ".config", "orchestrator")
}

// UserConfigPath returns the path Load reads from.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}
