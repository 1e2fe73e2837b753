package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/npk-runtime/npkd/internal/console"
)

// RepositoryConfig is one repository entry opened at startup.
type RepositoryConfig struct {
	ID      string `yaml:"id"`
	Dir     string `yaml:"dir"`
	KeyFile string `yaml:"key_file"`
}

// ListenerConfig mirrors console.ListenerConfig on disk, with
// permissions as a plain string list.
type ListenerConfig struct {
	URL         string   `yaml:"url"`
	Permissions []string `yaml:"permissions"`
}

// Config is npkd's top-level configuration document, loaded from the
// YAML file named by the run command's --config flag. No command-line
// flag overrides its fields.
type Config struct {
	RunDir                 string             `yaml:"run_dir"`
	DataDir                string             `yaml:"data_dir"`
	Repositories           []RepositoryConfig `yaml:"repositories"`
	Listeners              []ListenerConfig   `yaml:"listeners"`
	TokenKeyFile           string             `yaml:"token_key_file"`
	MaxRequestSize         int                `yaml:"max_request_size"`
	MaxInstallSize         int64              `yaml:"max_npk_install_size"`
	MaxRequestsPerSecond   int                `yaml:"max_requests_per_sec"`
	HandshakeTimeoutSecs   int                `yaml:"handshake_timeout_secs"`
	InstallIdleTimeoutSecs int                `yaml:"install_idle_timeout_secs"`
	ShutdownGraceSecs      int                `yaml:"shutdown_grace_secs"`
	NotificationHistory    int                `yaml:"notification_history_size"`
	MetricsAddr            string             `yaml:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		RunDir:  "/run/npkd",
		DataDir: "/var/lib/npkd",
		Listeners: []ListenerConfig{
			{URL: "unix:///run/npkd/console.sock", Permissions: []string{"*"}},
		},
		MaxRequestSize:         1 << 20,
		MaxInstallSize:         256 << 20,
		MaxRequestsPerSecond:   1024,
		HandshakeTimeoutSecs:   5,
		InstallIdleTimeoutSecs: 5,
		ShutdownGraceSecs:      10,
		NotificationHistory:    10000,
		MetricsAddr:            ":9090",
	}
}

// LoadConfig reads and parses the YAML document at path, applying
// defaults for anything left unset.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// consoleListeners converts the on-disk listener config into
// console.ListenerConfig, resolving permission name lists.
func (c Config) consoleListeners() []console.ListenerConfig {
	out := make([]console.ListenerConfig, 0, len(c.Listeners))
	for _, l := range c.Listeners {
		out = append(out, console.ListenerConfig{URL: l.URL, Permissions: console.ParsePermissions(l.Permissions)})
	}
	return out
}

func (c Config) handshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSecs) * time.Second
}

func (c Config) installIdleTimeout() time.Duration {
	return time.Duration(c.InstallIdleTimeoutSecs) * time.Second
}

func (c Config) shutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

func loadTokenKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token key %s: %w", path, err)
	}
	return key, nil
}
