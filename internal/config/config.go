// Package config loads opencodectl configuration from an optional YAML file
// overridden by environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	// DefaultBaseURL is where a locally spawned opencode server listens.
	DefaultBaseURL = "http://127.0.0.1:4096"
	// DefaultPort is the fallback when the base URL carries no usable port.
	DefaultPort = 4096

	defaultTimeout = 600 * time.Second
	minTimeout     = 60 * time.Second
)

// Config holds everything the supervisor, client, and bot layers consume.
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MessageTimeout time.Duration `yaml:"-"`
	UseAsync       bool          `yaml:"use_async"`
	WorkDir        string        `yaml:"work_dir"`
	LogPath        string        `yaml:"log_path"`

	// TimeoutSeconds is the file-facing form of MessageTimeout.
	TimeoutSeconds int `yaml:"message_timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:        DefaultBaseURL,
		Username:       "opencode",
		MessageTimeout: defaultTimeout,
	}
}

// Load reads the YAML config file at path (or ~/.opencodectl/config.yaml when
// path is empty, silently skipped when absent) and then applies environment
// overrides. A malformed file is an error; a missing one is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".opencodectl", "config.yaml")
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
			if cfg.TimeoutSeconds > 0 {
				cfg.MessageTimeout = time.Duration(cfg.TimeoutSeconds) * time.Second
			}
		case os.IsNotExist(err):
			// defaults apply
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENCODE_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("OPENCODE_SERVER_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("OPENCODE_SERVER_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("OPENCODE_MESSAGE_TIMEOUT"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			c.MessageTimeout = time.Duration(secs * float64(time.Second))
		}
	}
	if v := os.Getenv("OPENCODE_USE_ASYNC"); v != "" {
		c.UseAsync = Truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv("OPENCODE_CWD")); v != "" {
		c.WorkDir = v
	}
}

func (c *Config) clamp() {
	if c.MessageTimeout < minTimeout {
		c.MessageTimeout = minTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Truthy reports whether s enables a boolean toggle.
func Truthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// BasicAuth reports the credentials to use, and whether auth is enabled at
// all. Auth is keyed off the password: no password means no auth.
func (c *Config) BasicAuth() (user, pass string, ok bool) {
	if c.Password == "" {
		return "", "", false
	}
	user = c.Username
	if user == "" {
		user = "opencode"
	}
	return user, c.Password, true
}

// Port extracts the backend port from the base URL, falling back to
// DefaultPort when the URL is unparseable or carries no explicit port.
func (c *Config) Port() int {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return DefaultPort
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil || p <= 0 {
		return DefaultPort
	}
	return p
}

// Hostname extracts the backend host from the base URL.
func (c *Config) Hostname() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Hostname() == "" {
		return "127.0.0.1"
	}
	return u.Hostname()
}

// DefaultWorkDir is where the backend is spawned when no directory is
// configured: the per-day project path under ~/bots.
func (c *Config) DefaultWorkDir(now time.Time) string {
	if c.WorkDir != "" {
		return expandHome(c.WorkDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "bots", now.Format("2006-01-02"))
}

// ProjectDir resolves a validated project subdirectory under ~/bots.
func ProjectDir(subdir string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "bots", strings.TrimSpace(subdir))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
