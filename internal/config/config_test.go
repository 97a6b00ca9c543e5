package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var knownEnv = []string{
	"OPENCODE_BASE_URL", "OPENCODE_SERVER_USERNAME", "OPENCODE_SERVER_PASSWORD",
	"OPENCODE_MESSAGE_TIMEOUT", "OPENCODE_USE_ASYNC", "OPENCODE_CWD",
}

func loadWithEnv(t *testing.T, path string, env map[string]string) *Config {
	t.Helper()
	for _, k := range knownEnv {
		t.Setenv(k, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadWithEnv(t, filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 600*time.Second, cfg.MessageTimeout)
	assert.False(t, cfg.UseAsync)
	assert.Equal(t, 4096, cfg.Port())
	assert.Equal(t, "127.0.0.1", cfg.Hostname())
}

func TestYAMLFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"base_url: http://127.0.0.1:5000\nmessage_timeout_seconds: 120\n"), 0o644))

	cfg := loadWithEnv(t, path, map[string]string{
		"OPENCODE_BASE_URL": "http://10.0.0.2:6000/",
	})
	// env wins over file
	assert.Equal(t, "http://10.0.0.2:6000", cfg.BaseURL)
	assert.Equal(t, 6000, cfg.Port())
	assert.Equal(t, 120*time.Second, cfg.MessageTimeout)
}

func TestTimeoutFloorAndDefault(t *testing.T) {
	cases := []struct {
		name string
		env  string
		want time.Duration
	}{
		{"default", "", 600 * time.Second},
		{"below floor", "5", 60 * time.Second},
		{"above floor", "900", 900 * time.Second},
		{"garbage", "soon", 600 * time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := map[string]string{}
			if c.env != "" {
				env["OPENCODE_MESSAGE_TIMEOUT"] = c.env
			}
			cfg := loadWithEnv(t, filepath.Join(t.TempDir(), "none.yaml"), env)
			assert.Equal(t, c.want, cfg.MessageTimeout)
		})
	}
}

func TestTruthyAsyncToggle(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", " TRUE "} {
		cfg := loadWithEnv(t, filepath.Join(t.TempDir(), "none.yaml"),
			map[string]string{"OPENCODE_USE_ASYNC": v})
		assert.True(t, cfg.UseAsync, "value %q", v)
	}
	for _, v := range []string{"0", "no", "off", "async"} {
		cfg := loadWithEnv(t, filepath.Join(t.TempDir(), "none.yaml"),
			map[string]string{"OPENCODE_USE_ASYNC": v})
		assert.False(t, cfg.UseAsync, "value %q", v)
	}
}

func TestBasicAuthKeyedOffPassword(t *testing.T) {
	cfg := loadWithEnv(t, filepath.Join(t.TempDir(), "none.yaml"), nil)
	_, _, ok := cfg.BasicAuth()
	assert.False(t, ok)

	cfg = loadWithEnv(t, filepath.Join(t.TempDir(), "none.yaml"),
		map[string]string{"OPENCODE_SERVER_PASSWORD": "hunter2"})
	user, pass, ok := cfg.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "opencode", user)
	assert.Equal(t, "hunter2", pass)
}

func TestPortFallsBackWhenURLHasNoPort(t *testing.T) {
	cfg := loadWithEnv(t, filepath.Join(t.TempDir(), "none.yaml"),
		map[string]string{"OPENCODE_BASE_URL": "http://localhost"})
	assert.Equal(t, DefaultPort, cfg.Port())
}
