package bot

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatops-dev/opencodectl/internal/config"
	"github.com/chatops-dev/opencodectl/internal/opencode"
	"github.com/chatops-dev/opencodectl/internal/portprobe"
	"github.com/chatops-dev/opencodectl/internal/supervisor"
)

// newRestartCore wires a Core whose supervisor spawns into the fake backend:
// the spawn hook flips the fake healthy and records the working directory.
func newRestartCore(t *testing.T, f *fakeOpencode) (*Core, *[]supervisor.SpawnRequest) {
	t.Helper()
	port, err := portprobe.FreePort()
	require.NoError(t, err)

	var spawns []supervisor.SpawnRequest
	sup := supervisor.New(port, "127.0.0.1", supervisor.NewHealthChecker(f.srv.URL),
		supervisor.WithPollIntervals(5*time.Millisecond, 5*time.Millisecond),
		supervisor.WithSignalFunc(func(pid int, sig syscall.Signal) error { return nil }),
		supervisor.WithSpawnFunc(func(req supervisor.SpawnRequest) (int, error) {
			spawns = append(spawns, req)
			f.mu.Lock()
			f.healthy = true
			f.mu.Unlock()
			return 4242, nil
		}))

	client := opencode.NewClient(f.srv.URL)
	cfg := config.Default()
	cfg.BaseURL = f.srv.URL
	cfg.WorkDir = t.TempDir()
	core := NewCore(client, opencode.NewDelivery(client, time.Minute, false), sup, cfg)
	return core, &spawns
}

func TestHandleNewProjectRejectsBadNamesWithoutRestart(t *testing.T) {
	f := newFakeOpencode(t)
	c, spawns := newRestartCore(t, f)

	for _, name := range []string{"..", "a/b"} {
		out := c.HandleNewProject(context.Background(), name)
		assert.Contains(t, out, "must not")
	}
	assert.Empty(t, *spawns)
}

func TestHandleNewProjectRestartsAndCreatesSession(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // project dirs land under ~/bots
	f := newFakeOpencode(t)
	f.addSession(opencode.Session{ID: "ses_before"})
	c, spawns := newRestartCore(t, f)
	c.setSessionID("ses_before")

	out := c.HandleNewProject(context.Background(), "my-proj")
	assert.Contains(t, out, "new project directory")
	require.Len(t, *spawns, 1)
	assert.Contains(t, (*spawns)[0].WorkDir, "my-proj")

	// Directory change invalidated the old pointer; a fresh session is current.
	assert.NotEqual(t, "ses_before", c.CurrentSessionID())
	assert.NotEmpty(t, c.CurrentSessionID())
	assert.Equal(t, 1, f.creates)
}

func TestHandleRestartBackendResumesMostRecentSession(t *testing.T) {
	f := newFakeOpencode(t)
	f.addSession(opencode.Session{ID: "ses_untimed"})
	f.addSession(opencode.Session{ID: "ses_recent", Time: &opencode.SessionTime{Updated: 300}})
	f.addSession(opencode.Session{ID: "ses_older", Time: &opencode.SessionTime{Updated: 100}})
	c, spawns := newRestartCore(t, f)
	c.setSessionID("ses_older")

	ok, detail := c.HandleRestartBackend(context.Background())
	require.True(t, ok, detail)
	require.Len(t, *spawns, 1)
	assert.Equal(t, "ses_recent", c.CurrentSessionID())
}

func TestHandleStartBackendRemembersWorkDir(t *testing.T) {
	f := newFakeOpencode(t)
	c, spawns := newRestartCore(t, f)

	ok, detail := c.HandleStartBackend(context.Background())
	require.True(t, ok, detail)
	require.Len(t, *spawns, 1)

	// A later restart reuses the remembered directory.
	_, _ = c.HandleRestartBackend(context.Background())
	require.Len(t, *spawns, 2)
	assert.Equal(t, (*spawns)[0].WorkDir, (*spawns)[1].WorkDir)
}

func TestStatusReportRendersPortAndHealth(t *testing.T) {
	f := newFakeOpencode(t)
	f.healthy = true
	c, _ := newRestartCore(t, f)

	out := c.StatusReport(context.Background())
	assert.Contains(t, out, "opencode status:")
	assert.Contains(t, out, "healthy: yes")
	assert.Contains(t, out, "port:")
}
