// Package bot is the chat-protocol-agnostic control layer: it owns the
// current-session pointer and coordinates the opencode client, the delivery
// protocol, and the supervisor on behalf of chat front ends.
package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/chatops-dev/opencodectl/internal/config"
	"github.com/chatops-dev/opencodectl/internal/opencode"
	"github.com/chatops-dev/opencodectl/internal/supervisor"
)

// Core holds the process-wide current-session pointer. Access is
// mutex-guarded for memory safety, but semantically last-writer-wins: two
// concurrent "new session" requests settle on whichever wrote last, both of
// which are valid sessions.
type Core struct {
	log      *zap.SugaredLogger
	client   *opencode.Client
	delivery *opencode.Delivery
	sup      *supervisor.Supervisor
	cfg      *config.Config

	mu          sync.Mutex
	sessionID   string
	lastWorkDir string
}

// CoreOption configures a Core.
type CoreOption func(*Core)

// WithCoreLogger attaches a named logger.
func WithCoreLogger(l *zap.Logger) CoreOption {
	return func(c *Core) {
		c.log = l.Named("bot").Sugar()
	}
}

// NewCore wires the control layer together.
func NewCore(client *opencode.Client, delivery *opencode.Delivery, sup *supervisor.Supervisor, cfg *config.Config, opts ...CoreOption) *Core {
	c := &Core{
		log:      zap.NewNop().Sugar(),
		client:   client,
		delivery: delivery,
		sup:      sup,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentSessionID returns the current-session pointer, "" when unset.
func (c *Core) CurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Core) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Core) workDir() string {
	c.mu.Lock()
	last := c.lastWorkDir
	c.mu.Unlock()
	if last != "" {
		return last
	}
	return c.cfg.DefaultWorkDir(time.Now())
}

func (c *Core) setWorkDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWorkDir = dir
}

// GetOrCreateSession resolves the session new messages target. A cached id
// is verified against the backend's live list and dropped when it no longer
// appears (or the verification itself fails); with nothing cached, the
// backend-ordered first session is adopted, or one is created when the
// backend has none.
func (c *Core) GetOrCreateSession(ctx context.Context) (string, error) {
	if cached := c.CurrentSessionID(); cached != "" {
		sessions, err := c.client.ListSessions(ctx)
		if err == nil {
			for _, s := range sessions {
				if s.ID == cached {
					return cached, nil
				}
			}
		}
		c.setSessionID("")
	}

	sessions, err := c.client.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		s, err := c.client.CreateSession(ctx, "")
		if err != nil {
			return "", err
		}
		c.setSessionID(s.ID)
		return s.ID, nil
	}
	c.setSessionID(sessions[0].ID)
	return sessions[0].ID, nil
}

// HandleMessage delivers text to the current session and returns the
// user-facing reply. A not-found failure gets exactly one retry against a
// freshly resolved session; timeouts are never retried, since the backend
// may still be computing.
func (c *Core) HandleMessage(ctx context.Context, text string) string {
	sessionID, err := c.GetOrCreateSession(ctx)
	if err != nil {
		return "failed to call opencode: " + err.Error()
	}

	result, err := c.delivery.Send(ctx, sessionID, text)
	if err != nil {
		switch {
		case opencode.IsTimeout(err):
			return err.Error() + ". Retry later or send /session to inspect the session; raise OPENCODE_MESSAGE_TIMEOUT (seconds) for longer jobs."
		case opencode.IsNotFound(err):
			c.log.Infow("session rejected by backend, retrying once with a fresh session", "session", sessionID)
			c.setSessionID("")
			sessionID, err = c.GetOrCreateSession(ctx)
			if err != nil {
				return "failed to call opencode: " + err.Error()
			}
			result, err = c.delivery.Send(ctx, sessionID, text)
			if err != nil {
				return "failed to call opencode: " + err.Error()
			}
		default:
			return "failed to call opencode: " + err.Error()
		}
	}

	if result == "" {
		return "(no textual result)"
	}
	return result
}

// SwitchSession points the current-session pointer at id and reports the
// session's title.
func (c *Core) SwitchSession(ctx context.Context, id string) string {
	title := "(untitled)"
	sessions, err := c.client.ListSessions(ctx)
	if err != nil {
		return "failed to switch session: " + err.Error()
	}
	for _, s := range sessions {
		if s.ID == id && s.Title != "" {
			title = s.Title
			break
		}
	}
	c.setSessionID(id)
	return "switched to session: " + title
}

// HandleNewSession creates a session and makes it current, without touching
// the backend process.
func (c *Core) HandleNewSession(ctx context.Context) string {
	s, err := c.client.CreateSession(ctx, "")
	if err != nil {
		return "failed to create session: " + err.Error()
	}
	c.setSessionID(s.ID)
	return "switched to a new session."
}

// HandleNewProject restarts the backend in a fresh project directory and
// creates a session there. With an empty subdir the per-day default is used;
// otherwise subdir is validated and placed under ~/bots.
func (c *Core) HandleNewProject(ctx context.Context, subdir string) string {
	var cwd string
	if subdir != "" {
		if err := ValidateProjectName(subdir); err != nil {
			return err.Error()
		}
		cwd = config.ProjectDir(subdir)
	} else {
		cwd = c.cfg.DefaultWorkDir(time.Now())
	}

	res := c.sup.Restart(ctx, cwd)
	if !res.OK {
		return "failed to restart opencode: " + res.Detail
	}
	c.setWorkDir(cwd)
	// The directory changed, so the old session pointer is meaningless.
	c.setSessionID("")

	s, err := c.client.CreateSession(ctx, "")
	if err != nil {
		return "failed to create session: " + err.Error()
	}
	c.setSessionID(s.ID)
	return "switched to a new project directory and session: " + cwd
}

// HandleRestartBackend restarts the backend in the last-used directory and
// resumes the most recently active session there.
func (c *Core) HandleRestartBackend(ctx context.Context) (bool, string) {
	cwd := c.workDir()
	c.setWorkDir(cwd)

	res := c.sup.Restart(ctx, cwd)
	if !res.OK {
		return false, res.Detail
	}
	c.setSessionID("")

	sessions, err := c.client.ListSessions(ctx)
	if err == nil && len(sessions) > 0 {
		c.setSessionID(mostRecent(sessions).ID)
	}
	return true, res.Detail
}

// HandleStartBackend ensures the backend is running in the default directory
// and remembers it for later restarts.
func (c *Core) HandleStartBackend(ctx context.Context) (bool, string) {
	cwd := c.cfg.DefaultWorkDir(time.Now())
	res := c.sup.EnsureRunning(ctx, cwd)
	if res.OK && c.workDirUnset() {
		c.setWorkDir(cwd)
	}
	return res.OK, res.Detail
}

func (c *Core) workDirUnset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWorkDir == ""
}

// mostRecent picks the session to resume: entries with an activity timestamp
// sort before those without, ties broken newest first. Backend order breaks
// the remaining ties.
func mostRecent(sessions []opencode.Session) opencode.Session {
	sorted := make([]opencode.Session, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		ai, aj := sorted[i].Activity(), sorted[j].Activity()
		if (ai > 0) != (aj > 0) {
			return ai > 0
		}
		return ai > aj
	})
	return sorted[0]
}

// ValidateProjectName checks a /newproj argument: 1-64 printable characters,
// no path separators or control characters, no leading dot, no "..".
func ValidateProjectName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > 64 {
		return fmt.Errorf("project name must be 1-64 characters")
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r < 32 || r == 127 {
			return fmt.Errorf("project name must not contain path separators or control characters")
		}
	}
	if strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return fmt.Errorf("project name must not start with '.' or contain '..'")
	}
	return nil
}
