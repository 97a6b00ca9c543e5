package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatops-dev/opencodectl/internal/supervisor"
)

// MaxMessageLength is the largest reply chunk chat platforms accept.
const MaxMessageLength = 4096

// HandleStart returns the bot's help text.
func (c *Core) HandleStart() string {
	return "Messages are forwarded to opencode and only the final result is returned. " +
		"/session lists sessions, /new starts a session, /newproj starts a project directory, /opencode shows and starts opencode."
}

// SessionList renders the backend's sessions with the current one marked.
func (c *Core) SessionList(ctx context.Context) string {
	sessions, err := c.client.ListSessions(ctx)
	if err != nil {
		return "failed to list sessions: " + err.Error()
	}
	if len(sessions) == 0 {
		return "no sessions yet; sending any message creates one."
	}

	current := c.CurrentSessionID()
	var b strings.Builder
	b.WriteString("sessions:\n")
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		mark := ""
		if s.ID == current {
			mark = " [current]"
		}
		fmt.Fprintf(&b, "• %s… %s%s\n", shortID(s.ID), title, mark)
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatusReport renders the supervisor's view of the backend.
func (c *Core) StatusReport(ctx context.Context) string {
	state, st := c.sup.Status(ctx)

	lines := []string{
		fmt.Sprintf("port: %d", c.cfg.Port()),
		fmt.Sprintf("occupied: %s", yesNo(st.Occupied)),
		fmt.Sprintf("healthy: %s", yesNo(state == supervisor.StateHealthy)),
	}
	if st.PID > 0 {
		lines = append(lines, fmt.Sprintf("pid: %d", st.PID))
	}
	if st.Command != "" {
		lines = append(lines, "command: "+st.Command)
	}
	return "opencode status:\n" + strings.Join(lines, "\n")
}

// ChunkText splits text into pieces of at most size characters for platforms
// with hard message limits. Boundaries always fall between runes, so a
// multi-byte character is never split. Empty input yields no chunks.
func ChunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
