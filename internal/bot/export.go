package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatops-dev/opencodectl/internal/opencode"
)

const exportMessageLimit = 500

// ExportSession renders the current session's messages as a Markdown
// document for download. It returns the file contents and a filename derived
// from the session id.
func (c *Core) ExportSession(ctx context.Context) ([]byte, string, error) {
	sessionID, err := c.GetOrCreateSession(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("resolving session: %w", err)
	}
	messages, err := c.client.GetMessages(ctx, sessionID, exportMessageLimit)
	if err != nil {
		return nil, "", fmt.Errorf("fetching messages: %w", err)
	}

	text := formatMessagesMarkdown(messages)
	filename := fmt.Sprintf("session_%s.md", shortID(sessionID))
	return []byte(text), filename, nil
}

// formatMessagesMarkdown renders each message as a "## Message N" block of
// its text parts. Textless parts are skipped; an entirely textless session
// renders a placeholder.
func formatMessagesMarkdown(messages []opencode.Message) string {
	var blocks []string
	for i, msg := range messages {
		blocks = append(blocks, fmt.Sprintf("## Message %d\n", i+1))
		for _, p := range msg.Parts {
			if p.Type != "text" {
				continue
			}
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			blocks = append(blocks, text, "")
		}
		blocks = append(blocks, "")
	}
	out := strings.TrimSpace(strings.Join(blocks, "\n"))
	if out == "" {
		return "(no content)"
	}
	return out
}
