package opencode

import "strings"

// Session is a backend-owned conversation context. The backend is the
// authority for all fields; clients hold at most the id.
type Session struct {
	ID    string       `json:"id"`
	Title string       `json:"title,omitempty"`
	Time  *SessionTime `json:"time,omitempty"`
}

// SessionTime carries the backend's activity timestamps (unix millis).
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// Activity returns the best available last-activity timestamp, 0 when the
// backend reported none.
func (s Session) Activity() int64 {
	if s.Time == nil {
		return 0
	}
	if s.Time.Updated > 0 {
		return s.Time.Updated
	}
	return s.Time.Created
}

// Part is one segment of a message. Only text-typed parts carry a result;
// tool and step parts are intermediate output.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is an ordered sequence of parts.
type Message struct {
	Parts []Part `json:"parts"`
}

// HealthStatus is the body of GET /global/health.
type HealthStatus struct {
	Healthy bool `json:"healthy"`
}

// ExtractFinalResult returns the trimmed text of the last text-typed part of
// msg. A message without any text part yields "", which is not an error: the
// caller decides how to render a textless result.
func ExtractFinalResult(msg Message) string {
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if msg.Parts[i].Type == "text" {
			return strings.TrimSpace(msg.Parts[i].Text)
		}
	}
	return ""
}
