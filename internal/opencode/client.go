// Package opencode is a typed HTTP client for a locally-run opencode server,
// plus the delivery protocol that tolerates long-running prompts.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// shortOpTimeout bounds the control-plane operations (health, session
	// list/create); readOpTimeout bounds message reads, which carry more data.
	shortOpTimeout = 10 * time.Second
	readOpTimeout  = 15 * time.Second

	previewLen = 200
)

// Client issues independent, short-lived requests against the backend. No
// connection or retry state is shared between calls; the session-level retry
// decision belongs to the orchestration layer, so the underlying HTTP client
// performs no retries of its own.
type Client struct {
	log        *zap.SugaredLogger
	httpClient *http.Client
	baseURL    string

	username string
	password string
	useAuth  bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger attaches a named logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("opencode_client").Sugar()
	}
}

// WithBasicAuth enables HTTP basic auth on every request.
func WithBasicAuth(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
		c.useAuth = true
	}
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		log:     zap.NewNop().Sugar(),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		retryClient := retryablehttp.NewClient()
		// Retrying here would duplicate prompts and mask backend faults the
		// orchestrator needs to see; per-call deadlines do the bounding.
		retryClient.RetryMax = 0
		retryClient.Logger = &logAdapter{SugaredLogger: c.log}
		c.httpClient = retryClient.StandardClient()
	}
	return c
}

// Health fetches GET /global/health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()
	var hs HealthStatus
	if err := c.do(ctx, http.MethodGet, "/global/health", nil, &hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// ListSessions fetches GET /session in backend order.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a session via POST /session. An empty title sends an
// empty object and lets the backend pick one.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, shortOpTimeout)
	defer cancel()
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/session", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetMessages fetches the newest messages of a session, oldest first.
func (c *Client) GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, readOpTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("/session/%s/message?limit=%d", sessionID, limit)
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a prompt synchronously and returns the resulting message.
// It runs under the caller's deadline: the delivery layer owns the timeout.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (*Message, error) {
	endpoint := fmt.Sprintf("/session/%s/message", sessionID)
	var msg Message
	if err := c.do(ctx, http.MethodPost, endpoint, promptBody(text), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SubmitPrompt posts a prompt to the fire-and-forget endpoint. The backend
// only acknowledges; the result arrives later via GetMessages polling.
func (c *Client) SubmitPrompt(ctx context.Context, sessionID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, readOpTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("/session/%s/prompt_async", sessionID)
	return c.do(ctx, http.MethodPost, endpoint, promptBody(text), nil)
}

func promptBody(text string) interface{} {
	return map[string]interface{}{
		"parts": []Part{{Type: "text", Text: text}},
	}
}

// do issues one request and decodes the response under the parsing contract:
// an empty body and a non-JSON body are distinct protocol errors naming the
// endpoint, so "unreachable" and "reachable but misbehaving" stay apart.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", endpoint, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("building %s request: %w", endpoint, err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Close = true
	if c.useAuth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: endpoint, Status: resp.StatusCode, Body: preview(raw)}
	}
	if out == nil {
		return nil
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return &ProtocolError{Endpoint: endpoint, Status: resp.StatusCode}
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &ProtocolError{Endpoint: endpoint, Status: resp.StatusCode, Preview: preview(raw), Err: err}
	}
	return nil
}

func preview(raw []byte) string {
	s := strings.ReplaceAll(strings.TrimSpace(string(raw)), "\n", " ")
	return truncateRunes(s, previewLen)
}

// truncateRunes shortens s to at most n characters without cutting a
// multi-byte rune in half.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
