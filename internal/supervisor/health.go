package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const healthTimeout = 3 * time.Second

// HealthChecker classifies backend reachability with a single bounded probe.
// Its callers need a decision, not a diagnosis: every failure mode (network
// error, non-200, non-JSON, missing field) collapses to false.
type HealthChecker struct {
	baseURL    string
	username   string
	password   string
	useAuth    bool
	httpClient *http.Client
}

// HealthOption configures a HealthChecker.
type HealthOption func(*HealthChecker)

// WithHealthBasicAuth enables basic auth on the probe.
func WithHealthBasicAuth(username, password string) HealthOption {
	return func(h *HealthChecker) {
		h.username = username
		h.password = password
		h.useAuth = true
	}
}

// NewHealthChecker builds a checker against the backend base URL.
func NewHealthChecker(baseURL string, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: healthTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// IsHealthy probes GET /global/health once. True iff the backend answers 200
// with a body whose "healthy" field is true.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/global/health", nil)
	if err != nil {
		return false
	}
	if h.useAuth {
		req.SetBasicAuth(h.username, h.password)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Healthy
}
