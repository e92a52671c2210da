package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings for the ops API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // OPS_API_KEY of the target deployment; may be empty
}

// Client is a thin HTTP client for the crawlpilot ops API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new ops API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the ops API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the ops API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// PlannerStats returns cumulative planner counters.
func (c *Client) PlannerStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/planner/stats", nil, nil)
}

// RunPlanner triggers one planner tick.
func (c *Client) RunPlanner(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/planner/run", nil, nil)
}

// CheckSessions runs a session health pass over every monitorable session.
func (c *Client) CheckSessions(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/check", nil, nil)
}

// CheckSession re-evaluates one session.
func (c *Client) CheckSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/check", nil, nil)
}

// PreviewSelection dry-runs the selector for a user.
func (c *Client) PreviewSelection(ctx context.Context, userID, mode, accountID string, requireProxy *bool) (json.RawMessage, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if accountID != "" {
		q.Set("accountId", accountID)
	}
	if requireProxy != nil {
		q.Set("requireProxy", strconv.FormatBool(*requireProxy))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/selection", q, nil)
}

// EvaluatePolicy dry-runs the policy evaluation for a user.
func (c *Client) EvaluatePolicy(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/evaluation", nil, nil)
}

// ListViolations returns a user's recorded violations, newest first.
func (c *Client) ListViolations(ctx context.Context, userID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/violations", q, nil)
}

// PreviewVariant shows the query variant the next run of a target would use.
func (c *Client) PreviewVariant(ctx context.Context, tc map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/variants/preview", nil, tc)
}
