// Package pharmassist is a Go client for the PharmAssist query API.
package pharmassist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Query statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the PharmAssist REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Credentials are forwarded to the server so it can build an agent for the session.
type Credentials struct {
	OpenAIKey     string `json:"openai_api_key,omitempty"`
	Neo4jURI      string `json:"neo4j_uri,omitempty"`
	Neo4jUsername string `json:"neo4j_username,omitempty"`
	Neo4jPassword string `json:"neo4j_password,omitempty"`
}

// Submission is the payload used to ask a question.
type Submission struct {
	ID          string      `json:"id,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	Question    string      `json:"question"`
	Credentials Credentials `json:"credentials"`
}

// Step is one reasoning step recorded while answering a query.
type Step struct {
	Index     int       `json:"index"`
	TaskName  string    `json:"task_name"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	IsFinal   bool      `json:"is_final"`
	CreatedAt time.Time `json:"created_at"`
}

// Result holds the final answer of a succeeded query.
type Result struct {
	Answer string `json:"answer"`
}

// Query is the server side view of a submitted question.
type Query struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	Question   string  `json:"question"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Steps      []Step  `json:"steps,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done reports whether the query reached a terminal status.
func (q *Query) Done() bool {
	return q != nil && (q.Status == StatusSucceeded || q.Status == StatusFailed)
}

// Stats aggregates query counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListOptions filters ListQueries results. Zero values are omitted.
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	SessionID string
	Query     string
	Ascending bool
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.SessionID != "" {
		v.Set("session", o.SessionID)
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pharmassist api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pharmassist api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the PharmAssist API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitQuery enqueues a question and returns the pending query.
func (c *Client) SubmitQuery(ctx context.Context, submission Submission) (Query, error) {
	var q Query
	if err := c.do(ctx, http.MethodPost, "/api/v1/queries", nil, submission, &q); err != nil {
		return Query{}, err
	}
	return q, nil
}

// GetQuery fetches a query by identifier.
func (c *Client) GetQuery(ctx context.Context, id string) (Query, error) {
	var q Query
	if err := c.do(ctx, http.MethodGet, "/api/v1/queries/"+url.PathEscape(id), nil, nil, &q); err != nil {
		return Query{}, err
	}
	return q, nil
}

// ListQueries lists queries matching opts.
func (c *Client) ListQueries(ctx context.Context, opts ListOptions) ([]Query, error) {
	var out []Query
	if err := c.do(ctx, http.MethodGet, "/api/v1/queries", opts.values(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns aggregated query counts.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/queries/stats", opts.values(), nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// WaitForQuery polls until the query is done or ctx ends. onUpdate, when not
// nil, is called after every poll.
func (c *Client) WaitForQuery(ctx context.Context, id string, interval time.Duration, onUpdate func(Query)) (Query, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		q, err := c.GetQuery(ctx, id)
		if err != nil {
			return Query{}, err
		}
		if onUpdate != nil {
			onUpdate(q)
		}
		if q.Done() {
			return q, nil
		}
		select {
		case <-ctx.Done():
			return q, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
