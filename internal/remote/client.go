package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rendis/flowpilot/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second

	headerSessionID = "X-Session-Id"
	headerUserID    = "X-User-Id"
	headerViewMode  = "X-View-Mode"
)

// Client talks to an authority over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	session *schema.Session
	maxBody int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithSession attaches session identity headers to every request.
func WithSession(s *schema.Session) ClientOption {
	return func(c *Client) { c.session = s }
}

// WithMaxResponseBody caps how much of a response body is read.
func WithMaxResponseBody(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// NewClient creates a Client for the authority at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		maxBody: defaultMaxResponseBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) FetchDefinition(ctx context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	var resp schema.DefinitionResponse
	status, err := c.do(ctx, http.MethodGet, "/workflow/"+url.PathEscape(serviceType), nil, &resp)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no definition for service type %q", serviceType).WithCause(err)
		}
		return nil, err
	}
	if !resp.Success || resp.Definition == nil {
		return nil, Rejected("fetch definition", resp.Error)
	}
	return resp.Definition, nil
}

func (c *Client) ExecuteStep(ctx context.Context, req schema.StepRequest) (*schema.StepResult, error) {
	if req.Session == nil {
		req.Session = c.session
	}
	var resp schema.StepResponse
	if _, err := c.do(ctx, http.MethodPost, "/workflow/execute-step", req, &resp); err != nil {
		return nil, schema.AsFlowError(err).WithStep(req.StepID).WithExecution(req.ExecutionID)
	}
	if !resp.Success {
		return nil, Rejected("execute step", resp.Error).WithStep(req.StepID).WithExecution(req.ExecutionID)
	}
	if resp.Result == nil {
		return &schema.StepResult{}, nil
	}
	return resp.Result, nil
}

func (c *Client) SubmitDecision(ctx context.Context, sub schema.DecisionSubmission) error {
	var resp schema.AckResponse
	if _, err := c.do(ctx, http.MethodPost, "/workflow/decision", sub, &resp); err != nil {
		return schema.AsFlowError(err).WithExecution(sub.WorkflowID)
	}
	if !resp.Success {
		return Rejected("submit decision", resp.Error).WithExecution(sub.WorkflowID)
	}
	return nil
}

// do sends body as JSON and decodes the response into out. Transport
// failures and 5xx answers are retryable REMOTE_EXECUTION_FAILUREs; other
// non-2xx answers are rejections.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applySession(req)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeRemoteExecution, "%s %s: %s", method, path, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return resp.StatusCode, schema.NewErrorf(schema.ErrCodeRemoteExecution, "read %s response: %s", path, err.Error()).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := schema.NewErrorf(schema.ErrCodeRemoteExecution, "%s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		details := map[string]any{"status_code": resp.StatusCode}
		if resp.StatusCode < 500 {
			details[schema.DetailRejected] = true
		}
		return resp.StatusCode, fe.WithDetails(details)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, schema.NewErrorf(schema.ErrCodeRemoteExecution, "decode %s response: %s", path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{schema.DetailRejected: true})
	}
	return resp.StatusCode, nil
}

func (c *Client) applySession(req *http.Request) {
	s := c.session
	if s == nil {
		return
	}
	if s.ID != "" {
		req.Header.Set(headerSessionID, s.ID)
	}
	if s.UserID != "" {
		req.Header.Set(headerUserID, s.UserID)
	}
	if s.ViewMode != "" {
		req.Header.Set(headerViewMode, s.ViewMode)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
}

var _ Authority = (*Client)(nil)
