package hatchery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Hatchery server (e.g. "http://localhost:8080").
	BaseURL string

	// Subject identifies the caller; trials it creates are owned by it.
	Subject string

	// APIKey is the secret exchanged for an access token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used. Event streams never use the timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Hatchery API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	stream   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Subject, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hatchery: BaseURL is required")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("hatchery: Subject is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hatchery: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	stream := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		stream = &http.Client{}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		stream:   stream,
		tokenMgr: newTokenManager(baseURL, cfg.Subject, cfg.APIKey, httpClient),
	}, nil
}

// CreateTrial submits a new trial. The returned trial is pending; its loop
// starts in the background.
func (c *Client) CreateTrial(ctx context.Context, req CreateTrialRequest) (*Trial, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("hatchery: marshal request body: %w", err)
	}
	header := http.Header{"Idempotency-Key": {key}}

	var resp Trial
	if err := c.doRequest(ctx, http.MethodPost, "/trials", body, header, func(b []byte) error {
		return unwrapData(b, &resp)
	}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrial returns the current snapshot of a trial.
func (c *Client) GetTrial(ctx context.Context, id uuid.UUID) (*Trial, error) {
	var resp Trial
	if err := c.get(ctx, "/trials/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTrials returns one page of trials visible to the caller, newest first.
func (c *Client) ListTrials(ctx context.Context, opts *ListTrialsOptions) (*TrialList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Owner != "" {
			params.Set("owner", opts.Owner)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/trials"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page listEnvelope
	if err := c.getRaw(ctx, path, &page); err != nil {
		return nil, err
	}
	var trials []Trial
	if err := json.Unmarshal(page.Data, &trials); err != nil {
		return nil, fmt.Errorf("hatchery: decode trial list: %w", err)
	}
	list := &TrialList{Trials: trials, HasMore: page.HasMore}
	if page.Total != nil {
		list.Total = *page.Total
	}
	return list, nil
}

// Metrics returns the per-generation metrics of a trial in generation order.
func (c *Client) Metrics(ctx context.Context, id uuid.UUID) ([]GenerationMetric, error) {
	var resp []GenerationMetric
	if err := c.get(ctx, "/trials/"+id.String()+"/metrics", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelTrial requests cooperative cancellation. The trial stops at its next
// generation boundary; the returned snapshot has CancelRequested set.
func (c *Client) CancelTrial(ctx context.Context, id uuid.UUID) (*Trial, error) {
	var resp Trial
	if err := c.post(ctx, "/trials/"+id.String()+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Workflow returns the status of the workflow run a completed trial handed
// off to.
func (c *Client) Workflow(ctx context.Context, id uuid.UUID) (*WorkflowStatus, error) {
	var resp WorkflowStatus
	if err := c.get(ctx, "/trials/"+id.String()+"/workflow", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health. Does not require authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("hatchery: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hatchery: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// A degraded or unhealthy server still reports its status in the body.
	var health HealthResponse
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hatchery: read response body: %w", err)
	}
	if err := unwrapData(body, &health); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return &health, parseErrorResponse(resp.StatusCode, body)
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's paginated response wrapper.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total"`
	HasMore bool            `json:"has_more"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("hatchery: marshal request body: %w", err)
		}
	}
	return c.doRequest(ctx, http.MethodPost, path, encoded, nil, func(b []byte) error {
		return unwrapData(b, dest)
	})
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, nil, func(b []byte) error {
		return unwrapData(b, dest)
	})
}

// getRaw decodes the whole response body, envelope included.
func (c *Client) getRaw(ctx context.Context, path string, dest any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, nil, func(b []byte) error {
		if err := json.Unmarshal(b, dest); err != nil {
			return fmt.Errorf("hatchery: decode response: %w", err)
		}
		return nil
	})
}

// doRequest sends an authenticated request. A 401 is retried once with a
// fresh token in case the cached one was revoked by a server restart.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, header http.Header, decode func([]byte) error) error {
	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("hatchery: %s %s: %w", method, req.URL.Path, err)
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("hatchery: read response body: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.tokenMgr.invalidate()
			continue
		}
		if resp.StatusCode >= 400 {
			return parseErrorResponse(resp.StatusCode, respBody)
		}
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return decode(respBody)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("hatchery: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hatchery: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	return unwrapData(bodyBytes, dest)
}

// unwrapData decodes the "data" member of the server's envelope into dest.
func unwrapData(body []byte, dest any) error {
	if dest == nil {
		return nil
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("hatchery: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("hatchery: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
