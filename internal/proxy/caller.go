// Package proxy contains the typed clients for the Agent, Economy and
// Workflow services. Every call goes through a Caller, which carries an
// explicit deadline and classifies failures as transient or permanent.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/hatchery/internal/breaker"
	"github.com/ashita-ai/hatchery/internal/model"
)

// Caller is the capability interface every service client is built on:
// invoke a named operation with a payload under a deadline and decode the
// answer into out. A nil payload issues a GET; anything else is POSTed as
// JSON. A nil out discards the body.
type Caller interface {
	Call(ctx context.Context, op string, payload, out any, deadline time.Duration) error
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches key to ctx; HTTPCaller sends it as the
// Idempotency-Key header.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return k
}

// maxResponseBytes bounds how much of a downstream response is read.
const maxResponseBytes = 4 << 20

// HTTPCaller speaks JSON over HTTP to one service. op is the path relative to
// the service's base URL, e.g. "v1/evolve".
type HTTPCaller struct {
	service    string
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPCaller creates a caller for service at baseURL. token, when set, is
// sent as a bearer credential.
func NewHTTPCaller(service, baseURL, token string) *HTTPCaller {
	return &HTTPCaller{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Per-call deadlines come from the context; this is only a backstop.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithClient replaces the underlying HTTP client. A nil client is ignored.
func (c *HTTPCaller) WithClient(hc *http.Client) *HTTPCaller {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// Call implements Caller.
func (c *HTTPCaller) Call(ctx context.Context, op string, payload, out any, deadline time.Duration) error {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	method := http.MethodGet
	var body io.Reader
	if payload != nil {
		method = http.MethodPost
		raw, err := json.Marshal(payload)
		if err != nil {
			return &model.PermanentRequestError{Service: c.service, Op: op, Message: "marshal request: " + err.Error()}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(op, "/"), body)
	if err != nil {
		return &model.PermanentRequestError{Service: c.service, Op: op, Message: "create request: " + err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key := IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.TransientDependencyError{Service: c.service, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &model.TransientDependencyError{Service: c.service, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := classifyStatus(c.service, op, resp.StatusCode, data); err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("null")
	}
	if !json.Valid(data) {
		return &model.TransientDependencyError{Service: c.service, Op: op, StatusCode: resp.StatusCode, Err: errors.New("response is not valid JSON")}
	}
	return decode(c.service, op, data, out)
}

// classifyStatus maps an HTTP status to the error taxonomy. 5xx, 408 and 429
// are the dependency's problem; every other non-2xx is the caller's.
func classifyStatus(service, op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := errorMessage(body)
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return &model.TransientDependencyError{Service: service, Op: op, StatusCode: status, Err: errors.New(msg)}
	}
	return &model.PermanentRequestError{Service: service, Op: op, StatusCode: status, Message: msg}
}

// errorMessage extracts a message from common JSON error shapes, falling back
// to a truncated body.
func errorMessage(body []byte) string {
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		if env.Message != "" {
			return env.Message
		}
		var s string
		if json.Unmarshal(env.Error, &s) == nil && s != "" {
			return s
		}
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Error, &detail) == nil && detail.Message != "" {
			return detail.Message
		}
	}
	if len(body) > 512 {
		body = body[:512]
	}
	if len(body) == 0 {
		return "empty response"
	}
	return string(body)
}

// Guarded routes every call through a service's circuit breaker.
type Guarded struct {
	inner   Caller
	breaker *breaker.Breaker
}

// NewGuarded wraps inner with b.
func NewGuarded(inner Caller, b *breaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: b}
}

// Call implements Caller. The breaker owns the deadline so a breach is
// recorded against the service. Decoding happens inside the breaker too, so a
// dependency answering 2xx with an unusable body counts as failing.
func (g *Guarded) Call(ctx context.Context, op string, payload, out any, deadline time.Duration) error {
	return g.breaker.Call(ctx, deadline, func(ctx context.Context) error {
		return g.inner.Call(ctx, op, payload, out, 0)
	})
}

// decode unmarshals a successful response. A body that does not match the
// expected shape means the dependency is misbehaving, not the caller.
func decode(service, op string, raw []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &model.TransientDependencyError{Service: service, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
