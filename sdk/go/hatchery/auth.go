package hatchery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// tokenManager handles token acquisition and refresh.
// It is safe for concurrent use.
type tokenManager struct {
	baseURL string
	subject string
	apiKey  string
	client  *http.Client
	margin  time.Duration

	mu   sync.Mutex
	pair TokenPair
}

func newTokenManager(baseURL, subject, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL: baseURL,
		subject: subject,
		apiKey:  apiKey,
		client:  client,
		margin:  30 * time.Second,
	}
}

// getToken returns a valid access token, refreshing or re-issuing it when it
// is within margin of expiry.
func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	if tm.pair.AccessToken != "" && now.Before(tm.pair.AccessExpiresAt.Add(-tm.margin)) {
		return tm.pair.AccessToken, nil
	}

	if tm.pair.RefreshToken != "" && now.Before(tm.pair.RefreshExpiresAt.Add(-tm.margin)) {
		err := tm.exchange(ctx, "/auth/refresh", map[string]string{"refresh_token": tm.pair.RefreshToken})
		if err == nil {
			return tm.pair.AccessToken, nil
		}
		// The refresh token may have been issued by a server that has since
		// rotated its key; fall back to the API key.
	}

	if err := tm.exchange(ctx, "/auth/token", map[string]string{"subject": tm.subject, "api_key": tm.apiKey}); err != nil {
		return "", err
	}
	return tm.pair.AccessToken, nil
}

// invalidate drops the cached access token so the next call fetches a new one.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	tm.pair.AccessToken = ""
	tm.mu.Unlock()
}

func (tm *tokenManager) exchange(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hatchery: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("hatchery: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("hatchery: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var pair TokenPair
	if err := handleResponse(resp, &pair); err != nil {
		return err
	}
	tm.pair = pair
	return nil
}
