// Package storage wraps the remote bearer-authenticated JSON CRUD
// bridge the back office persists through. The gateway owns the token
// lifecycle; repositories build the typed queries the pipeline needs.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/fleetwatch/fleetwatch/core"
)

// Gateway is the typed client for the storage bridge. All pipeline
// persistence goes through it; it is safe for concurrent use.
type Gateway struct {
	baseURL    string
	username   string
	password   string
	cfg        core.BridgeConfig
	httpClient *http.Client
	logger     core.Logger
	telemetry  core.Telemetry

	mu     sync.RWMutex
	token  string
	expiry time.Time

	// Concurrent callers that observe a stale token share one login.
	refresh singleflight.Group
}

// Envelope is the bridge's write response. ID is surfaced when the
// server returns one in any of its known shapes.
type Envelope struct {
	Success bool
	ID      int64
	Raw     map[string]interface{}
}

// BatchResult is one InsertMany outcome; order matches the input.
type BatchResult struct {
	Success bool
	Data    *Envelope
	Err     error
}

// NewGateway creates a storage gateway from the bridge configuration.
func NewGateway(cfg core.BridgeConfig, logger core.Logger, telemetry core.Telemetry) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: bridge base url", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = 8 * time.Hour
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}

	return &Gateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
		telemetry:  telemetry,
	}, nil
}

// tokenValid reports whether the cached token is usable, leaving the
// configured skew before expiry.
func (g *Gateway) tokenValid() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token != "" && time.Until(g.expiry) > g.cfg.RefreshSkew
}

func (g *Gateway) currentToken() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

func (g *Gateway) clearToken() {
	g.mu.Lock()
	g.token = ""
	g.expiry = time.Time{}
	g.mu.Unlock()
}

// EnsureAuthenticated refreshes the bearer token when missing or close
// to expiry. Concurrent callers share a single in-flight login.
func (g *Gateway) EnsureAuthenticated(ctx context.Context) error {
	if g.tokenValid() {
		return nil
	}

	_, err, _ := g.refresh.Do("login", func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have refreshed.
		if g.tokenValid() {
			return nil, nil
		}
		return nil, g.login(ctx)
	})
	return err
}

// login posts the credentials and decodes whichever token shape the
// bridge returns: a bare string, {"token": ...} or {"Token": ...}.
func (g *Gateway) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": g.username,
		"password": g.password,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal login request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.MutationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return g.classifyTransport("storage.login", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		g.logger.Error("Bridge login failed", map[string]interface{}{
			"operation":   "storage_login",
			"status_code": resp.StatusCode,
		})
		return fmt.Errorf("login returned %s: %w", resp.Status, core.ErrUnauthorized)
	}

	token, err := decodeTokenResponse(respBody)
	if err != nil {
		return err
	}

	expiry := g.decodeExpiry(token)

	g.mu.Lock()
	g.token = token
	g.expiry = expiry
	g.mu.Unlock()

	g.logger.Info("Bridge token refreshed", map[string]interface{}{
		"operation": "storage_login",
		"expires":   expiry.Format(time.RFC3339),
	})
	return nil
}

// decodeTokenResponse handles the bridge's three historical login
// response shapes.
func decodeTokenResponse(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", fmt.Errorf("empty login response: %w", core.ErrUnauthorized)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"token", "Token"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return v, nil
			}
		}
		return "", fmt.Errorf("login response missing token: %w", core.ErrUnauthorized)
	}

	var str string
	if err := json.Unmarshal(body, &str); err == nil && str != "" {
		return str, nil
	}

	// Some deployments return the raw token without JSON quoting.
	return trimmed, nil
}

// decodeExpiry extracts the exp claim when the token is a JWT; opaque
// tokens get the configured lifetime.
func (g *Gateway) decodeExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(g.cfg.TokenLifetime)
}

// do executes one authenticated bridge request. A 401 clears the token,
// refreshes once and retries once before surfacing.
func (g *Gateway) do(ctx context.Context, method, path string, payload interface{}, timeout time.Duration) ([]byte, error) {
	if err := g.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	body, err := g.doOnce(ctx, method, path, payload, timeout)
	if err != nil && errors.Is(err, core.ErrUnauthorized) {
		g.logger.Warn("Bridge returned 401, refreshing token", map[string]interface{}{
			"operation": "storage_retry",
			"path":      path,
		})
		g.clearToken()
		if err := g.EnsureAuthenticated(ctx); err != nil {
			return nil, err
		}
		return g.doOnce(ctx, method, path, payload, timeout)
	}
	return body, err
}

func (g *Gateway) doOnce(ctx context.Context, method, path string, payload interface{}, timeout time.Duration) ([]byte, error) {
	ctx, span := g.telemetry.StartSpan(ctx, "storage.request")
	defer span.End()
	span.SetAttribute("http.method", method)
	span.SetAttribute("bridge.path", path)

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.currentToken())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, g.classifyTransport("storage."+method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	span.SetAttribute("http.status_code", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("bridge %s %s: %w", method, path, core.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("bridge %s %s: %w", method, path, core.ErrNotFound)
	case resp.StatusCode == http.StatusConflict || isDuplicateBody(respBody):
		return nil, fmt.Errorf("bridge %s %s: %s: %w", method, path, strings.TrimSpace(string(respBody)), core.ErrConflict)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("bridge %s %s returned %s: %w", method, path, resp.Status, core.ErrTransport)
	}

	return respBody, nil
}

func (g *Gateway) classifyTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewServiceError(op, "storage", fmt.Errorf("%v: %w", err, core.ErrTimeout))
	}
	return core.NewServiceError(op, "storage", fmt.Errorf("%v: %w", err, core.ErrTransport))
}

// isDuplicateBody detects the duplicate-key text the bridge surfaces
// verbatim from the underlying engine.
func isDuplicateBody(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "duplicate key") || strings.Contains(s, "already exists")
}

// Query runs a parameter-bound SELECT and returns flattened records.
// Values are never interpolated into the statement text.
func (g *Gateway) Query(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := g.do(ctx, http.MethodPost, "/query", map[string]interface{}{
		"query":  query,
		"params": params,
	}, g.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}

	return decodeRecords(body)
}

// Insert creates one record. Duplicate-key errors are surfaced verbatim
// as core.ErrConflict for idempotent callers to swallow.
func (g *Gateway) Insert(ctx context.Context, table string, fields map[string]interface{}) (*Envelope, error) {
	body, err := g.do(ctx, http.MethodPost, "/tables/"+table+"/records", WrapFields(fields), g.cfg.MutationTimeout)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(body), nil
}

// InsertMany inserts records one by one, preserving order. It never
// fails as a whole; per-record outcomes carry their own errors.
func (g *Gateway) InsertMany(ctx context.Context, table string, records []map[string]interface{}) []BatchResult {
	results := make([]BatchResult, 0, len(records))
	for _, record := range records {
		env, err := g.Insert(ctx, table, record)
		results = append(results, BatchResult{
			Success: err == nil,
			Data:    env,
			Err:     err,
		})
	}
	return results
}

// Update patches one record by id. A 404 surfaces as core.ErrNotFound.
func (g *Gateway) Update(ctx context.Context, table string, id int64, fields map[string]interface{}) (*Envelope, error) {
	body, err := g.do(ctx, http.MethodPatch, fmt.Sprintf("/tables/%s/records/%d", table, id), WrapFields(fields), g.cfg.MutationTimeout)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(body), nil
}

// Remove deletes one record by id. A 404 surfaces as core.ErrNotFound.
func (g *Gateway) Remove(ctx context.Context, table string, id int64) (*Envelope, error) {
	body, err := g.do(ctx, http.MethodDelete, fmt.Sprintf("/tables/%s/records/%d", table, id), nil, g.cfg.MutationTimeout)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(body), nil
}

// OpenAI proxies a chat-completion payload through the bridge.
func (g *Gateway) OpenAI(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := g.do(ctx, http.MethodPost, "/openai", payload, g.cfg.LLMTimeout)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse completion response: %w", err)
	}
	return out, nil
}

// VapiWebhook posts a call request to the legacy voice bridge. Used by
// the escalation engine's webhook-fallback mode.
func (g *Gateway) VapiWebhook(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := g.do(ctx, http.MethodPost, "/vapi-webhook", payload, g.cfg.WebhookTimeout)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse webhook response: %w", err)
	}
	return out, nil
}
