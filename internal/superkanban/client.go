// Package superkanban implements the typed HTTP client (C5) for the
// Super-Kanban project-tracking service, with split read/write auth scopes
// and cancellation-token timeouts.
package superkanban

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

	"golang.org/x/time/rate"

	"github.com/openclaw/sksync/internal/backoff"
)

// ErrAuthMissing is returned when no credential is resolvable for a
// requested scope.
var ErrAuthMissing = errors.New("auth missing")

// Scope is one of the two Super-Kanban authentication scopes.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
)

// Error is ProtocolFailure: a non-2xx response with a parseable (or raw)
// body.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("superkanban: status %d: %s", e.Status, e.Body)
}

// Config configures the client's base URL, credentials, and timeout.
type Config struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	AuthHeader  string // legacy global header override, "Name: value"
	ReadHeader  string // per-scope header override, "Name: value"
	WriteHeader string // per-scope header override, "Name: value"
	TimeoutMs   int
	HTTPClient  *http.Client

	// RetryMaxAttempts bounds transport-failure retries (network errors and
	// 5xx responses only). Defaults to 3 when <= 0.
	RetryMaxAttempts int
	// RetryPolicy controls the backoff curve between attempts. Defaults to
	// backoff.DefaultPolicy() when zero-valued.
	RetryPolicy backoff.BackoffPolicy

	// AttachPath, MessagesPath, and ToolCallsPath override the default
	// endpoint paths, for Super-Kanban deployments that route the
	// integration under a different path prefix. Empty uses the default.
	AttachPath    string
	MessagesPath  string
	ToolCallsPath string

	// ReadRatePerSec and WriteRatePerSec cap sustained request rate per
	// auth scope (requests/sec, burst of 1). <= 0 disables the guard for
	// that scope, matching spec's opt-in rate-limiting precedent.
	ReadRatePerSec  float64
	WriteRatePerSec float64
}

// Client is the typed Super-Kanban HTTP client.
type Client struct {
	baseURL      string
	cfg          Config
	http         *http.Client
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

// New builds a Client, normalizing the base URL to "<scheme>://host/.../api"
// by stripping a trailing "/api/integrations/openclaw" or "/api" before
// re-appending "/api".
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeoutMs := cfg.TimeoutMs
	if timeoutMs < 500 {
		timeoutMs = 10_000
	}
	cfg.TimeoutMs = timeoutMs
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryPolicy == (backoff.BackoffPolicy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}
	if cfg.AttachPath == "" {
		cfg.AttachPath = "/sessions/attach"
	}
	if cfg.MessagesPath == "" {
		cfg.MessagesPath = "/events"
	}
	if cfg.ToolCallsPath == "" {
		cfg.ToolCallsPath = "/events"
	}
	client := &Client{baseURL: normalizeBaseURL(cfg.BaseURL), cfg: cfg, http: httpClient}
	if cfg.ReadRatePerSec > 0 {
		client.readLimiter = rate.NewLimiter(rate.Limit(cfg.ReadRatePerSec), 1)
	}
	if cfg.WriteRatePerSec > 0 {
		client.writeLimiter = rate.NewLimiter(rate.Limit(cfg.WriteRatePerSec), 1)
	}
	return client
}

// limiterForScope returns the configured limiter for a scope, or nil when
// that scope has no sustained-rate guard configured.
func (c *Client) limiterForScope(scope Scope) *rate.Limiter {
	if scope == ScopeWrite {
		return c.writeLimiter
	}
	return c.readLimiter
}

func normalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	trimmed = strings.TrimSuffix(trimmed, "/api/integrations/openclaw")
	trimmed = strings.TrimSuffix(trimmed, "/api")
	return trimmed + "/api"
}

// resolveAuthHeader picks the header name/value pair to send for a scope,
// following the resolution order in the spec:
//  1. per-scope header override
//  2. global header override (legacy), if no scope header configured
//  3. read: prefer bearer; else api key
//  4. write: prefer api key; else bearer
//  5. otherwise ErrAuthMissing
func (c *Client) resolveAuthHeader(scope Scope) (name, value string, err error) {
	scopeHeader := c.cfg.ReadHeader
	if scope == ScopeWrite {
		scopeHeader = c.cfg.WriteHeader
	}
	if scopeHeader != "" {
		return splitHeader(scopeHeader)
	}
	if c.cfg.ReadHeader == "" && c.cfg.WriteHeader == "" && c.cfg.AuthHeader != "" {
		return splitHeader(c.cfg.AuthHeader)
	}

	if scope == ScopeRead {
		if c.cfg.BearerToken != "" {
			return "Authorization", "Bearer " + c.cfg.BearerToken, nil
		}
		if c.cfg.APIKey != "" {
			return "X-Api-Key", c.cfg.APIKey, nil
		}
	} else {
		if c.cfg.APIKey != "" {
			return "X-Api-Key", c.cfg.APIKey, nil
		}
		if c.cfg.BearerToken != "" {
			return "Authorization", "Bearer " + c.cfg.BearerToken, nil
		}
	}
	return "", "", ErrAuthMissing
}

func splitHeader(header string) (string, string, error) {
	parts := strings.SplitN(header, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed header override %q", header)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func scopeForMethod(method string) Scope {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ScopeRead
	default:
		return ScopeWrite
	}
}

// envelope is the "{ data: ... }" wrapper every SK response body uses.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// rawResponse is what one HTTP attempt produces, before the "{data:...}"
// unwrap, so the retry loop can classify it without re-parsing.
type rawResponse struct {
	status int
	body   []byte
}

// isRetryableTransportFailure reports whether a failed attempt is worth
// retrying: network-level errors and 5xx responses. 4xx is never retried, so
// callers relying on a specific status (LockTask's 409, ResolveSession's
// 404) still see it on the first attempt.
func isRetryableTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return true
}

// do issues an HTTP request against path (relative to the normalized base
// URL), applying auth, a timeout, transport-failure retries with backoff,
// and the "{data:...}" unwrap. A 404 on "/sessions/resolve" is special-cased
// by the caller, not here.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) (status int, err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}

	scope := scopeForMethod(method)
	headerName, headerValue, err := c.resolveAuthHeader(scope)
	if err != nil {
		return 0, err
	}
	if limiter := c.limiterForScope(scope); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	attempt := func() (rawResponse, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if reqErr != nil {
			return rawResponse{}, reqErr
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set(headerName, headerValue)

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return rawResponse{}, doErr
		}
		defer resp.Body.Close()

		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return rawResponse{status: resp.StatusCode}, readErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return rawResponse{}, &Error{Status: resp.StatusCode, Body: string(respBody)}
		}
		return rawResponse{status: resp.StatusCode, body: respBody}, nil
	}

	// Manual retry loop: a generic retry-any-error helper would retry a
	// 4xx here (lock conflict, not-found), but those must surface on the
	// first attempt instead.
	var raw rawResponse
	var attemptErr error
	for n := 1; n <= c.cfg.RetryMaxAttempts; n++ {
		raw, attemptErr = attempt()
		if attemptErr == nil {
			break
		}
		if !isRetryableTransportFailure(attemptErr) || n == c.cfg.RetryMaxAttempts {
			break
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, c.cfg.RetryPolicy, n); sleepErr != nil {
			attemptErr = sleepErr
			break
		}
	}

	if attemptErr != nil {
		var apiErr *Error
		if errors.As(attemptErr, &apiErr) {
			return apiErr.Status, apiErr
		}
		return 0, attemptErr
	}

	if out == nil || len(raw.body) == 0 {
		return raw.status, nil
	}

	var env envelope
	if err := json.Unmarshal(raw.body, &env); err != nil {
		return raw.status, err
	}
	if len(env.Data) == 0 {
		return raw.status, nil
	}
	return raw.status, json.Unmarshal(env.Data, out)
}
