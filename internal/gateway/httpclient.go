package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "stagelink-server"
)

// TokenProvider supplies the bearer token for platform API calls.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields the given token.
func StaticToken(token string) TokenProvider {
	return func(_ context.Context) (string, error) {
		return token, nil
	}
}

// HTTPClientOptions configures the HTTP gateway client.
type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// HTTPClient talks JSON-over-HTTP to the platform API. It performs no
// retries of its own; transient failures are surfaced as *TransientError and
// retried by the reconciliation queue.
type HTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
}

var _ Gateway = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client for the platform API.
func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("gateway token provider is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     userAgent,
	}, nil
}

// GetSession fetches a live session.
func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetThread fetches a discussion thread.
func (c *HTTPClient) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var thread Thread
	if err := c.do(ctx, http.MethodGet, "/v1/threads/"+threadID, nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// WriteOccupancy mirrors the session occupancy onto the thread.
func (c *HTTPClient) WriteOccupancy(ctx context.Context, threadID string, count, capacity int) error {
	payload := map[string]int{
		"occupancy": count,
		"capacity":  capacity,
	}
	return c.do(ctx, http.MethodPatch, "/v1/threads/"+threadID+"/occupancy", payload, nil)
}

// ArchiveThread archives the thread.
func (c *HTTPClient) ArchiveThread(ctx context.Context, threadID string) error {
	err := c.do(ctx, http.MethodPost, "/v1/threads/"+threadID+"/archive", nil, nil)
	if err != nil && errors.Is(err, errConflict) {
		return ErrAlreadyArchived
	}
	return err
}

// errConflict marks 409/410 responses internally; only ArchiveThread maps it
// to ErrAlreadyArchived.
var errConflict = errors.New("conflicting resource state")

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable; they say
		// nothing about whether the resource exists.
		if isTimeout(err) {
			return &TransientError{Err: err}
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil

	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", errConflict, apiErrorMessage(respBody))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{
			Err:        fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, apiErrorMessage(respBody)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	default:
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, apiErrorMessage(respBody))
	}
}

// apiErrorMessage extracts the error message from a platform error payload,
// falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}

// parseRetryAfter handles both Retry-After forms: delta-seconds and an
// HTTP-date. Anything unparseable or in the past yields no hint.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	if delay := time.Until(at); delay > 0 {
		return delay
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
