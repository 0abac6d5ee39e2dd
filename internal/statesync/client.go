// Package statesync synchronizes the local document with the remote
// persistence service. The remote contract is a whole-document blob store:
// GET returns the current document or an empty object, POST replaces it
// verbatim. Conflict resolution is last-writer-wins on lastUpdated.
package statesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teamscope/workstate/internal/workstate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// PushResult mirrors the remote write acknowledgement: success plus the
// stamp the service stored, which may differ from the pushed one when the
// service auto-stamped an absent lastUpdated.
type PushResult struct {
	Accepted  bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
}

// HTTPError carries a non-2xx remote response. It maps onto the shared
// error taxonomy through Is: 413 means the remote rejected the document for
// size, anything else counts as the remote being unavailable for sync.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case workstate.ErrCapacityExceeded:
		return e.StatusCode == http.StatusRequestEntityTooLarge
	case workstate.ErrRemoteUnavailable:
		return e.StatusCode != http.StatusRequestEntityTooLarge
	}
	return false
}

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client speaks the remote document service's HTTP surface. Transient
// failures (connection errors, 429, 5xx) are retried with exponential
// backoff, honoring Retry-After when the service sends one.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Pull fetches the remote document. An empty remote (the service has never
// stored a document) returns (nil, nil), not an error.
func (c *Client) Pull(ctx context.Context) (*workstate.AppState, error) {
	payload, err := c.doJSON(ctx, http.MethodGet, "/api/data", nil)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err == nil && len(probe) == 0 {
		return nil, nil
	}
	return workstate.DecodeDocument(payload)
}

// Push replaces the remote document wholesale with the given one.
func (c *Client) Push(ctx context.Context, state *workstate.AppState) (PushResult, error) {
	if state == nil {
		return PushResult{}, workstate.ErrInvalidInput
	}
	payload, err := c.doJSON(ctx, http.MethodPost, "/api/data", state)
	if err != nil {
		return PushResult{}, wrapTransportError(err)
	}
	var result PushResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return PushResult{}, fmt.Errorf("decode push acknowledgement: %w", err)
	}
	return result, nil
}

type watchFrame struct {
	Type string `json:"type"`
}

// Watch holds a websocket open against the service's change feed and invokes
// onRefresh for every refresh frame. It returns when the context ends or the
// connection drops; the caller owns the redial policy.
func (c *Client) Watch(ctx context.Context, onRefresh func()) error {
	if onRefresh == nil {
		return workstate.ErrInvalidInput
	}
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/watch"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return wrapTransportError(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch ended")

	for {
		var frame watchFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return wrapTransportError(err)
		}
		if frame.Type == "refresh" {
			onRefresh()
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payload))
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// wrapTransportError folds transport-level failures into the shared taxonomy
// so callers can degrade to local-only with a single errors.Is check.
// HTTPError values map themselves and caller cancellation passes through.
func wrapTransportError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", workstate.ErrRemoteUnavailable, err)
}

func correlationID() string {
	return fmt.Sprintf("sync_%d", time.Now().UnixNano())
}
