package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

const maxRetryAfter = 30 * time.Second

// codeRestrictedResource is returned when the integration lost a capability
// it needs. Capabilities are granted per integration, not per page.
const codeRestrictedResource = "restricted_resource"

// HTTPError is a non-2xx answer from the API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion http %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// Unwrap maps the status onto the pipeline's sentinel errors.
func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return appErr.ErrAuthenticationExpired
	case e.StatusCode == http.StatusForbidden && e.Code == codeRestrictedResource:
		return appErr.ErrAuthenticationExpired
	case e.StatusCode == http.StatusNotFound:
		return appErr.ErrPageNotFound
	case e.IsRateLimited():
		return appErr.ErrRateLimited
	}
	return nil
}

type client struct {
	baseURL     string
	version     string
	token       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// do runs one API call under the rate limiter. Throttling, server errors and
// transport failures are retried with exponential backoff.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal notion request: %w", err)
		}
		payload = data
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notion rate limiter: %w", err)
		}
		err := c.doOnce(ctx, method, path, query, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.maxRetries {
			break
		}
		wait := c.backoffBase * time.Duration(1<<uint(attempt))
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		logutil.GetLogger(ctx).Warn("notion request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if isRetryable(lastErr) {
		return fmt.Errorf("notion %s %s: retries exhausted: %w", method, path, lastErr)
	}
	return lastErr
}

func (c *client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte, out interface{}) error {
	fullURL := strings.TrimSuffix(c.baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("create notion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			httpErr.Code = apiErr.Code
			httpErr.Message = apiErr.Message
		} else {
			httpErr.Message = strings.TrimSpace(string(data))
		}
		return httpErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode notion response: %w", err)
	}
	return nil
}

type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return "notion transport: " + e.err.Error()
}

func (e *transportError) Unwrap() error {
	return e.err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	var tErr *transportError
	return errors.As(err, &tErr)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0
	}
	wait := time.Duration(secs) * time.Second
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	return wait
}
