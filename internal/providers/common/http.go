package common

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
)

const (
	DefaultUserAgent = "stacked-search/1.0"
	maxResponseBytes = 4 * 1024 * 1024
	maxErrorBytes    = 2048
)

// ErrNotConfigured is returned by providers that lack credentials.
var ErrNotConfigured = errors.New("provider not configured")

// HTTPError reports a non-2xx answer from a catalog API. Wait holds the
// parsed Retry-After header, if any.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
	Wait       time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the call may succeed (rate limited or
// upstream 5xx).
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

func (e *HTTPError) RetryAfter() time.Duration {
	return e.Wait
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Request describes one outbound JSON call.
type Request struct {
	Provider  string
	Method    string
	URL       string
	Body      io.Reader
	Header    http.Header
	UserAgent string
}

// DoJSON performs the request and decodes a 2xx JSON body into dest.
func DoJSON(ctx context.Context, client *http.Client, request Request, dest any) error {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, request.URL, request.Body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", request.Provider, err)
	}
	for key, values := range request.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	userAgent := strings.TrimSpace(request.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", request.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return &HTTPError{
			Provider:   request.Provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Wait:       parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", request.Provider, err)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("%s: decode response: %w", request.Provider, err)
	}
	return nil
}

// JSONBody marshals payload for a POST request.
func JSONBody(payload any) (io.Reader, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
