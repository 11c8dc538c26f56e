package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retryable is implemented by errors that a caller may reasonably retry.
type Retryable interface {
	IsRetryable() bool
}

// TransportError reports a request that never produced a usable response:
// the network failed, or the server answered with a 5xx.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: server error: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: transport error: %v", e.Method, e.URL, e.Err)
}
func (e *TransportError) Unwrap() error     { return e.Err }
func (e *TransportError) IsRetryable() bool { return true }

// ApplicationError reports a 4xx response. The body is kept so that callers
// can surface the remote explanation.
type ApplicationError struct {
	Method     string
	URL        string
	StatusCode int
	Body       interface{}
}

func (e *ApplicationError) Error() string {
	msg := fmt.Sprintf("%s %s: request rejected: status %d", e.Method, e.URL, e.StatusCode)
	if s, ok := e.Body.(string); ok && s != "" {
		msg += ": " + truncate(s, 200)
	}
	return msg
}
func (e *ApplicationError) IsRetryable() bool { return false }

// RateLimitError is the 429 flavor of ApplicationError. RetryAfter is zero
// when the server gave no hint.
type RateLimitError struct {
	ApplicationError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s %s: rate limited, retry after %s", e.Method, e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("%s %s: rate limited", e.Method, e.URL)
}
func (e *RateLimitError) IsRetryable() bool { return true }

// ErrorFromResponse classifies a completed response. It returns nil for any
// status below 400.
func ErrorFromResponse(method, url string, resp *Response) error {
	switch {
	case resp.Status < 400:
		return nil
	case resp.Status == http.StatusTooManyRequests:
		retryAfter, _ := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return &RateLimitError{
			ApplicationError: ApplicationError{Method: method, URL: url, StatusCode: resp.Status, Body: resp.Body},
			RetryAfter:       retryAfter,
		}
	case resp.Status < 500:
		return &ApplicationError{Method: method, URL: url, StatusCode: resp.Status, Body: resp.Body}
	default:
		return &TransportError{Method: method, URL: url, StatusCode: resp.Status}
	}
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
