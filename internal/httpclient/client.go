// Package httpclient is the HTTP plumbing shared by the request-style node
// handlers. It encodes bodies, applies auth, decodes responses and maps
// status codes onto typed errors.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultTimeout bounds a single request when the caller sets none.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 10 << 20
	userAgent           = "runway/1"
)

// Client wraps an *http.Client. The zero value is not usable; call New.
type Client struct {
	HTTPClient   *http.Client
	MaxBodyBytes int64
}

// New creates a client whose requests time out after timeout. A
// non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		HTTPClient:   &http.Client{Timeout: timeout},
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Auth describes credentials applied to an outgoing request.
type Auth struct {
	BearerToken string
	Username    string
	Password    string
}

// Request is one outgoing call. Body may be a string, a []byte or any value
// that encodes to JSON.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    interface{}
	Auth    *Auth
}

// Response is a fully read response. Body holds decoded JSON when the server
// declared a JSON content type, and the raw text otherwise.
type Response struct {
	Status int
	Header http.Header
	Body   interface{}
}

// Output renders the response as the node output shape.
func (r *Response) Output() map[string]interface{} {
	headers := make(map[string]interface{}, len(r.Header))
	for k, v := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return map[string]interface{}{
		"status":  r.Status,
		"headers": headers,
		"body":    r.Body,
	}
}

// Do sends req. Network failures come back as *TransportError; any
// response, whatever its status, is returned without error so that callers
// decide how to classify it (see ErrorFromResponse).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	target, err := BuildURL(req.URL, req.Query)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Auth != nil {
		switch {
		case req.Auth.BearerToken != "":
			httpReq.Header.Set("Authorization", "Bearer "+req.Auth.BearerToken)
		case req.Auth.Username != "":
			httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
		}
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Method: method, URL: RedactURL(target), Err: err}
	}
	defer resp.Body.Close()

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, &TransportError{Method: method, URL: RedactURL(target), Err: fmt.Errorf("reading response body: %w", err)}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   decodeBody(resp.Header.Get("Content-Type"), raw),
	}, nil
}

// BuildURL appends query parameters to base, keeping any it already has.
func BuildURL(base string, query map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid url '%s': %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid url '%s': scheme must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url '%s': missing host", base)
	}
	if len(query) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, query[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// JoinURL joins a base URL and a route with exactly one slash between them.
func JoinURL(base, route string) string {
	if route == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(route, "/")
}

func encodeBody(body interface{}) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	case []byte:
		return bytes.NewReader(b), "application/octet-stream", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func decodeBody(contentType string, raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// RedactURL drops userinfo and the query string so tokens passed in URLs do
// not end up in error messages.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
