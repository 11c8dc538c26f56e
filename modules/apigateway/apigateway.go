// Package apigateway implements the api-gateway node type: calls to a known
// API base URL with an API key injected from the node's credentials.
package apigateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/httpclient"
	"github.com/gxo-labs/runway/internal/paramutil"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

const (
	defaultKeyCredential = "api_key"
	defaultKeyHeader     = "X-API-Key"
)

func init() {
	intHandler.Register(workflow.NodeAPIGateway, New)
}

// Handler calls base_url + route. The key is read from the credential named
// by api_key_credential and sent in api_key_header, or as the query
// parameter api_key_query when that is set. A 429 fails the node with an
// *httpclient.RateLimitError carrying the server's Retry-After.
type Handler struct{}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config

	base, err := paramutil.GetRequiredString(cfg, "base_url")
	if err != nil {
		return nil, err
	}
	route, err := paramutil.GetStringDefault(cfg, "route", "")
	if err != nil {
		return nil, err
	}
	method, err := paramutil.GetStringDefault(cfg, "method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	headers, _, err := paramutil.GetOptionalStringMap(cfg, "headers")
	if err != nil {
		return nil, err
	}
	query, _, err := paramutil.GetOptionalStringMap(cfg, "query")
	if err != nil {
		return nil, err
	}
	timeout, _, err := paramutil.GetOptionalDuration(cfg, "timeout")
	if err != nil {
		return nil, err
	}
	keyName, err := paramutil.GetStringDefault(cfg, "api_key_credential", defaultKeyCredential)
	if err != nil {
		return nil, err
	}
	keyHeader, err := paramutil.GetStringDefault(cfg, "api_key_header", defaultKeyHeader)
	if err != nil {
		return nil, err
	}
	keyQuery, _, err := paramutil.GetOptionalString(cfg, "api_key_query")
	if err != nil {
		return nil, err
	}

	apiKey, ok := req.Credentials[keyName]
	if !ok || apiKey == "" {
		return nil, rwerrors.NewConfigError(fmt.Sprintf("api gateway call needs credential '%s'", keyName), nil)
	}
	if headers == nil {
		headers = make(map[string]string)
	}
	if query == nil {
		query = make(map[string]string)
	}
	if keyQuery != "" {
		query[keyQuery] = apiKey
	} else {
		headers[keyHeader] = apiKey
	}

	target := httpclient.JoinURL(base, route)
	if handler.IsDryRun(ctx) && method != http.MethodGet && method != http.MethodHead {
		return map[string]interface{}{"dry_run": true, "method": method, "url": httpclient.RedactURL(target)}, nil
	}

	resp, err := httpclient.New(timeout).Do(ctx, httpclient.Request{
		Method:  method,
		URL:     target,
		Headers: headers,
		Query:   query,
		Body:    cfg["body"],
	})
	if err != nil {
		return nil, err
	}
	if statusErr := httpclient.ErrorFromResponse(method, httpclient.RedactURL(target), resp); statusErr != nil {
		if rl, ok := statusErr.(*httpclient.RateLimitError); ok {
			req.Logger.Warnf("rate limited by %s, retry after %s", httpclient.RedactURL(base), rl.RetryAfter)
		}
		return resp.Output(), statusErr
	}
	return resp.Output(), nil
}

var _ handler.Handler = (*Handler)(nil)
