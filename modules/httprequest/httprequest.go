// Package httprequest implements the http-request node type.
package httprequest

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

func init() {
	intHandler.Register(workflow.NodeHTTPRequest, New)
}

// Handler sends one HTTP request per execution.
//
// Config:
//
//	url            required, http or https
//	method         default GET
//	headers        map of header values
//	query          map of query parameters
//	body           string, or any value sent as JSON
//	timeout        request timeout, default 30s
//	auth           "bearer" or "basic"
//	fail_on_status default true; when false 4xx/5xx responses are returned as output
//
// Bearer auth reads the credential named by token_credential (default
// "token"). Basic auth reads username_credential and password_credential
// (default "username" and "password").
type Handler struct{}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config

	target, err := paramutil.GetRequiredString(cfg, "url")
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
	failOnStatus, set, err := paramutil.GetOptionalBool(cfg, "fail_on_status")
	if err != nil {
		return nil, err
	}
	if !set {
		failOnStatus = true
	}
	auth, err := BuildAuth(cfg, req.Credentials)
	if err != nil {
		return nil, err
	}

	if handler.IsDryRun(ctx) && !isSafeMethod(method) {
		req.Logger.Infof("dry run: skipping %s %s", method, httpclient.RedactURL(target))
		return map[string]interface{}{"dry_run": true, "method": method, "url": httpclient.RedactURL(target)}, nil
	}

	out := httpclient.Request{
		Method:  method,
		URL:     target,
		Headers: headers,
		Query:   query,
		Body:    cfg["body"],
		Auth:    auth,
	}
	resp, err := httpclient.New(timeout).Do(ctx, out)
	if err != nil {
		return nil, err
	}
	req.Logger.Debugf("%s %s -> %d", method, httpclient.RedactURL(target), resp.Status)

	if failOnStatus {
		if statusErr := httpclient.ErrorFromResponse(method, httpclient.RedactURL(target), resp); statusErr != nil {
			return resp.Output(), statusErr
		}
	}
	return resp.Output(), nil
}

// BuildAuth resolves the auth block of a request-style node against the
// credentials the engine resolved for it.
func BuildAuth(cfg map[string]interface{}, creds map[string]string) (*httpclient.Auth, error) {
	mode, _, err := paramutil.GetOptionalString(cfg, "auth")
	if err != nil || mode == "" {
		return nil, err
	}
	lookup := func(key, fallback string) (string, error) {
		name, err := paramutil.GetStringDefault(cfg, key, fallback)
		if err != nil {
			return "", err
		}
		v, ok := creds[name]
		if !ok {
			return "", rwerrors.NewConfigError(fmt.Sprintf("auth '%s' needs credential '%s', which is not declared on the node", mode, name), nil)
		}
		return v, nil
	}

	switch strings.ToLower(mode) {
	case "bearer":
		token, err := lookup("token_credential", "token")
		if err != nil {
			return nil, err
		}
		return &httpclient.Auth{BearerToken: token}, nil
	case "basic":
		user, err := lookup("username_credential", "username")
		if err != nil {
			return nil, err
		}
		pass, err := lookup("password_credential", "password")
		if err != nil {
			return nil, err
		}
		return &httpclient.Auth{Username: user, Password: pass}, nil
	default:
		return nil, rwerrors.NewValidationError(fmt.Sprintf("config 'auth' must be 'bearer' or 'basic', got '%s'", mode), nil)
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

var _ handler.Handler = (*Handler)(nil)
