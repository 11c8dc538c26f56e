package api

import (
	"context"
	"net/http"
	"strings"

	runway "github.com/gxo-labs/runway/pkg/runway/v1"
)

// Headers set by the authenticating gateway in front of the API.
const (
	HeaderUser        = "X-Runway-User"
	HeaderOrg         = "X-Runway-Org"
	HeaderRoles       = "X-Runway-Roles"
	HeaderPermissions = "X-Runway-Permissions"
)

type principalKey struct{}

// PrincipalFromRequest reads the caller identity from the gateway headers.
func PrincipalFromRequest(r *http.Request) (runway.Principal, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderUser))
	if id == "" {
		return runway.Principal{}, false
	}
	return runway.Principal{
		ID:          id,
		OrgID:       strings.TrimSpace(r.Header.Get(HeaderOrg)),
		Roles:       splitList(r.Header.Get(HeaderRoles)),
		Permissions: splitList(r.Header.Get(HeaderPermissions)),
	}, true
}

func principalFrom(ctx context.Context) runway.Principal {
	p, _ := ctx.Value(principalKey{}).(runway.Principal)
	return p
}

// requirePrincipal rejects requests that carry no identity.
func requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing "+HeaderUser+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
