package secrets

import (
	"context"
	"fmt"

	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	rwsecrets "github.com/gxo-labs/runway/pkg/runway/v1/secrets"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// ProviderResolver resolves node credentials through a Provider. Each
// declared name is looked up as "<org>.<name>" first so organizations can
// shadow shared credentials, then as the bare name.
type ProviderResolver struct {
	provider rwsecrets.Provider
}

// NewProviderResolver wraps provider.
func NewProviderResolver(provider rwsecrets.Provider) *ProviderResolver {
	return &ProviderResolver{provider: provider}
}

// ResolveCredentials returns a map of credential name to secret value. A
// declared credential that no key resolves is a configuration error.
func (r *ProviderResolver) ResolveCredentials(ctx context.Context, orgID string, node workflow.Node) (map[string]string, error) {
	if len(node.Credentials) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(node.Credentials))
	for _, name := range node.Credentials {
		keys := []string{name}
		if orgID != "" {
			keys = []string{orgID + "." + name, name}
		}
		found := false
		for _, key := range keys {
			value, ok, err := r.provider.GetSecret(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("resolve credential '%s' for node '%s': %w", name, node.ID, err)
			}
			if ok {
				out[name] = value
				found = true
				break
			}
		}
		if !found {
			return nil, rwerrors.NewConfigError(fmt.Sprintf("credential '%s' declared by node '%s' is not available", name, node.ID), nil)
		}
	}
	return out, nil
}

var _ rwsecrets.CredentialResolver = (*ProviderResolver)(nil)
