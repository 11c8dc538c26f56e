package secrets

import (
	"context"

	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// Provider retrieves raw secret material by key. GetSecret returns false
// when the key does not exist and an error only when the lookup itself failed.
type Provider interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
}

// CredentialResolver resolves the credentials a node declares into a mapping
// of credential name to secret material. Results must never be persisted
// beyond the dispatch they were resolved for.
type CredentialResolver interface {
	ResolveCredentials(ctx context.Context, orgID string, node workflow.Node) (map[string]string, error)
}
