package secrets

import (
	"context"
	"os"
	"strings"

	rwsecrets "github.com/gxo-labs/runway/pkg/runway/v1/secrets"
)

// DefaultEnvPrefix is prepended to every key looked up by EnvProvider.
const DefaultEnvPrefix = "RUNWAY_SECRET_"

// EnvProvider implements the secrets Provider interface on environment
// variables. A key such as "acme.smtp-password" is read from
// RUNWAY_SECRET_ACME_SMTP_PASSWORD.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider reading variables with prefix, or
// DefaultEnvPrefix when prefix is empty.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

// VariableName returns the environment variable consulted for key.
func (p *EnvProvider) VariableName(key string) string {
	normalized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return p.prefix + normalized
}

// GetSecret returns the value of the variable for key and whether it is set.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := p.lookup(p.VariableName(key))
	return value, found, nil
}

// StaticProvider serves secrets from an in-memory map. Useful for embedding
// and tests.
type StaticProvider map[string]string

func (p StaticProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	v, ok := p[key]
	return v, ok, nil
}

var (
	_ rwsecrets.Provider = (*EnvProvider)(nil)
	_ rwsecrets.Provider = StaticProvider(nil)
)
