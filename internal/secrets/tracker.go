package secrets

import (
	"sort"
	"strings"
	"sync"
)

// SecretTracker remembers the secret values resolved for one node dispatch so
// they can be scrubbed from anything that outlives it. A tracker must not be
// shared between dispatches.
type SecretTracker struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

// NewSecretTracker creates an empty tracker.
func NewSecretTracker() *SecretTracker {
	return &SecretTracker{values: make(map[string]struct{})}
}

// Add tracks a secret value. Empty strings are ignored.
func (t *SecretTracker) Add(secretValue string) {
	if secretValue == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[secretValue] = struct{}{}
}

// AddAll tracks every value in creds.
func (t *SecretTracker) AddAll(creds map[string]string) {
	for _, v := range creds {
		t.Add(v)
	}
}

// Len returns the number of tracked values.
func (t *SecretTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// IsTracked reports an exact match against a tracked value.
func (t *SecretTracker) IsTracked(value string) bool {
	if value == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.values[value]
	return found
}

// ContainsTrackedSecret reports whether input embeds any tracked value.
func (t *SecretTracker) ContainsTrackedSecret(input string) bool {
	if input == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.values {
		if strings.Contains(input, secret) {
			return true
		}
	}
	return false
}

// Mask replaces every tracked value inside input with placeholder. Longer
// secrets are replaced first so a secret containing another is fully masked.
func (t *SecretTracker) Mask(input, placeholder string) (string, bool) {
	if input == "" {
		return input, false
	}
	t.mu.RLock()
	secrets := make([]string, 0, len(t.values))
	for s := range t.values {
		secrets = append(secrets, s)
	}
	t.mu.RUnlock()

	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	out := input
	for _, s := range secrets {
		out = strings.ReplaceAll(out, s, placeholder)
	}
	return out, out != input
}
