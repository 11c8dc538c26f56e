package template_test

import (
	"errors"
	"testing"

	"github.com/gxo-labs/runway/internal/secrets"
	"github.com/gxo-labs/runway/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTracker() *secrets.SecretTracker {
	tracker := secrets.NewSecretTracker()
	tracker.Add("s3cr3t_p@ssw0rd")
	tracker.Add("another-key-456")
	return tracker
}

func TestRedactTrackedSecrets_Strings(t *testing.T) {
	tracker := setupTracker()

	redacted, changed := template.RedactTrackedSecrets("s3cr3t_p@ssw0rd", tracker)
	assert.True(t, changed)
	assert.Equal(t, template.RedactedSecretValue, redacted)

	redacted, changed = template.RedactTrackedSecrets("key is another-key-456.", tracker)
	assert.True(t, changed)
	assert.Equal(t, "key is "+template.RedactedSecretValue+".", redacted)

	redacted, changed = template.RedactTrackedSecrets("safe", tracker)
	assert.False(t, changed)
	assert.Equal(t, "safe", redacted)
}

func TestRedactTrackedSecrets_NilInputs(t *testing.T) {
	redacted, changed := template.RedactTrackedSecrets(nil, setupTracker())
	assert.False(t, changed)
	assert.Nil(t, redacted)

	redacted, changed = template.RedactTrackedSecrets("some data", nil)
	assert.False(t, changed)
	assert.Equal(t, "some data", redacted)
}

func TestRedactTrackedSecrets_NestedDoesNotMutateInput(t *testing.T) {
	tracker := setupTracker()
	input := map[string]interface{}{
		"user": "alice",
		"auth": map[string]interface{}{
			"password": "s3cr3t_p@ssw0rd",
			"tokens":   []interface{}{"ok", "another-key-456", 42},
		},
	}

	redacted, changed := template.RedactTrackedSecrets(input, tracker)
	require.True(t, changed)

	out := redacted.(map[string]interface{})
	auth := out["auth"].(map[string]interface{})
	assert.Equal(t, template.RedactedSecretValue, auth["password"])
	assert.Equal(t, []interface{}{"ok", template.RedactedSecretValue, 42}, auth["tokens"])
	assert.Equal(t, "alice", out["user"])

	original := input["auth"].(map[string]interface{})
	assert.Equal(t, "s3cr3t_p@ssw0rd", original["password"], "input must be left untouched")
}

func TestRedactSecretsInError(t *testing.T) {
	keywords := map[string]struct{}{"password": {}}
	err := errors.New("login failed: password=hunter2")

	redacted := template.RedactSecretsInError(err, keywords)
	assert.Equal(t, "login failed: password=[REDACTED]", redacted.Error())

	plain := errors.New("nothing sensitive")
	assert.Same(t, plain, template.RedactSecretsInError(plain, keywords))
}
