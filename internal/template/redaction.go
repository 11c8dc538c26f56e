package template

import "github.com/gxo-labs/runway/internal/secrets"

// RedactedSecretValue replaces tracked secret material in node outputs,
// errors and log data before they are persisted or published.
const RedactedSecretValue = "[REDACTED_SECRET]"

// RedactTrackedSecrets returns a copy of data with every occurrence of a
// tracked secret inside string values (map keys excluded) replaced by
// RedactedSecretValue, and whether anything was replaced. The input is left
// untouched.
func RedactTrackedSecrets(data interface{}, tracker *secrets.SecretTracker) (interface{}, bool) {
	if data == nil || tracker == nil || tracker.Len() == 0 {
		return data, false
	}
	return redactRecursive(data, tracker)
}

func redactRecursive(data interface{}, tracker *secrets.SecretTracker) (interface{}, bool) {
	switch v := data.(type) {
	case string:
		return tracker.Mask(v, RedactedSecretValue)
	case []byte:
		s, changed := tracker.Mask(string(v), RedactedSecretValue)
		if !changed {
			return v, false
		}
		return []byte(s), true
	case map[string]interface{}:
		if v == nil {
			return v, false
		}
		changed := false
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			newVal, redacted := redactRecursive(val, tracker)
			out[key] = newVal
			changed = changed || redacted
		}
		return out, changed
	case []interface{}:
		if v == nil {
			return v, false
		}
		changed := false
		out := make([]interface{}, len(v))
		for i, val := range v {
			newVal, redacted := redactRecursive(val, tracker)
			out[i] = newVal
			changed = changed || redacted
		}
		return out, changed
	case []map[string]interface{}:
		changed := false
		out := make([]map[string]interface{}, len(v))
		for i, val := range v {
			newVal, redacted := redactRecursive(val, tracker)
			out[i], _ = newVal.(map[string]interface{})
			changed = changed || redacted
		}
		return out, changed
	default:
		return data, false
	}
}
