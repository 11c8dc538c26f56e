// Package paramutil reads typed values out of node config maps. Every
// mismatch is reported as a ValidationError naming the offending key.
package paramutil

import (
	"fmt"
	"reflect"
	"time"

	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
)

func invalid(format string, args ...interface{}) error {
	return rwerrors.NewValidationError(fmt.Sprintf(format, args...), nil)
}

// GetRequiredString returns the string stored under key.
func GetRequiredString(config map[string]interface{}, key string) (string, error) {
	value, exists := config[key]
	if !exists {
		return "", invalid("missing required config '%s'", key)
	}
	s, ok := value.(string)
	if !ok {
		return "", invalid("config '%s' must be a string, got %T", key, value)
	}
	if s == "" {
		return "", invalid("config '%s' cannot be empty", key)
	}
	return s, nil
}

// GetOptionalString returns the string under key and whether it was set.
func GetOptionalString(config map[string]interface{}, key string) (string, bool, error) {
	value, exists := config[key]
	if !exists || value == nil {
		return "", false, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", false, invalid("config '%s' must be a string, got %T", key, value)
	}
	return s, true, nil
}

// GetStringDefault returns the string under key, or fallback when unset or
// empty.
func GetStringDefault(config map[string]interface{}, key, fallback string) (string, error) {
	s, ok, err := GetOptionalString(config, key)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return fallback, nil
	}
	return s, nil
}

// GetRequiredSlice returns the list stored under key.
func GetRequiredSlice(config map[string]interface{}, key string) ([]interface{}, error) {
	value, exists := config[key]
	if !exists {
		return nil, invalid("missing required config '%s'", key)
	}
	// Decoded YAML and JSON lists are []interface{}.
	list, ok := value.([]interface{})
	if !ok {
		return nil, invalid("config '%s' must be a list, got %T", key, value)
	}
	return list, nil
}

// GetOptionalStringSlice accepts []string or a []interface{} of strings.
func GetOptionalStringSlice(config map[string]interface{}, key string) ([]string, bool, error) {
	value, exists := config[key]
	if !exists || value == nil {
		return nil, false, nil
	}
	if ss, ok := value.([]string); ok {
		return ss, true, nil
	}
	list, ok := value.([]interface{})
	if !ok {
		return nil, false, invalid("config '%s' must be a list, got %T", key, value)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false, invalid("config '%s' must be a list of strings, element %d is %T", key, i, item)
		}
		out = append(out, s)
	}
	return out, true, nil
}

// GetOptionalMap returns the map under key. Maps with interface keys, as
// produced by some YAML decoders, are converted when every key is a string.
func GetOptionalMap(config map[string]interface{}, key string) (map[string]interface{}, bool, error) {
	value, exists := config[key]
	if !exists || value == nil {
		return nil, false, nil
	}
	m, err := ToStringMap(value)
	if err != nil {
		return nil, false, invalid("config '%s': %v", key, err)
	}
	return m, true, nil
}

// GetRequiredMap is GetOptionalMap for a mandatory key.
func GetRequiredMap(config map[string]interface{}, key string) (map[string]interface{}, error) {
	m, ok, err := GetOptionalMap(config, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalid("missing required config '%s'", key)
	}
	return m, nil
}

// GetOptionalStringMap returns the map under key with every value
// formatted as a string. Nested maps and lists are rejected.
func GetOptionalStringMap(config map[string]interface{}, key string) (map[string]string, bool, error) {
	m, ok, err := GetOptionalMap(config, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch v.(type) {
		case map[string]interface{}, map[interface{}]interface{}, []interface{}:
			return nil, false, invalid("config '%s.%s' must be a scalar, got %T", key, k, v)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out, true, nil
}

// ToStringMap converts value to map[string]interface{}.
func ToStringMap(value interface{}) (map[string]interface{}, error) {
	switch m := value.(type) {
	case map[string]interface{}:
		return m, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			sk, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("map keys must be strings, found %T", k)
			}
			out[sk] = v
		}
		return out, nil
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a map, got %T", value)
	}
}

// GetOptionalInt coerces numeric values to int. Floats must be whole.
func GetOptionalInt(config map[string]interface{}, key string) (int, bool, error) {
	value, exists := config[key]
	if !exists || value == nil {
		return 0, false, nil
	}
	switch v := value.(type) {
	case int:
		return v, true, nil
	case int32:
		return int(v), true, nil
	case int64:
		n := int(v)
		if int64(n) != v {
			return 0, false, invalid("config '%s' value %v overflows int", key, v)
		}
		return n, true, nil
	case float32:
		if v == float32(int(v)) {
			return int(v), true, nil
		}
		return 0, false, invalid("config '%s' must be a whole number, got %v", key, v)
	case float64:
		if v == float64(int(v)) {
			return int(v), true, nil
		}
		return 0, false, invalid("config '%s' must be a whole number, got %v", key, v)
	default:
		return 0, false, invalid("config '%s' must be an integer, got %T", key, value)
	}
}

// GetIntDefault returns the int under key, or fallback when unset.
func GetIntDefault(config map[string]interface{}, key string, fallback int) (int, error) {
	n, ok, err := GetOptionalInt(config, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	return n, nil
}

// GetOptionalBool returns the bool under key and whether it was set.
func GetOptionalBool(config map[string]interface{}, key string) (bool, bool, error) {
	value, exists := config[key]
	if !exists || value == nil {
		return false, false, nil
	}
	b, ok := value.(bool)
	if !ok {
		return false, false, invalid("config '%s' must be a boolean, got %T", key, value)
	}
	return b, true, nil
}

// GetOptionalDuration accepts a Go duration string ("1m30s") or a number of
// seconds.
func GetOptionalDuration(config map[string]interface{}, key string) (time.Duration, bool, error) {
	value, exists := config[key]
	if !exists || value == nil {
		return 0, false, nil
	}
	switch v := value.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false, invalid("config '%s' is not a valid duration: %v", key, err)
		}
		return d, true, nil
	case int:
		return time.Duration(v) * time.Second, true, nil
	case float64:
		return time.Duration(v * float64(time.Second)), true, nil
	default:
		return 0, false, invalid("config '%s' must be a duration, got %T", key, value)
	}
}

// CheckRequired fails on the first key of required missing from config.
func CheckRequired(config map[string]interface{}, required []string) error {
	for _, key := range required {
		if _, exists := config[key]; !exists {
			return invalid("missing required config '%s'", key)
		}
	}
	return nil
}

// CheckAllowed fails on the first key of config not listed in allowed. An
// empty allowed list permits everything.
func CheckAllowed(config map[string]interface{}, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		set[key] = struct{}{}
	}
	for key := range config {
		if _, ok := set[key]; !ok {
			return invalid("unknown config '%s'", key)
		}
	}
	return nil
}

// CheckExclusive fails when more than one of keys is present.
func CheckExclusive(config map[string]interface{}, keys []string) error {
	var first string
	for _, key := range keys {
		if _, exists := config[key]; !exists {
			continue
		}
		if first != "" {
			return invalid("config '%s' and '%s' are mutually exclusive", first, key)
		}
		first = key
	}
	return nil
}

// Coalesce returns the first argument that is neither nil nor a typed nil.
func Coalesce(values ...interface{}) interface{} {
	for _, v := range values {
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
			if rv.IsNil() {
				continue
			}
		}
		return v
	}
	return nil
}
