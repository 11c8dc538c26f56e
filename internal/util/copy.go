package util

import (
	"time"

	"github.com/goccy/go-json"
)

// DeepCopy returns an independent copy of a JSON-shaped value: nested
// map[string]interface{}, []interface{} and scalars. Values of any other
// composite type are copied through a JSON round trip, which normalizes
// them to the same JSON shape; if they cannot be encoded they are returned
// as-is.
func DeepCopy(src interface{}) interface{} {
	switch v := src.(type) {
	case nil:
		return nil
	case string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number, time.Time, time.Duration:
		return v
	case map[string]interface{}:
		if v == nil {
			return v
		}
		cpy := make(map[string]interface{}, len(v))
		for key, value := range v {
			cpy[key] = DeepCopy(value)
		}
		return cpy
	case []interface{}:
		if v == nil {
			return v
		}
		cpy := make([]interface{}, len(v))
		for i, value := range v {
			cpy[i] = DeepCopy(value)
		}
		return cpy
	case map[string]string:
		cpy := make(map[string]string, len(v))
		for key, value := range v {
			cpy[key] = value
		}
		return cpy
	case []string:
		return append([]string(nil), v...)
	case []map[string]interface{}:
		cpy := make([]interface{}, len(v))
		for i, value := range v {
			cpy[i] = DeepCopy(value)
		}
		return cpy
	default:
		normalized, err := Normalize(src)
		if err != nil {
			return src
		}
		return normalized
	}
}

// Normalize converts any encodable value to its JSON shape (maps, slices,
// float64 numbers, strings, bools), the same shape it has after a round trip
// through a persistent store.
func Normalize(src interface{}) (interface{}, error) {
	if src == nil {
		return nil, nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CopyMap deep-copies a map of JSON-shaped values.
func CopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	return DeepCopy(src).(map[string]interface{})
}
