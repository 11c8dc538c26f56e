package template

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/goccy/go-json"
)

// SandboxFuncMap returns the functions available to node expressions. None
// of them reach outside the data passed to the template: there is no access
// to the environment, the filesystem, the network or secret providers.
func SandboxFuncMap() template.FuncMap {
	return template.FuncMap{
		"eq":        funcEqual,
		"ne":        func(a, b interface{}) bool { return !funcEqual(a, b) },
		"lt":        func(a, b interface{}) (bool, error) { return compareNumbers(a, b, func(x, y float64) bool { return x < y }) },
		"le":        func(a, b interface{}) (bool, error) { return compareNumbers(a, b, func(x, y float64) bool { return x <= y }) },
		"gt":        func(a, b interface{}) (bool, error) { return compareNumbers(a, b, func(x, y float64) bool { return x > y }) },
		"ge":        func(a, b interface{}) (bool, error) { return compareNumbers(a, b, func(x, y float64) bool { return x >= y }) },
		"add":       func(a, b interface{}) (float64, error) { return arith(a, b, func(x, y float64) float64 { return x + y }) },
		"sub":       func(a, b interface{}) (float64, error) { return arith(a, b, func(x, y float64) float64 { return x - y }) },
		"mul":       func(a, b interface{}) (float64, error) { return arith(a, b, func(x, y float64) float64 { return x * y }) },
		"div":       funcDiv,
		"toJSON":    funcToJSON,
		"fromJSON":  funcFromJSON,
		"toString":  func(v interface{}) string { return fmt.Sprint(v) },
		"toFloat":   ToFloat,
		"toInt":     funcToInt,
		"default":   funcDefault,
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"trim":      strings.TrimSpace,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,
		"replace":   strings.ReplaceAll,
		"split":     strings.Split,
		"join":      funcJoin,
		"keys":      funcKeys,
		"get":       funcGet,
		"now":       func() string { return time.Now().UTC().Format(time.RFC3339) },
	}
}

// funcEqual compares numerically when both sides are numbers, so that an
// int from YAML equals a float64 from JSON.
func funcEqual(a, b interface{}) bool {
	fa, errA := ToFloat(a)
	fb, errB := ToFloat(b)
	if errA == nil && errB == nil && isNumber(a) && isNumber(b) {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// ToFloat converts numbers and numeric strings to float64.
func ToFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func compareNumbers(a, b interface{}, cmp func(x, y float64) bool) (bool, error) {
	fa, err := ToFloat(a)
	if err != nil {
		return false, err
	}
	fb, err := ToFloat(b)
	if err != nil {
		return false, err
	}
	return cmp(fa, fb), nil
}

func arith(a, b interface{}, op func(x, y float64) float64) (float64, error) {
	fa, err := ToFloat(a)
	if err != nil {
		return 0, err
	}
	fb, err := ToFloat(b)
	if err != nil {
		return 0, err
	}
	return op(fa, fb), nil
}

func funcDiv(a, b interface{}) (float64, error) {
	fb, err := ToFloat(b)
	if err != nil {
		return 0, err
	}
	if fb == 0 {
		return 0, errors.New("division by zero")
	}
	fa, err := ToFloat(a)
	if err != nil {
		return 0, err
	}
	return fa / fb, nil
}

func funcToInt(v interface{}) (int, error) {
	f, err := ToFloat(v)
	return int(f), err
}

func funcToJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func funcFromJSON(s string) (interface{}, error) {
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// funcDefault returns value unless it is nil or an empty string, in which
// case fallback is returned. Usage: {{ default "x" .input.name }}.
func funcDefault(fallback, value interface{}) interface{} {
	if value == nil {
		return fallback
	}
	if s, ok := value.(string); ok && s == "" {
		return fallback
	}
	return value
}

func funcJoin(sep string, items interface{}) (string, error) {
	switch v := items.(type) {
	case []string:
		return strings.Join(v, sep), nil
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep), nil
	default:
		return "", fmt.Errorf("join expects a list, got %T", items)
	}
}

func funcKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// funcGet reads a dotted path from a map and returns nil when it is absent,
// unlike field access which fails on missing keys.
func funcGet(m map[string]interface{}, path string) interface{} {
	v, _ := Lookup(m, path)
	return v
}

// RedactSecretsInString masks the value following any keyword (such as
// "password=") on each line. It is used for log and error text where no
// SecretTracker is available.
func RedactSecretsInString(input string, keywords map[string]struct{}) string {
	if len(keywords) == 0 || input == "" {
		return input
	}

	redacted := false
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lowerLine := strings.ToLower(line)
		for keyword := range keywords {
			idx := strings.Index(lowerLine, keyword)
			if idx == -1 {
				continue
			}
			start := idx + len(keyword)
			for start < len(line) && strings.ContainsRune(":= '\"", rune(line[start])) {
				start++
			}
			if start < len(line) {
				lines[i] = line[:start] + "[REDACTED]"
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return input
	}
	return strings.Join(lines, "\n")
}

// RedactSecretsInError returns err with keyword-marked values masked in its
// message. The original error is returned when nothing was masked.
func RedactSecretsInError(err error, keywords map[string]struct{}) error {
	if err == nil || len(keywords) == 0 {
		return err
	}
	msg := err.Error()
	if redacted := RedactSecretsInString(msg, keywords); redacted != msg {
		return errors.New(redacted)
	}
	return err
}
