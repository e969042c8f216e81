// Package sanitize redacts personal data and secrets from arbitrary nested
// values before they leave the process.
package sanitize

import (
	"reflect"
	"regexp"
	"strings"
)

// Redacted replaces the whole value of a sensitive key.
const Redacted = "[REDACTED]"

//nolint:gochecknoglobals // immutable lookup table
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"api_key":       {},
	"authorization": {},
	"cookie":        {},
	"credentials":   {},
}

type pattern struct {
	re     *regexp.Regexp
	marker string
}

// Order matters: an email is masked before the digit scan sees it.
//
//nolint:gochecknoglobals // compiled once
var patterns = []pattern{
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[REDACTED_AWS_KEY]"},
}

// IsSensitiveKey reports whether values under key are always redacted.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// String masks every pattern match in s.
func String(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllLiteralString(s, p.marker)
	}
	return s
}

// Map sanitizes a JSON-shaped map. A nil map stays nil.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Value(m).(map[string]any)
	return out
}

// Value returns a sanitized deep copy of v. The input is never modified and
// the call never fails; types it does not understand are returned as is.
func Value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return String(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Value(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, val := range x {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = String(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Value(val)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, val := range x {
			out[i] = String(val)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, val := range x {
			out[i] = Map(val)
		}
		return out
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return x
	}
	return reflectValue(v)
}

// reflectValue handles named map and slice types whose elements can hold a
// string. Anything else is returned unchanged.
func reflectValue(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		out := reflect.New(rv.Type()).Elem()
		out.SetString(String(rv.String()))
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String || !holdsString(rv.Type().Elem()) {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key()
			if IsSensitiveKey(k.String()) {
				out.SetMapIndex(k, reflect.ValueOf(Redacted).Convert(rv.Type().Elem()))
				continue
			}
			out.SetMapIndex(k, sanitizedElem(iter.Value(), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() || !holdsString(rv.Type().Elem()) {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := range rv.Len() {
			out.Index(i).Set(sanitizedElem(rv.Index(i), rv.Type().Elem()))
		}
		return out.Interface()
	}
	return v
}

func holdsString(t reflect.Type) bool {
	return t.Kind() == reflect.String || t.Kind() == reflect.Interface && t.NumMethod() == 0
}

func sanitizedElem(val reflect.Value, elem reflect.Type) reflect.Value {
	if val.Kind() == reflect.Interface && val.IsNil() {
		return reflect.Zero(elem)
	}
	s := Value(val.Interface())
	if s == nil {
		return reflect.Zero(elem)
	}
	return reflect.ValueOf(s).Convert(elem)
}
