package ldapauth

import (
	"reflect"

	"golang.org/x/text/encoding/unicode"
)

// DecodeEscapedHex replaces every run of consecutive \HH sequences in s with
// the text obtained by decoding the run's bytes as UTF-8. Invalid byte
// sequences decode to U+FFFD. Backslashes not followed by two hex digits are
// kept as they are.
//
//	DecodeEscapedHex(`cn=\e7\a0\94\e5\8f\91A`) == "cn=研发A"
func DecodeEscapedHex(s string) string {
	if !hasEscapedHex(s) {
		return s
	}

	out := make([]byte, 0, len(s))
	var run []byte
	for i := 0; i < len(s); {
		if isEscapedHex(s, i) {
			run = append(run, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 3
			continue
		}
		if len(run) > 0 {
			out = append(out, decodeUTF8(run)...)
			run = run[:0]
		}
		out = append(out, s[i])
		i++
	}
	if len(run) > 0 {
		out = append(out, decodeUTF8(run)...)
	}
	return string(out)
}

// DecodeValue applies DecodeEscapedHex to every string reachable from v.
// Slices, maps and entries are decoded into new values; other scalars are
// returned unchanged.
func DecodeValue(v any) any {
	switch v := v.(type) {
	case string:
		return DecodeEscapedHex(v)
	case []string:
		return decodeStrings(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = DecodeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = DecodeValue(item)
		}
		return out
	case map[string][]string:
		out := make(map[string][]string, len(v))
		for k, values := range v {
			out[k] = decodeStrings(values)
		}
		return out
	case *Entry:
		if v == nil {
			return v
		}
		return v.decoded()
	case nil:
		return nil
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
			return decodeReflect(rv).Interface()
		default:
			return v
		}
	}
}

// decodeReflect handles typed containers such as map[string]string or
// []map[string]any. The result has the same type as rv. Maps with non-string
// keys, byte slices, structs and pointers are returned unchanged.
func decodeReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(reflect.ValueOf(DecodeValue(rv.Elem().Interface())))
		return out

	case reflect.String:
		out := reflect.New(rv.Type()).Elem()
		out.SetString(DecodeEscapedHex(rv.String()))
		return out

	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(decodeReflect(rv.Index(i)))
		}
		return out

	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(decodeReflect(rv.Index(i)))
		}
		return out

	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), decodeReflect(iter.Value()))
		}
		return out

	default:
		return rv
	}
}

func decodeStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, s := range values {
		out[i] = DecodeEscapedHex(s)
	}
	return out
}

func decodeUTF8(b []byte) []byte {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return b
	}
	return decoded
}

func hasEscapedHex(s string) bool {
	for i := 0; i < len(s); i++ {
		if isEscapedHex(s, i) {
			return true
		}
	}
	return false
}

func isEscapedHex(s string, i int) bool {
	return s[i] == '\\' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2])
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
