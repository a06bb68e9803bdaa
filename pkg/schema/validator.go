package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Validator checks a value against a schema. An empty result means the value
// is valid.
type Validator interface {
	Validate(value any, s *Schema) []string
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(value any, s *Schema) []string

func (f ValidatorFunc) Validate(value any, s *Schema) []string { return f(value, s) }

// DefaultValidator is the Validator used when none is configured.
var DefaultValidator Validator = ValidatorFunc(Validate)

// Validate checks value against s. Structural problems are reported first,
// in schema order, followed by one message for every field that s does not
// declare. A nil schema accepts any value.
func Validate(value any, s *Schema) []string {
	if s == nil {
		return nil
	}
	var errs, unsupported []string
	check(value, s, "", &errs)
	unsupportedFields(value, s, &unsupported)
	return append(errs, unsupported...)
}

func check(value any, s *Schema, path string, errs *[]string) {
	if s == nil || s.Type == KindAny || s.Type == "" {
		return
	}

	kind, norm := classify(value)
	if !matches(s.Type, kind) {
		*errs = append(*errs, fmt.Sprintf("%s of type %s did not match the following type: %s", subject(path), kind, s.Type))
		return
	}

	switch s.Type {
	case KindObject:
		obj := norm.(map[string]any)
		for _, f := range s.Fields {
			if !f.Required {
				continue
			}
			if _, ok := obj[f.Name]; !ok {
				*errs = append(*errs, fmt.Sprintf("%s did not contain a required field of '%s'", subject(path), f.Name))
			}
		}
		for _, f := range s.Fields {
			if v, ok := obj[f.Name]; ok {
				check(v, f.Schema, join(path, f.Name), errs)
			}
		}
	case KindArray:
		for i, item := range norm.([]any) {
			check(item, s.Items, join(path, strconv.Itoa(i)), errs)
		}
	}

	if len(s.Enum) > 0 && !inEnum(norm, s.Enum) {
		allowed := make([]string, len(s.Enum))
		for i, e := range s.Enum {
			allowed[i] = fmt.Sprint(e)
		}
		*errs = append(*errs, fmt.Sprintf("%s value '%v' did not match one of the following values: %s",
			subject(path), norm, strings.Join(allowed, ", ")))
	}

	if s.Minimum != nil {
		if n, ok := norm.(float64); ok && n < *s.Minimum {
			*errs = append(*errs, fmt.Sprintf("%s did not have a minimum value of %s, inclusively",
				subject(path), strconv.FormatFloat(*s.Minimum, 'f', -1, 64)))
		}
	}
}

func unsupportedFields(value any, s *Schema, errs *[]string) {
	if s == nil {
		return
	}
	kind, norm := classify(value)
	switch {
	case s.Type == KindObject && kind == "object":
		obj := norm.(map[string]any)
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			f, ok := s.Field(k)
			if !ok {
				*errs = append(*errs, fmt.Sprintf("The field '%s' is not supported", k))
				continue
			}
			unsupportedFields(obj[k], f.Schema, errs)
		}
	case s.Type == KindArray && kind == "array":
		for _, item := range norm.([]any) {
			unsupportedFields(item, s.Items, errs)
		}
	}
}

func subject(path string) string {
	if path == "" {
		return "The value"
	}
	return "The field '" + path + "'"
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "/" + name
}

func matches(want Kind, got string) bool {
	switch want {
	case KindNumber:
		return got == "number" || got == "integer"
	default:
		return string(want) == got
	}
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		_, ne := classify(e)
		if reflect.DeepEqual(v, ne) {
			return true
		}
	}
	return false
}

// classify returns the schema type name of v together with a normalised
// copy: objects become map[string]any, arrays []any and numbers float64.
func classify(v any) (string, any) {
	if v == nil {
		return "null", nil
	}
	switch t := v.(type) {
	case map[string]any:
		return "object", t
	case []any:
		return "array", t
	case string:
		return "string", t
	case bool:
		return "boolean", t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return "string", t.String()
		}
		return numberKind(f), f
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "null", nil
		}
		return classify(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer", float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer", float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return numberKind(f), f
	case reflect.String:
		return "string", rv.String()
	case reflect.Bool:
		return "boolean", rv.Bool()
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return rv.Kind().String(), v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return "object", out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return "string", string(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return "array", out
	}
	return rv.Kind().String(), v
}

func numberKind(f float64) string {
	if math.Trunc(f) == f && !math.IsInf(f, 0) {
		return "integer"
	}
	return "number"
}
