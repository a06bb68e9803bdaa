package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serialises v deterministically. Map keys are emitted in
// sorted order, so equal values always produce equal strings.
func CanonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// ConcurrencyKey hashes s into the hex SHA-256 digest stored on instances.
func ConcurrencyKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// WorkflowKey returns the raw concurrency string for a workflow.
func WorkflowKey(name string, context map[string]any) (string, error) {
	if context == nil {
		context = map[string]any{}
	}
	js, err := CanonicalJSON(context)
	if err != nil {
		return "", err
	}
	return name + "-" + js, nil
}

// DefaultActionKey returns the raw concurrency string used for actions that
// do not implement ConcurrencyKeyer. A nil input serialises as the empty
// string.
func DefaultActionKey(name string, input any) (string, error) {
	if input == nil {
		return name + "-", nil
	}
	js, err := CanonicalJSON(input)
	if err != nil {
		return "", err
	}
	return name + "-" + js, nil
}

// Normalize converts v into its JSON-shaped equivalent: map[string]any,
// []any, json.Number, string, bool or nil. Numbers keep their exact digits.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// NormalizeMap is Normalize for object payloads. A nil map stays nil.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	v, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

// CloneValue deep-copies JSON-shaped values. Other values are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies m.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// MergeContext shallow-merges src into dst, allocating dst when needed.
func MergeContext(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = CloneValue(v)
	}
	return dst
}
