package schema

import "slices"

// Kind is the node type of a Schema.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindAny     Kind = "any"
)

// Schema is a node of the schema tree.
type Schema struct {
	Type Kind `json:"type" yaml:"type"`

	// Fields holds the declared properties of an object node, in declaration order.
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Items is the schema every element of an array node must satisfy.
	Items *Schema `json:"items,omitempty" yaml:"items,omitempty"`

	Enum    []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
}

// Field is a named property of an object schema.
type Field struct {
	Name     string  `json:"name" yaml:"name"`
	Schema   *Schema `json:"schema" yaml:"schema"`
	Required bool    `json:"required,omitempty" yaml:"required,omitempty"`
}

// Option customises a scalar schema node.
type Option func(*Schema)

// Min sets an inclusive lower bound for numeric nodes.
func Min(v float64) Option {
	return func(s *Schema) {
		s.Minimum = &v
	}
}

// OneOf restricts a node to the given values.
func OneOf(values ...any) Option {
	return func(s *Schema) {
		s.Enum = append([]any(nil), values...)
	}
}

func scalar(kind Kind, opts []Option) *Schema {
	s := &Schema{Type: kind}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func String(opts ...Option) *Schema  { return scalar(KindString, opts) }
func Integer(opts ...Option) *Schema { return scalar(KindInteger, opts) }
func Number(opts ...Option) *Schema  { return scalar(KindNumber, opts) }
func Boolean(opts ...Option) *Schema { return scalar(KindBoolean, opts) }

// Any accepts every value.
func Any() *Schema { return &Schema{Type: KindAny} }

// Object returns an object schema with the given fields.
func Object(fields ...Field) *Schema {
	return &Schema{Type: KindObject, Fields: fields}
}

// ArrayOf returns an array schema whose elements must match items.
func ArrayOf(items *Schema) *Schema {
	return &Schema{Type: KindArray, Items: items}
}

// Required declares a field that must be present.
func Required(name string, s *Schema) Field {
	return Field{Name: name, Schema: s, Required: true}
}

// Optional declares a field that may be omitted.
func Optional(name string, s *Schema) Field {
	return Field{Name: name, Schema: s}
}

// Field returns the declared field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Clone returns a deep copy of s.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Type: s.Type, Items: s.Items.Clone()}
	if s.Minimum != nil {
		m := *s.Minimum
		out.Minimum = &m
	}
	out.Enum = slices.Clone(s.Enum)
	if s.Fields != nil {
		out.Fields = make([]Field, len(s.Fields))
		for i, f := range s.Fields {
			out.Fields[i] = Field{Name: f.Name, Schema: f.Schema.Clone(), Required: f.Required}
		}
	}
	return out
}
