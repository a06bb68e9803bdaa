// Package schema describes the shape of workflow and action payloads.
//
// A Schema is a small tagged tree: object nodes carry an ordered list of
// fields (each optionally required), array nodes carry an item schema, and
// scalar nodes carry optional enum and minimum constraints. Schemas are plain
// data so they can be persisted with workflow definitions as JSON or YAML.
//
// Schemas are built with the helpers in this package:
//
//	s := schema.Object(
//	    schema.Required("email", schema.String()),
//	    schema.Optional("remember_me", schema.Boolean()),
//	)
//
// Validate checks a value against a schema and returns human-readable
// messages. Fields not declared by an object schema are reported as
// unsupported, at every nesting level.
package schema
