// Package engine drives one pipeline run from an entry step to
// termination or suspension: it merges each step's sparse partial update
// into the run state per the schema's per-field rules, routes via the
// declared routers, and threads suspend/resume checkpoints through.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// MergeRule is the per-field policy for combining a partial update.
type MergeRule int

const (
	// Replace overwrites the field with the update's value.
	Replace MergeRule = iota
	// Append extends the field with the update's new entries. Steps
	// return only entries new since their own invocation, never the
	// accumulated list.
	Append
)

// FieldKind drives type checking, zero values and JSON rehydration.
type FieldKind int

const (
	KindMessages FieldKind = iota
	KindStrings
	KindBool
	KindInt
	KindFloat
	KindString
	KindMap
	KindAny
)

// Field is one declared state field. Its rule and kind are fixed at
// schema-definition time and applied uniformly regardless of which step
// produced the update.
type Field struct {
	Name string
	Rule MergeRule
	Kind FieldKind
}

// State is the mutable mapping a pipeline run threads through its steps.
type State map[string]any

// Clone returns a state copy safe to merge into. Append-mode slices are
// copied lazily at merge time, so a shallow copy suffices here.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Strings reads a string-list field, tolerating a missing one.
func (s State) Strings(field string) []string {
	v, _ := s[field].([]string)
	return v
}

// Messages reads the message-history field.
func (s State) Messages(field string) []schema.Message {
	v, _ := s[field].([]schema.Message)
	return v
}

// Bool reads a boolean field; missing is false.
func (s State) Bool(field string) bool {
	v, _ := s[field].(bool)
	return v
}

// Int reads an integer field; missing is 0.
func (s State) Int(field string) int {
	switch v := s[field].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// String reads a string field; missing is "".
func (s State) String(field string) string {
	v, _ := s[field].(string)
	return v
}

// Map reads a nested parameter map; missing is nil.
func (s State) Map(field string) map[string]any {
	v, _ := s[field].(map[string]any)
	return v
}

// Update is a step's sparse result: Set carries only changed fields;
// Clear names fields reset to their zero value before Set merges. Clear
// is the only mechanism that empties an append-mode field.
type Update struct {
	Set   map[string]any
	Clear []string
}

// Merge folds another update into this one, preserving u as the base.
func (u Update) Merge(other Update) Update {
	out := Update{Set: make(map[string]any, len(u.Set)+len(other.Set))}
	for k, v := range u.Set {
		out.Set[k] = v
	}
	for k, v := range other.Set {
		out.Set[k] = v
	}
	out.Clear = append(append([]string(nil), u.Clear...), other.Clear...)
	return out
}

// Schema declares a workflow's state fields. Build it fluently:
//
//	NewSchema("signal").
//		Messages("messages").
//		AppendStrings("execution_history", "error_messages").
//		Bool("data_ready").
//		Int("retry_count")
//
// Declaring a field twice is a CONFLICT surfaced by Err (and by
// Graph.Compile).
type Schema struct {
	name   string
	fields map[string]Field
	order  []string
	err    error
}

// NewSchema starts a schema declaration.
func NewSchema(name string) *Schema {
	return &Schema{name: name, fields: make(map[string]Field)}
}

// Name returns the schema's name.
func (s *Schema) Name() string { return s.name }

// Err reports the first declaration error, if any.
func (s *Schema) Err() error { return s.err }

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.fields[name])
	}
	return out
}

func (s *Schema) declare(name string, rule MergeRule, kind FieldKind) *Schema {
	if s.err != nil {
		return s
	}
	if _, dup := s.fields[name]; dup {
		s.err = schema.NewErrorf(schema.ErrCodeConflict, "schema %s: field %q declared twice", s.name, name)
		return s
	}
	s.fields[name] = Field{Name: name, Rule: rule, Kind: kind}
	s.order = append(s.order, name)
	return s
}

// Messages declares an append-mode message-history field.
func (s *Schema) Messages(name string) *Schema {
	return s.declare(name, Append, KindMessages)
}

// AppendStrings declares append-mode string-list fields.
func (s *Schema) AppendStrings(names ...string) *Schema {
	for _, n := range names {
		s = s.declare(n, Append, KindStrings)
	}
	return s
}

// Bool declares replace-mode boolean fields.
func (s *Schema) Bool(names ...string) *Schema {
	for _, n := range names {
		s = s.declare(n, Replace, KindBool)
	}
	return s
}

// Int declares replace-mode integer fields.
func (s *Schema) Int(names ...string) *Schema {
	for _, n := range names {
		s = s.declare(n, Replace, KindInt)
	}
	return s
}

// Float declares replace-mode float fields.
func (s *Schema) Float(names ...string) *Schema {
	for _, n := range names {
		s = s.declare(n, Replace, KindFloat)
	}
	return s
}

// String declares replace-mode string fields.
func (s *Schema) String(names ...string) *Schema {
	for _, n := range names {
		s = s.declare(n, Replace, KindString)
	}
	return s
}

// Map declares replace-mode nested parameter maps. Merging replaces the
// whole value; there is no deep merge.
func (s *Schema) Map(names ...string) *Schema {
	for _, n := range names {
		s = s.declare(n, Replace, KindMap)
	}
	return s
}

// Any declares a replace-mode field with no type checking.
func (s *Schema) Any(names ...string) *Schema {
	for _, n := range names {
		s = s.declare(n, Replace, KindAny)
	}
	return s
}

func zeroValue(kind FieldKind) any {
	switch kind {
	case KindMessages:
		return []schema.Message(nil)
	case KindStrings:
		return []string(nil)
	case KindBool:
		return false
	case KindInt:
		return 0
	case KindFloat:
		return 0.0
	case KindString:
		return ""
	case KindMap:
		return map[string]any(nil)
	default:
		return nil
	}
}

// Normalize clones the given initial state and fills every declared but
// unset field with its zero value. Unknown fields are rejected.
func (s *Schema) Normalize(initial State) (State, error) {
	out := make(State, len(s.fields))
	for name, v := range initial {
		f, ok := s.fields[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMergeFailed, "schema %s: unknown field %q in initial state", s.name, name)
		}
		cv, err := checkValue(f, v)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	for name, f := range s.fields {
		if _, ok := out[name]; !ok {
			out[name] = zeroValue(f.Kind)
		}
	}
	return out, nil
}

// Apply merges a step's partial update into state per the field merge
// rules and returns a new state; the input is never mutated. An empty
// update yields an equal state. Unknown fields and rule/type mismatches
// fail fast with MERGE_FAILED.
func (s *Schema) Apply(state State, update Update) (State, error) {
	out := state.Clone()

	for _, name := range update.Clear {
		f, ok := s.fields[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMergeFailed, "schema %s: clear of unknown field %q", s.name, name)
		}
		out[name] = zeroValue(f.Kind)
	}

	for name, v := range update.Set {
		f, ok := s.fields[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMergeFailed, "schema %s: update for unknown field %q", s.name, name)
		}
		cv, err := checkValue(f, v)
		if err != nil {
			return nil, err
		}
		if f.Rule == Replace {
			out[name] = cv
			continue
		}
		merged, err := appendField(f, out[name], cv)
		if err != nil {
			return nil, err
		}
		out[name] = merged
	}
	return out, nil
}

// checkValue validates v against the field's kind. For Append fields v
// must be a slice of the element type (a scalar where an appendable
// sequence is expected is a merge failure).
func checkValue(f Field, v any) (any, error) {
	mismatch := func() error {
		return schema.NewErrorf(schema.ErrCodeMergeFailed,
			"field %q: %T does not satisfy its declared kind", f.Name, v)
	}
	switch f.Kind {
	case KindMessages:
		if _, ok := v.([]schema.Message); !ok {
			return nil, mismatch()
		}
	case KindStrings:
		if _, ok := v.([]string); !ok {
			return nil, mismatch()
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return nil, mismatch()
		}
	case KindInt:
		switch n := v.(type) {
		case int:
		case float64: // JSON round-trips integers as float64
			return int(n), nil
		default:
			return nil, mismatch()
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
		case int:
			return float64(n), nil
		default:
			return nil, mismatch()
		}
	case KindString:
		if _, ok := v.(string); !ok {
			return nil, mismatch()
		}
	case KindMap:
		if v != nil {
			if _, ok := v.(map[string]any); !ok {
				return nil, mismatch()
			}
		}
	case KindAny:
	}
	return v, nil
}

// appendField copies the base slice before extending it so no two
// states ever alias the same backing array.
func appendField(f Field, base, delta any) (any, error) {
	switch f.Kind {
	case KindMessages:
		cur, _ := base.([]schema.Message)
		add := delta.([]schema.Message)
		out := make([]schema.Message, 0, len(cur)+len(add))
		out = append(out, cur...)
		return append(out, add...), nil
	case KindStrings:
		cur, _ := base.([]string)
		add := delta.([]string)
		out := make([]string, 0, len(cur)+len(add))
		out = append(out, cur...)
		return append(out, add...), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMergeFailed,
			"field %q: append rule on non-appendable kind", f.Name)
	}
}

// EncodeState serializes state as JSON.
func (s *Schema) EncodeState(state State) ([]byte, error) {
	return json.Marshal(map[string]any(state))
}

// DecodeState parses JSON back into a typed state, rehydrating each
// field per its declared kind so a suspend, persist, resume cycle
// reproduces identical behavior.
func (s *Schema) DecodeState(data []byte) (State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode state: %s", err.Error()).WithCause(err)
	}
	out := make(State, len(s.fields))
	for name, f := range s.fields {
		rv, ok := raw[name]
		if !ok {
			out[name] = zeroValue(f.Kind)
			continue
		}
		v, err := decodeField(f, rv)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func decodeField(f Field, raw json.RawMessage) (any, error) {
	fail := func(err error) (any, error) {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "decode field %q: %s", f.Name, err.Error()).WithCause(err)
	}
	switch f.Kind {
	case KindMessages:
		var v []schema.Message
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case KindStrings:
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case KindBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case KindInt:
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case KindFloat:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case KindString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case KindMap:
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	}
}

// Equal compares two states field by field via their JSON encodings.
// Intended for tests and the resume transparency check.
func (s *Schema) Equal(a, b State) bool {
	ea, err1 := s.EncodeState(a)
	eb, err2 := s.EncodeState(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var ma, mb map[string]any
	if json.Unmarshal(ea, &ma) != nil || json.Unmarshal(eb, &mb) != nil {
		return false
	}
	return fmt.Sprint(ma) == fmt.Sprint(mb)
}
