// Package schema loads the externally supplied JSON Schema that declares the
// record fields a run extracts. The schema is parsed and validated once at
// startup and treated as read-only configuration from then on.
package schema

import (
	"bytes"
	"encoding/json"
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Field names become storage columns, so they are restricted to plain
// identifiers.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// FieldType is the JSON Schema type of a declared record field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field is one schema-declared record field.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Unique   bool
}

// Schema is the parsed, validated extraction schema: a top-level `records`
// array of objects with per-field types plus the x-unique-fields and required
// annotations the core consumes.
type Schema struct {
	fields   []Field
	byName   map[string]*Field
	src      []byte
	compiled *jsonschema.Schema
}

// Load reads and parses a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}
	return Parse(data)
}

// Parse validates the schema structure and compiles it for payload
// validation. Structural violations are fatal configuration errors: they
// invalidate every downstream stage, so they are raised before any document
// is processed.
func Parse(data []byte) (*Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "schema: parse")
	}

	props, _ := raw["properties"].(map[string]any)
	recordsDecl, ok := props["records"].(map[string]any)
	if !ok {
		return nil, eris.New("schema: top-level 'records' property is required")
	}
	if typ, _ := recordsDecl["type"].(string); typ != "array" {
		return nil, eris.New("schema: 'records' must be an array")
	}
	items, ok := recordsDecl["items"].(map[string]any)
	if !ok {
		return nil, eris.New("schema: 'records.items' object declaration is required")
	}
	if typ, _ := items["type"].(string); typ != "object" {
		return nil, eris.New("schema: 'records.items' must be an object")
	}
	itemProps, ok := items["properties"].(map[string]any)
	if !ok || len(itemProps) == 0 {
		return nil, eris.New("schema: 'records.items' declares no fields")
	}

	required := stringSet(items["required"])

	// x-unique-fields is accepted at the schema top level or inside
	// records.items; both placements appear in the wild.
	unique := stringSet(items["x-unique-fields"])
	for name := range stringSet(raw["x-unique-fields"]) {
		unique[name] = true
	}
	if len(unique) == 0 {
		return nil, eris.New("schema: x-unique-fields must be declared")
	}

	s := &Schema{
		src:    data,
		byName: make(map[string]*Field, len(itemProps)),
	}
	for _, name := range propertyOrder(data) {
		if !identPattern.MatchString(name) {
			return nil, eris.Errorf("schema: field name %q is not a valid column identifier", name)
		}
		decl, ok := itemProps[name].(map[string]any)
		if !ok {
			return nil, eris.Errorf("schema: field %q has no declaration", name)
		}
		typ, _ := decl["type"].(string)
		switch FieldType(typ) {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		default:
			return nil, eris.Errorf("schema: field %q has unsupported type %q", name, typ)
		}
		s.fields = append(s.fields, Field{
			Name:     name,
			Type:     FieldType(typ),
			Required: required[name],
			Unique:   unique[name],
		})
	}
	for i := range s.fields {
		s.byName[s.fields[i].Name] = &s.fields[i]
	}

	for name := range unique {
		if _, ok := s.byName[name]; !ok {
			return nil, eris.Errorf("schema: x-unique-fields names undeclared field %q", name)
		}
	}
	for name := range required {
		if _, ok := s.byName[name]; !ok {
			return nil, eris.Errorf("schema: required names undeclared field %q", name)
		}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("records.json", bytes.NewReader(data)); err != nil {
		return nil, eris.Wrap(err, "schema: add resource")
	}
	compiled, err := compiler.Compile("records.json")
	if err != nil {
		return nil, eris.Wrap(err, "schema: compile")
	}
	s.compiled = compiled

	return s, nil
}

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Field looks up a declared field by name.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return *f, true
}

// NumFields returns the number of declared record fields.
func (s *Schema) NumFields() int {
	return len(s.fields)
}

// FieldNames returns the declared field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// UniqueFields returns the x-unique-fields set in declaration order.
func (s *Schema) UniqueFields() []string {
	var names []string
	for _, f := range s.fields {
		if f.Unique {
			names = append(names, f.Name)
		}
	}
	return names
}

// RequiredFields returns the required fields in declaration order.
func (s *Schema) RequiredFields() []string {
	var names []string
	for _, f := range s.fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// IsMajorColumn reports whether a human edit to the column counts as major:
// the column is a unique or required field.
func (s *Schema) IsMajorColumn(name string) bool {
	f, ok := s.byName[name]
	return ok && (f.Unique || f.Required)
}

// JSON returns the schema source exactly as the author wrote it, for
// embedding into extraction prompts.
func (s *Schema) JSON() []byte {
	return s.src
}

// ValidatePayload checks an LLM response document against the compiled
// schema.
func (s *Schema) ValidatePayload(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "schema: parse payload")
	}
	if err := s.compiled.Validate(v); err != nil {
		return eris.Wrap(err, "schema: payload does not match schema")
	}
	return nil
}

func stringSet(v any) map[string]bool {
	out := make(map[string]bool)
	items, _ := v.([]any)
	for _, it := range items {
		if s, ok := it.(string); ok {
			out[s] = true
		}
	}
	return out
}
