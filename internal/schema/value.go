package schema

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/rotisserie/eris"
)

// Coerce normalizes a JSON-decoded value to the field's declared type.
// encoding/json yields float64 for every number, so integer fields are
// narrowed back to int64. Nil passes through: absent data stays absent.
func Coerce(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, eris.Errorf("schema: field %q expects string, got %T", f.Name, v)
		}
		return s, nil
	case TypeInteger:
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return nil, eris.Errorf("schema: field %q expects integer, got %v", f.Name, v)
		}
		return int64(n), nil
	case TypeNumber:
		n, ok := v.(float64)
		if !ok {
			return nil, eris.Errorf("schema: field %q expects number, got %T", f.Name, v)
		}
		return n, nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, eris.Errorf("schema: field %q expects boolean, got %T", f.Name, v)
		}
		return b, nil
	default: // array, object: kept structured, serialized at the storage layer
		return v, nil
	}
}

// EncodeForStorage converts a coerced field value to its database
// representation: booleans to 0/1, arrays and objects to JSON text, scalars
// unchanged. Nil maps to NULL.
func EncodeForStorage(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, eris.Errorf("schema: field %q holds %T, want bool", f.Name, v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case TypeArray, TypeObject:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrapf(err, "schema: serialize field %q", f.Name)
		}
		return string(data), nil
	default:
		return v, nil
	}
}

// DecodeFromStorage reverses EncodeForStorage for a value scanned from the
// database.
func DecodeFromStorage(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case TypeBoolean:
		switch b := v.(type) {
		case int64:
			return b != 0, nil
		case bool:
			return b, nil
		default:
			return nil, eris.Errorf("schema: field %q stored as %T, want 0/1", f.Name, v)
		}
	case TypeArray, TypeObject:
		s, ok := v.(string)
		if !ok {
			return nil, eris.Errorf("schema: field %q stored as %T, want JSON text", f.Name, v)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, eris.Wrapf(err, "schema: deserialize field %q", f.Name)
		}
		return out, nil
	case TypeInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		case string:
			parsed, err := strconv.ParseInt(n, 10, 64)
			return parsed, eris.Wrapf(err, "schema: field %q stored as %q", f.Name, n)
		default:
			return nil, eris.Errorf("schema: field %q stored as %T, want integer", f.Name, v)
		}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		default:
			return nil, eris.Errorf("schema: field %q stored as %T, want float", f.Name, v)
		}
	default:
		s, ok := v.(string)
		if !ok {
			return nil, eris.Errorf("schema: field %q stored as %T, want text", f.Name, v)
		}
		return s, nil
	}
}

// ColumnType maps a field type to its storage column type.
func ColumnType(t FieldType) string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeNumber:
		return "REAL"
	case TypeBoolean:
		return "INTEGER" // stored as 0/1
	default:
		return "TEXT" // string, array-as-JSON, object-as-JSON
	}
}
