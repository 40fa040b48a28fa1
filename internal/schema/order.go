package schema

import (
	"bytes"
	"encoding/json"
)

// propertyOrder extracts the declaration order of records.items.properties
// from the raw schema bytes. encoding/json maps lose key order, but column
// layout and prompt rendering should follow the schema author's ordering, so
// the order is recovered with a token scan. Returns nil on any structural
// surprise; Parse has already validated the structure by the time real input
// reaches here.
func propertyOrder(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))

	// Walk: {... "properties": {... "records": {... "items": {...
	// "properties": { <keys in order> }}}}.
	if !seekKey(dec, "properties") || !seekKey(dec, "records") ||
		!seekKey(dec, "items") || !seekKey(dec, "properties") {
		return nil
	}

	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}

	var names []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil
		}
		names = append(names, key)
		if !skipValue(dec) {
			return nil
		}
	}
	return names
}

// seekKey advances the decoder into the object value of the next occurrence
// of key at the current nesting level.
func seekKey(dec *json.Decoder, key string) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return false
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return false
		}
		k, ok := keyTok.(string)
		if !ok {
			return false
		}
		if k == key {
			return true
		}
		if !skipValue(dec) {
			return false
		}
	}
	return false
}

// skipValue consumes the next complete JSON value.
func skipValue(dec *json.Decoder) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	if _, ok := tok.(json.Delim); !ok {
		return true // scalar
	}
	depth := 1
	for depth > 0 {
		tok, err = dec.Token()
		if err != nil {
			return false
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return true
}
