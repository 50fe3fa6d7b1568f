package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-interview/internal/schemas"
)

// ExtractJSONObject returns the outermost {...} object in text, tolerating
// markdown fences and prose around it.
func ExtractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", fmt.Errorf("%w: no object found", ErrMalformedResponse)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unterminated object", ErrMalformedResponse)
}

// DecodeObject extracts, schema-checks and unmarshals a collaborator payload.
func DecodeObject(text, schema string, out any) error {
	obj, err := ExtractJSONObject(text)
	if err != nil {
		return err
	}
	if schema != "" {
		if err := schemas.Validate(schema, []byte(obj)); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
