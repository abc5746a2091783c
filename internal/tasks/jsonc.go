package tasks

import (
	"encoding/json"
	"fmt"
)

// The task file is hand-edited, so the loader accepts JSON with //
// line comments and /* */ block comments. Parsing is a two-stage
// pipeline: strip comments and try strict JSON; on failure run a
// permissive normalization pass (trailing commas, single-quoted
// strings) and try strict JSON once more.

func decodeRelaxed(data []byte, v any) error {
	stripped := stripComments(data)
	if err := json.Unmarshal(stripped, v); err == nil {
		return nil
	}
	lenient := normalizeLenient(stripped)
	if err := json.Unmarshal(lenient, v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// stripComments removes // and /* */ comments outside string values.
// Newlines inside block comments are preserved so decoder error
// offsets still point near the offending line.
func stripComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	var (
		inString bool
		quote    byte
		inLine   bool
		inBlock  bool
		escaped  bool
	)
	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case inLine:
			if c == '\n' {
				inLine = false
				out = append(out, c)
			}
		case inBlock:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				inBlock = false
				i++
			} else if c == '\n' {
				out = append(out, c)
			}
		case inString:
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == quote {
				inString = false
			}
		default:
			if c == '"' || c == '\'' {
				inString = true
				quote = c
				out = append(out, c)
			} else if c == '/' && i+1 < len(src) && src[i+1] == '/' {
				inLine = true
				i++
			} else if c == '/' && i+1 < len(src) && src[i+1] == '*' {
				inBlock = true
				i++
			} else {
				out = append(out, c)
			}
		}
	}
	return out
}

// normalizeLenient rewrites common hand-editing slips into strict
// JSON: single-quoted strings become double-quoted and trailing commas
// before a closing bracket are dropped.
func normalizeLenient(src []byte) []byte {
	out := make([]byte, 0, len(src))
	var (
		inString bool
		quote    byte
		escaped  bool
	)
	for i := 0; i < len(src); i++ {
		c := src[i]

		if inString {
			if escaped {
				escaped = false
				if quote == '\'' && c == '\'' {
					// \' has no meaning in JSON; emit a bare quote.
					out = append(out, '\'')
					continue
				}
				out = append(out, '\\', c)
				continue
			}
			switch {
			case c == '\\':
				escaped = true
			case c == quote:
				inString = false
				out = append(out, '"')
			case c == '"' && quote == '\'':
				out = append(out, '\\', '"')
			default:
				out = append(out, c)
			}
			continue
		}

		switch c {
		case '"', '\'':
			inString = true
			quote = c
			out = append(out, '"')
		case ',':
			// Drop the comma if the next non-whitespace byte closes a
			// container.
			j := i + 1
			for j < len(src) && isJSONSpace(src[j]) {
				j++
			}
			if j < len(src) && (src[j] == '}' || src[j] == ']') {
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
