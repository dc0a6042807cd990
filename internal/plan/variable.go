package plan

import (
	"strings"
)

// Expand expands variable references in s using vars. Supported forms:
// $VAR, ${VAR}, ${VAR:-default}, ${VAR:+alternate}. $$ is a literal $.
// Undefined variables expand to the empty string.
func Expand(s string, vars map[string]string) (string, error) {
	return expand(s, vars, 0)
}

func expand(s string, vars map[string]string, depth int) (string, error) {
	if depth > MaxVariableExpansion {
		return "", ErrVariableExpansionLoop
	}

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		if s[i] != '$' {
			out.WriteByte(s[i])
			i++
			continue
		}

		if i+1 >= len(s) {
			// $ at end of string
			out.WriteByte('$')
			i++
			continue
		}

		switch next := s[i+1]; {
		case next == '$':
			out.WriteByte('$')
			i += 2

		case next == '{':
			end := strings.Index(s[i:], "}")
			if end == -1 {
				// unclosed brace, keep literal
				out.WriteByte('$')
				i++
				continue
			}
			end += i

			expanded, err := expandBrace(s[i+2:end], vars, depth)
			if err != nil {
				return "", err
			}
			out.WriteString(expanded)
			i = end + 1

		default:
			j := i + 1
			for j < len(s) && isNameByte(s[j]) {
				j++
			}
			if j == i+1 {
				// no variable name after $
				out.WriteByte('$')
				i++
				continue
			}

			if val, ok := vars[s[i+1:j]]; ok {
				expanded, err := expand(val, vars, depth+1)
				if err != nil {
					return "", err
				}
				out.WriteString(expanded)
			}
			i = j
		}
	}

	return out.String(), nil
}

// expandBrace handles the content between ${ and }.
func expandBrace(expr string, vars map[string]string, depth int) (string, error) {
	colon := strings.Index(expr, ":")
	if colon == -1 {
		if val, ok := vars[expr]; ok {
			return expand(val, vars, depth+1)
		}
		return "", nil
	}

	name := expr[:colon]
	val, set := vars[name]

	if colon+1 >= len(expr) {
		// ${VAR:} with nothing after the colon
		if set {
			return expand(val, vars, depth+1)
		}
		return "", nil
	}

	operand := expr[colon+2:]
	empty := !set || val == ""

	switch expr[colon+1] {
	case '-':
		// use operand when unset or empty
		if empty {
			return expand(operand, vars, depth+1)
		}
		return expand(val, vars, depth+1)

	case '+':
		// use operand when set and non-empty
		if !empty {
			return expand(operand, vars, depth+1)
		}
		return "", nil

	default:
		// unknown modifier, behave like plain ${VAR}
		if set {
			return expand(val, vars, depth+1)
		}
		return "", nil
	}
}

func isNameByte(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_'
}
