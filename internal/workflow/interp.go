package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*(?:\|\s*default:\s*'([^']*)')?\s*\}\}`)

// ErrUnresolvedVar marks a placeholder with no binding and no default.
type ErrUnresolvedVar struct {
	Name string
}

func (e *ErrUnresolvedVar) Error() string {
	return fmt.Sprintf("unresolved variable {{%s}}", e.Name)
}

// Interpolate resolves all placeholders in v against vars. A string that is
// exactly one placeholder resolves to the bound value with its type
// preserved; placeholders embedded in larger strings are stringified in
// place. Maps and slices are walked recursively.
func Interpolate(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			resolved, err := Interpolate(inner, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			resolved, err := Interpolate(inner, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// InterpolateArgs resolves a step's args map.
func InterpolateArgs(args map[string]any, vars map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	resolved, err := Interpolate(args, vars)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func interpolateString(s string, vars map[string]any) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A bare placeholder keeps the bound value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		name := s[matches[0][2]:matches[0][3]]
		value, ok := lookup(name, vars)
		if ok {
			return value, nil
		}
		if matches[0][4] >= 0 {
			return s[matches[0][4]:matches[0][5]], nil
		}
		return nil, &ErrUnresolvedVar{Name: name}
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		name := s[m[2]:m[3]]
		value, ok := lookup(name, vars)
		if !ok {
			if m[4] >= 0 {
				value = s[m[4]:m[5]]
			} else {
				return nil, &ErrUnresolvedVar{Name: name}
			}
		}
		sb.WriteString(stringify(value))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// lookup resolves a possibly dotted name against the variable map, descending
// through nested maps.
func lookup(name string, vars map[string]any) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	var cur any = vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
