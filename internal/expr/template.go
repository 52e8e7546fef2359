package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTemplate splits src on ${...} interpolation markers and parses
// each interpolated segment as an expression, so it only has to be
// done once per template regardless of how many times it is rendered.
func ParseTemplate(src string) (Template, error) {
	var parts []templatePart
	rest := src
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			parts = append(parts, templatePart{literal: rest})
			break
		}
		if start > 0 {
			parts = append(parts, templatePart{literal: rest[:start]})
		}
		end := matchingBrace(rest, start+2)
		if end < 0 {
			return Template{}, fmt.Errorf("unterminated ${...} in template")
		}
		inner := rest[start+2 : end]
		n, err := Parse(inner)
		if err != nil {
			return Template{}, fmt.Errorf("template expression %q: %w", inner, err)
		}
		parts = append(parts, templatePart{expr: n})
		rest = rest[end+1:]
	}
	return Template{parts: parts}, nil
}

func matchingBrace(s string, from int) int {
	depth := 1
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// RenderTemplate evaluates every interpolated segment of t against
// scope and concatenates the result with the literal text.
func RenderTemplate(t Template, scope map[string]any) (string, error) {
	var sb strings.Builder
	for _, part := range t.parts {
		if part.expr == nil {
			sb.WriteString(part.literal)
			continue
		}
		v, err := Eval(part.expr, scope)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(v))
	}
	return sb.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
