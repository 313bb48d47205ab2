package stage

import (
	"fmt"
	"strings"
)

type templatePart interface {
	append(dst *strings.Builder, lookup func(key string) (string, error)) error
}

type literalPart string

type placeholderPart string

func (p literalPart) append(dst *strings.Builder, _ func(string) (string, error)) error {
	dst.WriteString(string(p))
	return nil
}

func (p placeholderPart) append(dst *strings.Builder, lookup func(string) (string, error)) error {
	v, err := lookup(string(p))
	if err != nil {
		return err
	}
	dst.WriteString(v)
	return nil
}

// Template is a compiled command or path template.
//
// Supported syntax:
//   - `{key}`: substituted through the lookup passed to Expand
//   - `{{`: a literal `{`
//   - `${...}`: passed through verbatim for the shell
type Template struct {
	src   string
	parts []templatePart
}

// Expand renders the template, resolving every placeholder with lookup.
func (t *Template) Expand(lookup func(key string) (string, error)) (string, error) {
	var b strings.Builder
	for _, part := range t.parts {
		if err := part.append(&b, lookup); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// Placeholders lists the keys referenced by the template, in order.
func (t *Template) Placeholders() []string {
	var keys []string
	for _, part := range t.parts {
		if p, ok := part.(placeholderPart); ok {
			keys = append(keys, string(p))
		}
	}
	return keys
}

// CompileTemplate parses a template string.
func CompileTemplate(template string) (*Template, error) {
	var parts []templatePart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, literalPart(lit.String()))
			lit.Reset()
		}
	}

	s := template
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "{{"):
			lit.WriteByte('{')
			s = s[2:]
		case strings.HasPrefix(s, "${"):
			end := strings.IndexByte(s, '}')
			if end == -1 {
				return nil, fmt.Errorf("unclosed shell expansion in %q", template)
			}
			lit.WriteString(s[:end+1])
			s = s[end+1:]
		case s[0] == '{':
			end := strings.IndexByte(s, '}')
			if end == -1 {
				return nil, fmt.Errorf("unclosed placeholder in %q", template)
			}
			key := strings.TrimSpace(s[1:end])
			if key == "" {
				return nil, fmt.Errorf("empty placeholder in %q", template)
			}
			flush()
			parts = append(parts, placeholderPart(key))
			s = s[end+1:]
		default:
			next := strings.IndexAny(s[1:], "{$")
			if next == -1 {
				lit.WriteString(s)
				s = ""
			} else {
				lit.WriteString(s[:next+1])
				s = s[next+1:]
			}
		}
	}
	flush()

	return &Template{src: template, parts: parts}, nil
}
