// Package frontmatter splits YAML-fronted markdown files into their YAML
// header and markdown body. Workflows, tool specs, and bundles all share the
// format.
package frontmatter

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Split separates the frontmatter block from the body. The file must open
// with a "---" line; the header ends at the next "---" line.
func Split(content string) (header, body string, err error) {
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("no frontmatter block")
	}

	rest := trimmed[3:]
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter block")
	}

	header = rest[:end]
	body = rest[end+4:]
	body = strings.TrimPrefix(body, "\r\n")
	body = strings.TrimPrefix(body, "\n")
	return header, body, nil
}

// Parse splits content and unmarshals the header into out.
func Parse(content string, out interface{}) (body string, err error) {
	header, body, err := Split(content)
	if err != nil {
		return "", err
	}
	if err := yaml.Unmarshal([]byte(header), out); err != nil {
		return "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return body, nil
}
