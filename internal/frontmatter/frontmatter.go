// Package frontmatter frames YAML metadata blocks inside markdown documents.
// Tickets and thread messages both use the same framing: an opening "---"
// line, YAML key-values, a closing "---" line, then the markdown body.
package frontmatter

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Split separates a document into its raw YAML block and markdown body.
// The conventional blank line between the closing delimiter and the body is
// consumed, so Render/Parse round-trip the body byte-exactly.
func Split(data []byte) (yamlBlock []byte, body string, err error) {
	text := string(data)
	if !strings.HasPrefix(text, delimiter+"\n") && text != delimiter {
		return nil, "", fmt.Errorf("document does not start with frontmatter delimiter")
	}
	rest := text[len(delimiter)+1:]
	idx := strings.Index(rest, "\n"+delimiter)
	if idx < 0 {
		return nil, "", fmt.Errorf("frontmatter not terminated")
	}
	yamlBlock = []byte(rest[:idx+1])
	tail := rest[idx+1+len(delimiter):]
	tail = strings.TrimPrefix(tail, "\n")
	tail = strings.TrimPrefix(tail, "\n")
	return yamlBlock, tail, nil
}

// Parse unmarshals the document's YAML block into out and returns the body.
// Unknown keys are tolerated (and dropped from out); callers that need them
// use ParseKeep.
func Parse(data []byte, out any) (body string, err error) {
	yamlBlock, body, err := Split(data)
	if err != nil {
		return "", err
	}
	if err := yaml.Unmarshal(yamlBlock, out); err != nil {
		return "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return body, nil
}

// ParseKeep is Parse plus a map of every key present in the YAML block, so
// writers can round-trip keys they do not model.
func ParseKeep(data []byte, out any) (body string, extra map[string]any, err error) {
	yamlBlock, body, err := Split(data)
	if err != nil {
		return "", nil, err
	}
	if err := yaml.Unmarshal(yamlBlock, out); err != nil {
		return "", nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	extra = map[string]any{}
	if err := yaml.Unmarshal(yamlBlock, &extra); err != nil {
		return "", nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	return body, extra, nil
}

// Render serializes meta as a YAML frontmatter block followed by body.
func Render(meta any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	buf.WriteString(delimiter + "\n")
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}
