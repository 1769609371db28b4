// Package parser extracts code and JSON payloads from oracle responses,
// which are free-form markdown that may wrap the payload in code fences.
package parser

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// CodeBlock is one fenced code block from a markdown document.
type CodeBlock struct {
	Language string
	Content  string
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// CodeBlocks returns the fenced code blocks of a markdown document in order.
func CodeBlocks(markdown string) []CodeBlock {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var blocks []CodeBlock
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var buf bytes.Buffer
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		blocks = append(blocks, CodeBlock{
			Language: string(fenced.Language(source)),
			Content:  buf.String(),
		})
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// ExtractCode returns file contents from an oracle response. A response
// consisting of a fenced block (optionally surrounded by prose) yields the
// largest block's body; anything else is returned unchanged.
func ExtractCode(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.Contains(trimmed, "```") && !strings.Contains(trimmed, "~~~") {
		return response
	}

	blocks := CodeBlocks(trimmed)
	if len(blocks) == 0 {
		return response
	}

	best := blocks[0]
	for _, b := range blocks[1:] {
		if len(b.Content) > len(best.Content) {
			best = b
		}
	}
	return best.Content
}

// ExtractJSON finds a JSON object in an oracle response. It prefers a
// json-tagged (or untagged) fenced block, then falls back to the span between
// the first '{' and the last '}'. Line comments and trailing commas are
// removed when the raw candidate is not valid JSON. Returns "" when no object
// is found.
func ExtractJSON(response string) string {
	for _, b := range CodeBlocks(response) {
		lang := strings.ToLower(b.Language)
		if lang != "" && lang != "json" && lang != "jsonc" {
			continue
		}
		if candidate := objectSpan(b.Content); candidate != "" {
			return clean(candidate)
		}
	}

	candidate := objectSpan(response)
	if candidate == "" {
		return ""
	}
	return clean(candidate)
}

func objectSpan(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func clean(raw string) string {
	if json.Valid([]byte(raw)) {
		return raw
	}

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment that is outside a JSON string.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
