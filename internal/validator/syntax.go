package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"

	"gopkg.in/yaml.v3"
)

// checkJSON parses data strictly.
func checkJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			line := 1 + bytes.Count(data[:min(int(syntaxErr.Offset), len(data))], []byte("\n"))
			return fmt.Errorf("invalid JSON at line %d: %v", line, err)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// checkYAML decodes every document in data.
func checkYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	}
}

// checkGo parses a Go source file.
func checkGo(path string, data []byte) error {
	if _, err := parser.ParseFile(token.NewFileSet(), path, data, parser.AllErrors); err != nil {
		return fmt.Errorf("invalid Go source: %w", err)
	}
	return nil
}

type opener struct {
	char byte
	line int
}

// checkBalance is a bracket balance heuristic for JavaScript and TypeScript.
// It skips comments and string contents and tracks template literals with
// ${} expressions. A quote with no partner before the end of its line is
// taken as plain text, which covers apostrophes and regex literals. JSX text
// after an opening tag is skipped up to the next '<', '{' or newline when jsx
// is set.
func checkBalance(src []byte, jsx bool) error {
	var stack []opener
	line := 1

	var (
		prev     byte // last significant byte outside strings and comments
		inTag    bool
		closing  bool
		tagDepth int
		jsxText  bool
	)

	top := func() byte {
		if len(stack) == 0 {
			return 0
		}
		return stack[len(stack)-1].char
	}

	for i := 0; i < len(src); i++ {
		c := src[i]

		// Inside template literal text
		if top() == '`' {
			switch {
			case c == '\\':
				if i+1 < len(src) && src[i+1] == '\n' {
					line++
				}
				i++
			case c == '`':
				stack = stack[:len(stack)-1]
				prev = c
			case c == '$' && i+1 < len(src) && src[i+1] == '{':
				stack = append(stack, opener{'$', line})
				i++
			case c == '\n':
				line++
			}
			continue
		}

		if jsxText {
			switch c {
			case '\n':
				jsxText = false
			case '<', '{':
				jsxText = false
			default:
				continue
			}
		}

		switch c {
		case '\n':
			line++
			continue
		case ' ', '\t', '\r':
			continue
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				for i < len(src) && src[i] != '\n' {
					i++
				}
				i-- // let the newline be counted
				continue
			} else if i+1 < len(src) && src[i+1] == '*' {
				start := line
				end := bytes.Index(src[i+2:], []byte("*/"))
				if end < 0 {
					return fmt.Errorf("unterminated block comment starting at line %d", start)
				}
				line += bytes.Count(src[i+2:i+2+end], []byte("\n"))
				i += 2 + end + 1
				continue
			}
		case '\'', '"':
			if j, ok := stringEnd(src, i); ok {
				i = j
			}
		case '<':
			if jsx && !inTag && startsTag(src, i, prev) {
				closing = i+1 < len(src) && src[i+1] == '/'
				if i+1 < len(src) && src[i+1] == '>' {
					// fragment
					i++
					jsxText = true
				} else {
					inTag = true
					tagDepth = len(stack)
				}
			}
		case '>':
			if inTag && len(stack) == tagDepth {
				inTag = false
				jsxText = !closing && src[i-1] != '/'
			}
		case '`', '(', '[', '{':
			stack = append(stack, opener{c, line})
		case ')', ']', '}':
			want := map[byte]byte{')': '(', ']': '[', '}': '{'}[c]
			t := top()
			if t == want || (c == '}' && t == '$') {
				stack = stack[:len(stack)-1]
				break
			}
			if t == 0 {
				return fmt.Errorf("unbalanced brackets: unexpected '%c' at line %d", c, line)
			}
			return fmt.Errorf("unbalanced brackets: '%c' at line %d does not close '%c' from line %d",
				c, line, displayOpener(t), stack[len(stack)-1].line)
		}
		prev = c
	}

	if len(stack) > 0 {
		o := stack[len(stack)-1]
		if o.char == '`' {
			return fmt.Errorf("unterminated template literal starting at line %d", o.line)
		}
		return fmt.Errorf("unbalanced brackets: '%c' opened at line %d is never closed", displayOpener(o.char), o.line)
	}
	return nil
}

// stringEnd returns the index of the quote closing the string opened at i,
// or false when the line ends first.
func stringEnd(src []byte, i int) (int, bool) {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			if j+1 < len(src) && src[j+1] == '\n' {
				return 0, false
			}
			j++
		case q:
			return j, true
		case '\n':
			return 0, false
		}
	}
	return 0, false
}

// startsTag reports whether the '<' at i opens a JSX element. A '<' after an
// identifier, number or closing bracket is a comparison or a type argument,
// unless the identifier is a keyword such as return.
func startsTag(src []byte, i int, prev byte) bool {
	if i+1 >= len(src) {
		return false
	}
	next := src[i+1]
	if !(next == '/' || next == '>' || isLetter(next)) {
		return false
	}
	if prev == ')' || prev == ']' {
		return false
	}
	if !isIdentByte(prev) {
		return true
	}
	return jsxKeywords[string(wordBefore(src, i))]
}

var jsxKeywords = map[string]bool{
	"return": true, "yield": true, "await": true, "case": true,
	"default": true, "else": true, "do": true,
}

// wordBefore returns the identifier ending just before i, ignoring blanks.
func wordBefore(src []byte, i int) []byte {
	end := i
	for end > 0 && (src[end-1] == ' ' || src[end-1] == '\t') {
		end--
	}
	start := end
	for start > 0 && isIdentByte(src[start-1]) {
		start--
	}
	return src[start:end]
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentByte(c byte) bool {
	return isLetter(c) || c >= '0' && c <= '9' || c == '_' || c == '$'
}

func displayOpener(c byte) byte {
	if c == '$' {
		return '{'
	}
	return c
}
