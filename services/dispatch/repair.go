// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianTriage/services/llm"
)

// snippetRadius is how many bytes either side of a parse failure are kept
// in ParseError.Snippet.
const snippetRadius = 40

// RepairStage identifies which stage of the pipeline produced valid JSON.
type RepairStage int

const (
	// StageDirect parsed the extracted object unchanged.
	StageDirect RepairStage = iota + 1

	// StageStructural needed fences, comments, or commas fixed.
	StageStructural

	// StagePermissive needed unquoted keys or single quotes accepted.
	StagePermissive
)

// AllRepairStages lists the stages in pipeline order.
var AllRepairStages = []RepairStage{StageDirect, StageStructural, StagePermissive}

// String returns the stage name used in metrics.
func (s RepairStage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageStructural:
		return "structural"
	case StagePermissive:
		return "permissive"
	default:
		return "none"
	}
}

// ParseError reports model output that no repair stage could parse.
type ParseError struct {
	// Original is the extracted object text, or the full input when no
	// braces were found.
	Original string

	// Offset is the byte offset in Original of the first parse failure.
	Offset int64

	// Snippet is the text around Offset.
	Snippet string

	// Err is the error from the direct parse.
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output at offset %d near %q: %v", e.Offset, e.Snippet, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *ParseError) Unwrap() error { return e.Err }

// ErrorClass implements llm.Classified.
func (e *ParseError) ErrorClass() llm.ErrorClass { return llm.ClassParse }

var errNoObject = errors.New("no JSON object found")

// Repair recovers one JSON object from raw model text.
//
// # Description
//
// Runs three stages, stopping at the first that yields valid JSON:
//
//  1. Take the text between the first '{' and the last '}' and parse it.
//  2. Strip code fences and comments, drop trailing commas, and insert
//     missing commas between adjacent values, then parse.
//  3. Rewrite the cleaned text token by token: quote bare keys, convert
//     single-quoted strings, and quote bare scalars that are not already
//     JSON literals.
//
// Only syntax is repaired. Keys and values are passed through unchanged.
//
// # Inputs
//
//   - raw: Model output, possibly with prose or a fenced code block.
//
// # Outputs
//
//   - []byte: Valid JSON for one object.
//   - RepairStage: The stage that succeeded.
//   - error: *ParseError when every stage failed.
//
// # Example
//
//	body, stage, err := Repair("Sure! ```json\n{\"category\": \"work\",}\n```")
//	// body == `{"category": "work"}`, stage == StageStructural
func Repair(raw string) ([]byte, RepairStage, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return nil, 0, &ParseError{Original: raw, Snippet: snippetAt(raw, 0), Err: errNoObject}
	}
	extracted := raw[start : end+1]

	directErr := parseObject([]byte(extracted))
	if directErr == nil {
		return []byte(extracted), StageDirect, nil
	}

	cleaned := structuralRepair(extracted)
	if parseObject([]byte(cleaned)) == nil {
		return []byte(cleaned), StageStructural, nil
	}

	if body, err := permissiveRepair(cleaned); err == nil {
		return body, StagePermissive, nil
	}

	var offset int64
	var syntaxErr *json.SyntaxError
	if errors.As(directErr, &syntaxErr) {
		offset = syntaxErr.Offset
	}
	return nil, 0, &ParseError{
		Original: extracted,
		Offset:   offset,
		Snippet:  snippetAt(extracted, offset),
		Err:      directErr,
	}
}

// parseObject returns nil when b is a single JSON object.
func parseObject(b []byte) error {
	var obj map[string]any
	return json.Unmarshal(b, &obj)
}

func snippetAt(s string, offset int64) string {
	lo := int(offset) - snippetRadius
	if lo < 0 {
		lo = 0
	}
	hi := int(offset) + snippetRadius
	if hi > len(s) {
		hi = len(s)
	}
	if lo > hi {
		lo = hi
	}
	return s[lo:hi]
}

// =============================================================================
// Structural Repair
// =============================================================================

var fenceLine = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_-]*[ \t]*$")

// structuralRepair fixes syntax around values without touching them. String
// literals (double or single quoted) are copied verbatim.
func structuralRepair(s string) string {
	s = fenceLine.ReplaceAllString(s, "")
	s = stripComments(s)
	s = dropTrailingCommas(s)
	return insertMissingCommas(s)
}

// scanString copies the quoted literal starting at s[i] into b and returns
// the index just past its closing quote. Inside single quotes a doubled
// quote ('') is an escaped quote, as in YAML.
func scanString(s string, i int, b *strings.Builder) int {
	quote := s[i]
	b.WriteByte(quote)
	i++
	for i < len(s) {
		c := s[i]
		b.WriteByte(c)
		i++
		if c == '\\' && i < len(s) {
			b.WriteByte(s[i])
			i++
			continue
		}
		if c == quote {
			if quote == '\'' && i < len(s) && s[i] == '\'' {
				b.WriteByte(s[i])
				i++
				continue
			}
			break
		}
	}
	return i
}

// opensLiteral reports whether the quote at s[i] starts a string literal.
// An apostrophe inside a bare word, as in it's, does not.
func opensLiteral(s string, i int) bool {
	if s[i] == '"' {
		return true
	}
	return s[i] == '\'' && (i == 0 || !isWordByte(s[i-1]))
}

func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case (c == '"' || c == '\'') && opensLiteral(s, i):
			i = scanString(s, i, &b)
		case c == '/' && i+1 < len(s) && s[i+1] == '/' && (i == 0 || s[i-1] != ':'):
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += end + 4
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case (c == '"' || c == '\'') && opensLiteral(s, i):
			i = scanString(s, i, &b)
		case c == ',':
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				i++
				continue
			}
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// insertMissingCommas adds a comma where one value ends and the next starts
// with nothing but whitespace between them, e.g. `"a": 1 "b": 2`. Inside an
// object a bare word only starts a new entry when it is a key followed by a
// colon, so unquoted multi-word values stay whole.
func insertMissingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	var (
		prev    byte   // last significant byte emitted outside a literal
		gap     bool   // whitespace seen since prev
		objects []bool // open containers, true for objects
	)
	for i := 0; i < len(s); {
		c := s[i]
		if isSpace(c) {
			gap = true
			b.WriteByte(c)
			i++
			continue
		}

		literal := c == '"' || (c == '\'' && opensLiteral(s, i))
		inObject := len(objects) > 0 && objects[len(objects)-1]
		switch {
		case !endsValue(prev):
		case literal, c == '{', c == '[':
			b.WriteByte(',')
		case isWordByte(c) && (gap || !isWordByte(prev)):
			if !inObject || startsKey(s, i) {
				b.WriteByte(',')
			}
		}

		if literal {
			i = scanString(s, i, &b)
			prev = '"'
			gap = false
			continue
		}
		switch c {
		case '{', '[':
			objects = append(objects, c == '{')
		case '}', ']':
			if len(objects) > 0 {
				objects = objects[:len(objects)-1]
			}
		}
		b.WriteByte(c)
		prev = c
		i++
		gap = false
	}
	return b.String()
}

// startsKey reports whether a bare key followed by a colon starts at s[i].
// A colon followed by '/' belongs to a URL.
func startsKey(s string, i int) bool {
	j := i
	for j < len(s) && isWordByte(s[j]) {
		j++
	}
	for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
		j++
	}
	return j > i && j < len(s) && s[j] == ':' && (j+1 == len(s) || s[j+1] != '/')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '.' || c == '-' || c == '+'
}

func endsValue(c byte) bool {
	return c == '"' || c == '}' || c == ']' || isWordByte(c)
}

func isDelimiter(c byte) bool {
	return c == ',' || c == '}' || c == ']'
}

// =============================================================================
// Permissive Repair
// =============================================================================

var jsonNumber = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?$`)

// container is one open object or array during the permissive rewrite.
type container struct {
	object    bool
	expectKey bool
}

// permissiveRepair rewrites s token by token into JSON:
//
//	bare key            category      -> "category"
//	single-quoted text  'it''s fine'  -> "it's fine"
//	bare JSON literal   85, true      -> 85, true   (text kept as written)
//	other bare scalar   0123, see x   -> "0123", "see x"
//
// No value is reinterpreted: 1.10 stays 1.10 and 007 stays "007".
func permissiveRepair(s string) ([]byte, error) {
	var (
		b     strings.Builder
		stack []container
	)
	b.Grow(len(s) + 16)

	for i := 0; i < len(s); {
		c := s[i]
		var top *container
		if len(stack) > 0 {
			top = &stack[len(stack)-1]
		}

		switch {
		case isSpace(c):
			b.WriteByte(c)
			i++
		case c == '{' || c == '[':
			stack = append(stack, container{object: c == '{', expectKey: c == '{'})
			b.WriteByte(c)
			i++
		case c == '}' || c == ']':
			if top != nil {
				stack = stack[:len(stack)-1]
			}
			b.WriteByte(c)
			i++
		case c == ',' || c == ':':
			if top != nil && top.object {
				top.expectKey = c == ','
			}
			b.WriteByte(c)
			i++
		case c == '"':
			i = scanString(s, i, &b)
		case c == '\'':
			var lit strings.Builder
			i = scanString(s, i, &lit)
			b.WriteString(quoteJSON(decodeSingleQuoted(lit.String())))
		case top != nil && top.object && top.expectKey:
			j := i
			for j < len(s) && s[j] != ':' && !isSpace(s[j]) && !isDelimiter(s[j]) {
				j++
			}
			b.WriteString(quoteJSON(s[i:j]))
			i = j
		default:
			j := i
			for j < len(s) && s[j] != '\n' && !isDelimiter(s[j]) {
				j++
			}
			lit := strings.TrimRight(s[i:j], " \t\r")
			b.WriteString(bareScalar(lit))
			b.WriteString(s[i+len(lit) : j])
			i = j
		}
	}

	out := []byte(b.String())
	if err := parseObject(out); err != nil {
		return nil, err
	}
	return out, nil
}

// bareScalar keeps JSON literals as written and quotes everything else.
func bareScalar(lit string) string {
	switch {
	case lit == "true", lit == "false", lit == "null", jsonNumber.MatchString(lit):
		return lit
	default:
		return quoteJSON(lit)
	}
}

// decodeSingleQuoted returns the text of a single-quoted literal, quotes
// included in lit. Both \' and '' are escaped quotes.
func decodeSingleQuoted(lit string) string {
	body := lit[1:]
	if strings.HasSuffix(body, "'") {
		body = body[:len(body)-1]
	}

	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\'' && i+1 < len(body) && body[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == '\\' && i+1 < len(body):
			i++
			switch e := body[i]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'u':
				if i+4 < len(body) {
					if r, err := strconv.ParseUint(body[i+1:i+5], 16, 32); err == nil {
						b.WriteRune(rune(r))
						i += 4
						continue
					}
				}
				b.WriteString(`\u`)
			case '\'', '"', '\\', '/':
				b.WriteByte(e)
			default:
				b.WriteByte('\\')
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// quoteJSON encodes s as a JSON string without HTML escaping.
func quoteJSON(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
