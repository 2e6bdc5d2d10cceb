// Package protocol implements the embedded command codec. Generated text
// carries zero or more bracketed tokens of the form
//
//	[SEARCH_SLOTS service:"haircut", date:tomorrow, staff:[maria,alex]]
//
// interleaved with prose. This package is the only component aware of the
// token syntax: it extracts invocations in order of appearance and strips
// token spans out of the sender-visible reply.
package protocol

import (
	"strings"
)

// Span is the byte range a token occupied in the generated text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Param is one ordered key/value parameter. List is set instead of Value
// for bracketed list values.
type Param struct {
	Key   string   `json:"key"`
	Value string   `json:"value,omitempty"`
	List  []string `json:"list,omitempty"`
}

// Invocation is a parsed command token.
type Invocation struct {
	Name   string  `json:"name"`
	Params []Param `json:"params,omitempty"`
	Span   Span    `json:"span"`
}

// Get returns the scalar value for key, preserving first-wins semantics.
func (inv Invocation) Get(key string) (string, bool) {
	for _, p := range inv.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// GetList returns the list value for key.
func (inv Invocation) GetList(key string) ([]string, bool) {
	for _, p := range inv.Params {
		if p.Key == key {
			return p.List, true
		}
	}
	return nil, false
}

// ParamMap flattens scalar params into a map (lists joined with commas).
// Order is lost; use Params when order matters.
func (inv Invocation) ParamMap() map[string]string {
	m := make(map[string]string, len(inv.Params))
	for _, p := range inv.Params {
		if p.List != nil {
			m[p.Key] = strings.Join(p.List, ",")
		} else {
			m[p.Key] = p.Value
		}
	}
	return m
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// Parse scans text left-to-right and returns every well-formed command
// token in order of appearance. Malformed tokens are skipped in place; a
// bad token never discards the rest of the message.
func Parse(text string) []Invocation {
	var out []Invocation
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		inv, end, ok := parseToken(text, i)
		if !ok {
			continue // leave the raw '[' alone, keep scanning
		}
		out = append(out, inv)
		i = end - 1
	}
	return out
}

// Strip removes every well-formed token span, leaving surrounding prose
// intact. Stripping runs to a fixpoint, so stripping an already-stripped
// text is a no-op. Each pass removes at least one token and strictly
// shrinks the text, so the loop terminates.
func Strip(text string) string {
	for {
		invs := Parse(text)
		if len(invs) == 0 {
			return text
		}
		var b strings.Builder
		b.Grow(len(text))
		prev := 0
		for _, inv := range invs {
			b.WriteString(text[prev:inv.Span.Start])
			prev = inv.Span.End
		}
		b.WriteString(text[prev:])
		text = b.String()
	}
}

// parseToken parses one token starting at the '[' at offset start. Returns
// ok=false for anything malformed: wrong name shape, unterminated bracket
// or quote, or broken parameter syntax.
func parseToken(text string, start int) (Invocation, int, bool) {
	i := start + 1

	// Name: uppercase and underscores, at least one character; digits are
	// tolerated after the first.
	nameStart := i
	for i < len(text) && isNameChar(text[i]) {
		i++
	}
	if i == nameStart || !isNameLead(text[nameStart]) {
		return Invocation{}, 0, false
	}
	name := text[nameStart:i]

	inv := Invocation{Name: name}

	i = skipSpaces(text, i)
	if i < len(text) && text[i] == ']' {
		inv.Span = Span{Start: start, End: i + 1}
		return inv, i + 1, true
	}

	for {
		if i >= len(text) {
			return Invocation{}, 0, false // unterminated
		}

		param, next, ok := parseParam(text, i)
		if !ok {
			return Invocation{}, 0, false
		}
		inv.Params = append(inv.Params, param)
		i = skipSpaces(text, next)

		if i >= len(text) {
			return Invocation{}, 0, false
		}
		switch text[i] {
		case ']':
			inv.Span = Span{Start: start, End: i + 1}
			return inv, i + 1, true
		case ',':
			i = skipSpaces(text, i+1)
		default:
			return Invocation{}, 0, false
		}
	}
}

// parseParam parses one key:value pair starting at offset i.
func parseParam(text string, i int) (Param, int, bool) {
	keyStart := i
	for i < len(text) && isKeyChar(text[i]) {
		i++
	}
	if i == keyStart || i >= len(text) || text[i] != ':' {
		return Param{}, 0, false
	}
	key := text[keyStart:i]
	i++ // consume ':'

	if i >= len(text) {
		return Param{}, 0, false
	}

	switch text[i] {
	case '"':
		end := strings.IndexByte(text[i+1:], '"')
		if end < 0 {
			return Param{}, 0, false // unterminated quote
		}
		value := text[i+1 : i+1+end]
		return Param{Key: key, Value: value}, i + end + 2, true

	case '[':
		end := strings.IndexByte(text[i+1:], ']')
		if end < 0 {
			return Param{}, 0, false // unterminated list
		}
		raw := text[i+1 : i+1+end]
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
		return Param{Key: key, List: items}, i + end + 2, true

	default:
		valueStart := i
		for i < len(text) && isBareChar(text[i]) {
			i++
		}
		if i == valueStart {
			return Param{}, 0, false
		}
		return Param{Key: key, Value: text[valueStart:i]}, i, true
	}
}

func skipSpaces(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
		i++
	}
	return i
}

func isNameChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func isNameLead(c byte) bool {
	return c >= 'A' && c <= 'Z'
}

func isKeyChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') || c == '_' || c == '-'
}

// isBareChar accepts characters of an unquoted scalar value: anything up to
// a separator, bracket or whitespace.
func isBareChar(c byte) bool {
	switch c {
	case ',', ']', '[', '"', ' ', '\t', '\n', '\r':
		return false
	}
	return true
}
