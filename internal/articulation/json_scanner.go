// Package articulation is the parse boundary between free-form model text and
// the typed plans and reports the engine acts on. Nothing past this package
// branches on raw model output.
package articulation

import (
	"sort"
	"strings"
)

// findJSONCandidates returns every balanced top-level {...} span in s, in
// order of appearance. Braces inside JSON strings are ignored.
//
// Scanning bytes is safe for the ASCII delimiters involved: UTF-8 never
// encodes them inside a multi-byte sequence.
func findJSONCandidates(s string) []string {
	var (
		out      []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case escaped:
			escaped = false
		case inString:
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		case c == '"':
			// Quotes only matter inside an object; prose quotes would
			// otherwise swallow the braces that follow them.
			if depth > 0 {
				inString = true
			}
		case c == '{':
			if depth == 0 {
				start = i
			}
			depth++
		case c == '}' && depth > 0:
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// stripCodeFence removes a surrounding ```json ... ``` fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// jsonCandidates orders the texts worth decoding: the whole (unfenced) text
// first, then embedded objects largest first.
func jsonCandidates(raw string) []string {
	body := stripCodeFence(raw)
	out := []string{body}

	embedded := findJSONCandidates(body)
	sort.SliceStable(embedded, func(i, j int) bool { return len(embedded[i]) > len(embedded[j]) })
	for _, c := range embedded {
		if c != body {
			out = append(out, c)
		}
	}
	return out
}
