// Package codec turns free-form agent replies into typed structured messages.
//
// Agent output is an untrusted wire format: the JSON object we need may be
// wrapped in prose, fenced in a code block, or prefixed with a label line.
// Extraction collects candidate start offsets, expands each with a
// brace-balanced quote-aware scan, and the decoder returns the first
// candidate that both parses and validates.
package codec

import (
	"strings"
)

// labelMarkers are prefixes agents commonly put in front of the payload
// ("REPORT:", "PLAN", ...). Matching is case-insensitive per line.
var labelMarkers = []string{"PLAN", "REPORT", "REVIEW", "DECISION", "DIGEST", "BLUEPRINT"}

// Candidates returns syntactically complete top-level JSON object substrings
// of text, in extraction-priority order: fenced code blocks, label markers,
// then the first object start anywhere in the text.
func Candidates(text string) []string {
	var out []string
	seen := make(map[int]bool)

	add := func(start int) {
		if start < 0 || seen[start] {
			return
		}
		seen[start] = true
		if obj, ok := scanObject(text, start); ok {
			out = append(out, obj)
		}
	}

	for _, start := range fencedStarts(text) {
		add(start)
	}
	for _, start := range labeledStarts(text) {
		add(start)
	}
	add(strings.IndexByte(text, '{'))

	return out
}

// fencedStarts finds the first object start inside every fenced code block.
func fencedStarts(text string) []int {
	var starts []int
	rest := text
	base := 0
	for {
		open := strings.Index(rest, "```")
		if open == -1 {
			break
		}
		// Skip the info string (e.g. ```json) to the end of the line.
		bodyStart := open + 3
		if nl := strings.IndexByte(rest[bodyStart:], '\n'); nl != -1 {
			bodyStart += nl + 1
		}
		close := strings.Index(rest[bodyStart:], "```")
		if close == -1 {
			// Unterminated fence: treat the remainder as the block body.
			close = len(rest) - bodyStart
		}
		body := rest[bodyStart : bodyStart+close]
		if brace := strings.IndexByte(body, '{'); brace != -1 {
			starts = append(starts, base+bodyStart+brace)
		}
		advance := bodyStart + close + 3
		if advance > len(rest) {
			advance = len(rest)
		}
		base += advance
		rest = rest[advance:]
	}
	return starts
}

// labeledStarts finds object starts following a known label marker at the
// beginning of a line.
func labeledStarts(text string) []int {
	var starts []int
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		for _, marker := range labelMarkers {
			if !strings.HasPrefix(upper, marker) {
				continue
			}
			// The object may sit on the same line after the marker, or on a
			// following line; search from just past the marker.
			from := offset + (len(line) - len(trimmed)) + len(marker)
			if brace := strings.IndexByte(text[from:], '{'); brace != -1 {
				starts = append(starts, from+brace)
			}
			break
		}
		offset += len(line) + 1
	}
	return starts
}

// scanObject extracts a balanced {...} substring beginning at start,
// respecting string literals and escaped quotes.
func scanObject(text string, start int) (string, bool) {
	if start < 0 || start >= len(text) || text[start] != '{' {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	return "", false
}
