// Package sanitize removes internal reasoning markup from model output.
package sanitize

import "strings"

const (
	// StartMarker opens a reasoning block.
	StartMarker = "<think>"
	// EndMarker closes a reasoning block.
	EndMarker = "</think>"
)

// StripMarkup deletes every <think>...</think> span, inclusive. A start marker
// without a matching end marker deletes everything from the marker to the end
// of the text. Leading spaces and newlines are trimmed once, after all spans
// are gone.
func StripMarkup(text string) string {
	for {
		start := strings.Index(text, StartMarker)
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], EndMarker)
		if end < 0 {
			text = text[:start]
			break
		}
		text = text[:start] + text[start+end+len(EndMarker):]
	}
	return strings.TrimLeft(text, " \t\r\n")
}

// HasOpenBlock reports whether text contains a start marker that is not yet
// closed. Streaming consumers use it to hold back partial reasoning.
func HasOpenBlock(text string) bool {
	start := strings.LastIndex(text, StartMarker)
	if start < 0 {
		return false
	}
	return !strings.Contains(text[start:], EndMarker)
}
