package orchestrator

import (
	"errors"
	"regexp"
	"strings"

	"LunarStudio/internal/sanitize"
)

// ErrEmptyQuery is returned when a search directive carries no query.
var ErrEmptyQuery = errors.New("orchestrator: search directive has an empty query")

const (
	// NoSearchMarker is the decision output meaning no retrieval is needed.
	NoSearchMarker = "NO_SEARCH"
	// SearchMarker opens a search directive: "SEARCH: <query>".
	SearchMarker = "SEARCH"
)

// callPattern matches the call form, search("query") or search('query').
var callPattern = regexp.MustCompile(`^search\s*\(\s*["']([^"']*)["']\s*\)`)

// Directive is the parsed output of the decision track.
type Directive struct {
	Search bool
	Query  string
}

// ParseDirective reads the first line of a decision output. Anything that is
// not a recognised search directive means no retrieval. A recognised
// directive with a blank query returns ErrEmptyQuery.
func ParseDirective(output string) (Directive, error) {
	line := strings.TrimSpace(sanitize.StripMarkup(output))
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	if m := callPattern.FindStringSubmatch(line); m != nil {
		return searchDirective(m[1])
	}

	if strings.HasPrefix(line, NoSearchMarker) || !strings.HasPrefix(line, SearchMarker) {
		return Directive{}, nil
	}

	rest := strings.TrimSpace(line[len(SearchMarker):])
	if !strings.HasPrefix(rest, ":") {
		// "SEARCHING..." or similar prose is not a directive.
		return Directive{}, nil
	}
	return searchDirective(strings.TrimPrefix(rest, ":"))
}

func searchDirective(query string) (Directive, error) {
	query = strings.Trim(strings.TrimSpace(query), `"'`)
	query = strings.TrimSpace(query)
	if query == "" {
		return Directive{Search: true}, ErrEmptyQuery
	}
	return Directive{Search: true, Query: query}, nil
}

// DirectivePending is the decision track's suppression predicate. It holds
// back output while it is, or may still become, a directive.
func DirectivePending(buffer string) bool {
	if strings.Contains(buffer, "search(") {
		return true
	}
	trimmed := strings.TrimLeft(buffer, " \t\r\n")
	if trimmed == "" {
		return true
	}
	for _, marker := range []string{NoSearchMarker, SearchMarker, "search("} {
		if strings.HasPrefix(trimmed, marker) || strings.HasPrefix(marker, trimmed) {
			return true
		}
	}
	return false
}
