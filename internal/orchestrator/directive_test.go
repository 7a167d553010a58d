package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirective(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    Directive
		wantErr error
	}{
		{"no search", "NO_SEARCH", Directive{}, nil},
		{"marker form", "SEARCH: What is logarithms", Directive{Search: true, Query: "What is logarithms"}, nil},
		{"marker quoted", `SEARCH: "black holes"`, Directive{Search: true, Query: "black holes"}, nil},
		{"marker first line only", "SEARCH: tides\nand more text", Directive{Search: true, Query: "tides"}, nil},
		{"call double quotes", `search("logarithms")`, Directive{Search: true, Query: "logarithms"}, nil},
		{"call single quotes", `search( 'rust ownership' )`, Directive{Search: true, Query: "rust ownership"}, nil},
		{"call empty", `search('')`, Directive{Search: true}, ErrEmptyQuery},
		{"marker empty", "SEARCH:   ", Directive{Search: true}, ErrEmptyQuery},
		{"markup stripped", "<think>needs facts</think>\nSEARCH: moon landing", Directive{Search: true, Query: "moon landing"}, nil},
		{"prose", "The answer is 4.", Directive{}, nil},
		{"marker without colon", "SEARCHING the web", Directive{}, nil},
		{"empty", "", Directive{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDirective(tt.output)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirectivePending(t *testing.T) {
	pending := []string{"", "  \n", "S", "SEA", "SEARCH: x", "NO_", "NO_SEARCH", "sear", `search("q`, `ok search("q")`}
	for _, buf := range pending {
		assert.True(t, DirectivePending(buf), "%q", buf)
	}
	visible := []string{"H", "Hello", "No, that is", "Sure"}
	for _, buf := range visible {
		assert.False(t, DirectivePending(buf), "%q", buf)
	}
}

func TestPadPassages(t *testing.T) {
	assert.Equal(t, []string{SentinelPassage, SentinelPassage, SentinelPassage}, PadPassages(nil, 3))
	assert.Equal(t, []string{"a", "b", "c"}, PadPassages([]string{"a", "b", "c", "d"}, 3))
	assert.Equal(t, []string{"a", SentinelPassage}, PadPassages([]string{"a"}, 2))
}

func TestContextMessageShape(t *testing.T) {
	msg := ContextMessage("why?", []string{"one", "two", SentinelPassage})
	assert.Contains(t, msg, "QUESTION:\nwhy?\n\nSEARCH RESULTS:\n[1] one\n\n[2] two\n\n[3] "+SentinelPassage+"\n\n")
}
