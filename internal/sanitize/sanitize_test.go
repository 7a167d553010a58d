package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripMarkup(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no markup", "plain answer", "plain answer"},
		{"single block", "<think>x</think>answer", "answer"},
		{"leading newline after block", "<think>plan</think>\n\nanswer", "answer"},
		{"multiple blocks", "a<think>1</think>b<think>2</think>c", "abc"},
		{"unterminated tail", "visible<think>never closed", "visible"},
		{"unterminated only", "<think>never closed", ""},
		{"marker formed by removal", "<th<think>x</think>ink>hidden", ""},
		{"end marker alone is kept", "a</think>b", "a</think>b"},
		{"inner whitespace kept", "<think>x</think>  a  b ", "a  b "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripMarkup(tc.in))
		})
	}
}

func TestStripMarkupIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"<think>x</think>answer",
		"\n <think>a</think>\n<think>b",
		"<th<think>x</think>ink>y</think>z",
		"text <think> more </think> end <think>",
	}
	for _, in := range inputs {
		once := StripMarkup(in)
		assert.Equal(t, once, StripMarkup(once), "input %q", in)
	}
}

func TestStripMarkupUnterminatedKeepsPrefixOnly(t *testing.T) {
	raw := "the answer is 42<think>but maybe not"
	got := StripMarkup(raw)
	assert.Equal(t, "the answer is 42", got)
	assert.False(t, strings.Contains(got, StartMarker))
}

func TestHasOpenBlock(t *testing.T) {
	assert.False(t, HasOpenBlock("hello"))
	assert.True(t, HasOpenBlock("hello <think>pondering"))
	assert.False(t, HasOpenBlock("<think>done</think> hello"))
	assert.True(t, HasOpenBlock("<think>done</think> <think>again"))
}
