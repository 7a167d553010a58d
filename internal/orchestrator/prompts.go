package orchestrator

import (
	"fmt"
	"strings"
)

// DefaultAnswerSystemPrompt is the fixed system message of the answer track.
const DefaultAnswerSystemPrompt = `You are LunarStudio, a helpful AI assistant capable of answering questions and searching for information when needed.
Always provide structured, well formatted answers using # Heading, ## Subheading, **bold**, - lists and tables where they help.`

// DefaultDecisionSystemPrompt is the fixed system message of the decision track.
const DefaultDecisionSystemPrompt = `Decide if the USER_MSG requires external factual information.
If not, output: NO_SEARCH
If yes, output: SEARCH: <query>

Rules:
- The query must be an optimized, content rich query.
- Do not expand the query beyond the essential concept.
- Look at the history and any relevant chat already there.
- Example, USER: did you know about logarithms -> SEARCH: What is logarithms
- Only search if external information is needed. Never search for calculations or for reformatting a previous answer.
- Output exactly one line. Never answer the user.`

// SentinelPassage fills the context when retrieval returns fewer passages
// than are forwarded.
const SentinelPassage = "[No additional information available]"

// Apology is shown when a search directive carries no usable query.
const Apology = "I apologize, but I encountered an error processing your search request. Please try rephrasing your question."

// Stream markers framing search progress.
const (
	MarkerSearchOpen  = "<search>"
	MarkerSearchClose = "</search>"
	MarkerResultOpen  = "<result>"
	MarkerResultClose = "</result>"
)

// markerPreviewRunes bounds the passage preview streamed inside <result>.
const markerPreviewRunes = 100

// DecisionMessage is the decision-track user message for one turn.
func DecisionMessage(text string) string {
	return "USER_MSG: " + text
}

// DirectMessage wraps a question answered without retrieval.
func DirectMessage(question string) string {
	return `You must always answer in a clear, structured format.
Use headings, subheadings, bullet points, short paragraphs, and examples when appropriate.
Respond professionally and avoid long unstructured text.
User:
` + question
}

// ContextMessage embeds the question and exactly the given passages under
// the answer-with-results instructions.
func ContextMessage(question string, passages []string) string {
	var b strings.Builder
	b.WriteString(`Answer the question using the search results below only if they contain the answer.

INSTRUCTIONS:
- Synthesize information clearly and concisely.
- If the results do not contain the answer, say that no information was found and answer from what you know.
- Always answer in a clear, structured format with headings, bullet points and short paragraphs.
QUESTION:
`)
	b.WriteString(question)
	b.WriteString("\n\nSEARCH RESULTS:\n")
	for i, passage := range passages {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, passage)
	}
	return b.String()
}

// PadPassages truncates passages to n and pads with SentinelPassage so the
// answer prompt always has the same shape. Ranking order is preserved.
func PadPassages(passages []string, n int) []string {
	out := make([]string, 0, n)
	for _, p := range passages {
		if len(out) == n {
			break
		}
		out = append(out, p)
	}
	for len(out) < n {
		out = append(out, SentinelPassage)
	}
	return out
}

func preview(passage string) string {
	runes := []rune(passage)
	if len(runes) <= markerPreviewRunes {
		return passage
	}
	return string(runes[:markerPreviewRunes])
}
