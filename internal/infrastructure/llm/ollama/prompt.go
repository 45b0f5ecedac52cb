package ollama

import (
	"fmt"
	"strings"
)

const (
	maxClassifySnippet = 2000
	maxRerankPassage   = 1500
)

func buildClassificationPrompt(text string, categories []string) string {
	snippet := truncateRunes(text, maxClassifySnippet)

	var allowed string
	if len(categories) > 0 {
		allowed = "category must be exactly one of: " + strings.Join(categories, ", ") + ".\n"
	}

	return `You classify short user questions for a knowledge base.
Return strict JSON object with keys:
category (string), confidence (number from 0 to 1).
` + allowed + `No markdown, no extra keys.

Question:
` + snippet
}

func buildRerankPrompt(query, passage string) string {
	return fmt.Sprintf(`Rate how well the passage answers the question.
Return strict JSON object {"score": number from 0 to 1}. No markdown, no extra keys.

Question:
%s

Passage:
%s
`, query, truncateRunes(passage, maxRerankPassage))
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
