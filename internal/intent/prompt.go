package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/switchyard/internal/ollama"
)

const systemPromptTemplate = `You are a query router. Decide which retrieval engines can answer the user's question. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Engines:
- "VECTOR": semantic search over documents; definitions, explanations, policies, "what does X say about Y".
- "GRAPH": relationships between entities; ownership, dependencies, reporting lines, "how is X connected to Y".
- "QUANTITATIVE": numbers and aggregates over structured data; totals, counts, averages, trends, comparisons by period.

Rules:
- Return one intent per engine that could plausibly answer, best first.
- confidence is between 0 and 1; use values below 0.75 when unsure.
- alternative_engines lists engines to try if the chosen one fails, best first, never repeating the engine itself.`

// BuildPrompt constructs the Ollama chat messages for intent classification.
func BuildPrompt(query string, conversationSummary string) []ollama.Message {
	var sb strings.Builder
	sb.WriteString(systemPromptTemplate)

	if conversationSummary != "" {
		fmt.Fprintf(&sb, "\n\n[Conversation Summary]\n%s", conversationSummary)
	}

	return []ollama.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: query},
	}
}
