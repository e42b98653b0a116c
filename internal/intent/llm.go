package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/switchyard/internal/ollama"
)

const classificationTimeout = 5 * time.Second

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// LLMClassifier asks a local LLM which engines fit a query.
type LLMClassifier struct {
	client OllamaChatter
	model  string
	opts   Options
}

// NewLLMClassifier creates a classifier using the given Ollama client and model name.
func NewLLMClassifier(client OllamaChatter, model string, opts Options) *LLMClassifier {
	return &LLMClassifier{client: client, model: model, opts: opts.withDefaults()}
}

type llmOutput struct {
	Intents []Intent `json:"intents"`
}

// Classify returns the model's intents. On any failure (timeout, malformed
// JSON, no usable intent, Ollama error) it returns the fallback classification.
func (c *LLMClassifier) Classify(ctx context.Context, text, summary string) Classification {
	if text == "" {
		return c.opts.Fallback("empty query")
	}

	ctx, cancel := context.WithTimeout(ctx, classificationTimeout)
	defer cancel()

	raw, err := c.client.Chat(ctx, c.model, BuildPrompt(text, summary), intentSchema())
	if err != nil {
		slog.Warn("intent classification chat failed", "error", err)
		return c.opts.Fallback(fmt.Sprintf("classifier unavailable: %v", err))
	}

	var out llmOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("failed to unmarshal intents from LLM response", "error", err, "response", raw)
		return c.opts.Fallback("malformed classifier output")
	}

	cls, ok := c.opts.finalize(out.Intents)
	if !ok {
		slog.Warn("LLM response contained no usable intent", "response", raw)
		return c.opts.Fallback("no usable intent in classifier output")
	}
	return cls
}

// intentSchema returns the Ollama JSON schema for structured intent output.
func intentSchema() *ollama.Schema {
	engines := []string{"VECTOR", "GRAPH", "QUANTITATIVE"}
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"intents": {
				Type:        "array",
				Description: "Candidate engines, best first",
				Items: &ollama.SchemaProperty{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"engine":     {Type: "string", Enum: engines},
						"confidence": {Type: "number", Description: "How well the engine fits the query, 0 to 1"},
						"alternative_engines": {
							Type:  "array",
							Items: &ollama.SchemaProperty{Type: "string", Enum: engines},
						},
						"reasoning": {Type: "string"},
					},
					Required: []string{"engine", "confidence", "alternative_engines"},
				},
			},
		},
		Required: []string{"intents"},
	}
}
