package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

const warmUpTimeout = 30 * time.Second

// EnsureReady checks that Ollama answers and that model is present, pulling
// it with progress written to w when missing. The model is then loaded with
// a throwaway chat so the first classification is not a cold start. Only an
// unreachable server or a failed pull is an error; a failed warm-up is
// reported to w and ignored.
func EnsureReady(ctx context.Context, c *Client, model string, w io.Writer) error {
	v, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("Ollama is not running at %s: %w", c.baseURL, err)
	}
	fmt.Fprintf(w, "ollama %s at %s\n", v, c.baseURL)

	present, err := c.HasModel(ctx, model)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	if !present {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		last := ""
		err := c.PullModel(ctx, model, func(p PullProgress) {
			switch {
			case p.Total > 0:
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
			case p.Status != last:
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
			last = p.Status
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", model)

	warmCtx, cancel := context.WithTimeout(ctx, warmUpTimeout)
	defer cancel()
	if _, err := c.Chat(warmCtx, model, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
	}
	return nil
}
