package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/switchyard/internal/aggregate"
	"github.com/kalambet/switchyard/internal/config"
	"github.com/kalambet/switchyard/internal/orchestrator"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question",
	Long: `Ask a question. The question is routed to the best-suited engine and
falls back to the others when that engine fails.

Examples:
  switchyard ask "What was revenue in 2023?" --tenant acme
  switchyard ask "Who reports to Dana?" --tenant acme --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		summary, _ := cmd.Flags().GetString("summary")
		asJSON, _ := cmd.Flags().GetBool("json")

		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return fmt.Errorf("question must not be empty")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/query", orchestrator.Request{
			Question:            question,
			TenantID:            tenant,
			ConversationSummary: summary,
		})
		if err != nil {
			return err
		}
		out, err := decodeResolution(resp)
		if err != nil {
			return err
		}
		if asJSON {
			return writeIndented(os.Stdout, out)
		}
		printResolution(os.Stdout, out)
		return nil
	},
}

func init() {
	askCmd.Flags().String("tenant", "default", "tenant the question belongs to")
	askCmd.Flags().String("summary", "", "summary of the conversation so far")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// printResolution renders a response for humans.
func printResolution(w io.Writer, r aggregate.Response) {
	status := string(r.Status)
	if r.CacheHit {
		status += " (cached)"
	}
	fmt.Fprintf(w, "%s\n", colorize(statusColor(string(r.Status)), status))
	if r.Answer != "" {
		fmt.Fprintf(w, "\n%s\n\n", r.Answer)
	}
	if r.EngineUsed != "" {
		fmt.Fprintf(w, "%s %s (confidence %.2f)\n", colorize(colorBold, "engine:"), r.EngineUsed, r.Confidence)
	}
	if len(r.EnginesTried) > 0 {
		tried := make([]string, len(r.EnginesTried))
		for i, k := range r.EnginesTried {
			tried[i] = string(k)
		}
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "tried:"), strings.Join(tried, ", "))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "%s %s: %s\n", colorize(colorBold, "error:"), r.Error, r.Message)
	}
	for _, f := range r.Errors {
		fmt.Fprintf(w, "  - %s attempt %d: %s %s\n", f.Engine, f.AttemptCount, f.Code, f.Message)
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "trace:"), r.TraceID)
}

// --- trace ---

var traceCmd = &cobra.Command{
	Use:   "trace <trace-id>",
	Short: "Show the execution record of a question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/traces/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var tr orchestrator.Trace
		if err := decodeJSON(resp, &tr); err != nil {
			return err
		}
		if asJSON {
			return writeIndented(os.Stdout, tr)
		}
		printTrace(os.Stdout, tr)
		return nil
	},
}

func init() {
	traceCmd.Flags().Bool("json", false, "print the raw JSON trace")
}

func printTrace(w io.Writer, tr orchestrator.Trace) {
	st := tr.State
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "trace:"), st.TraceID)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "question:"), tr.Query.Text)
	fmt.Fprintf(w, "%s %s  generation %d  iteration %d/%d\n", colorize(colorBold, "phase:"),
		colorize(statusColor(string(st.Phase)), string(st.Phase)), st.Generation, st.IterationCount, st.MaxIterations)
	if st.Termination != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "termination:"), st.Termination)
	}

	fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "tasks:"))
	for _, t := range tr.Tasks {
		line := fmt.Sprintf("  gen %d  %-12s %-10s attempt %d/%d", t.Generation, t.Engine,
			colorize(statusColor(string(t.Status)), string(t.Status)), t.AttemptCount, t.MaxAttempts)
		if t.Result != nil && t.Result.LatencyMS > 0 {
			line += fmt.Sprintf("  %dms", t.Result.LatencyMS)
		}
		if t.Error != nil {
			line += fmt.Sprintf("  %s: %s", t.Error.Kind, t.Error.Message)
		}
		fmt.Fprintln(w, line)
	}

	if tr.Response != nil {
		fmt.Fprintln(w)
		printResolution(w, *tr.Response)
	}
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry <trace-id>",
	Short: "Run a finished question again with fresh attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/traces/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		out, err := decodeResolution(resp)
		if err != nil {
			return err
		}
		printResolution(os.Stdout, out)
		return nil
	},
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if k.FromEnv {
				line += colorize(colorCyan, "  (from "+k.EnvVar+")")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
