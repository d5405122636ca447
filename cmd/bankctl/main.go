// Package main implements the bankctl CLI for manual operations against
// the bankd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the bankd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bankctl",
	Short: "CLI for bankd HTTP server operations",
	Long: `bankctl is a command-line interface for interacting with the bankd
HTTP server. It submits traces and feedback, searches patterns, and
checks server health.`,
	Version: version,
}

var (
	searchDomain string
	searchLimit  int

	feedbackScore     float64
	feedbackAutomated bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8900", "bankd server URL")

	searchCmd.Flags().StringVar(&searchDomain, "domain", "", "knowledge domain to search (required)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum results (0 uses the server default)")
	_ = searchCmd.MarkFlagRequired("domain")

	feedbackCmd.Flags().Float64Var(&feedbackScore, "score", 0, "outcome score in [0, 1]")
	feedbackCmd.Flags().BoolVar(&feedbackAutomated, "automated", false, "mark the feedback as machine-generated")
	_ = feedbackCmd.MarkFlagRequired("score")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(feedbackCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check bankd server health",
	RunE:  runHealth,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show bank totals",
	RunE:  runStats,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search patterns by semantic similarity",
	Long: `Search patterns in one knowledge domain by semantic similarity.

Examples:
  # Find valuation patterns
  bankctl search --domain equity "dcf model for industrials"

  # Cap the result count
  bankctl search --domain credit --limit 3 "spread widening"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var traceCmd = &cobra.Command{
	Use:   "trace [file]",
	Short: "Submit a reasoning trace from a JSON file or stdin",
	Long: `Submit a reasoning trace to the bank. The input is the JSON body of
POST /api/v1/traces.

Examples:
  # Submit from a file
  bankctl trace episode.json

  # Submit from stdin
  agent-run | bankctl trace -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrace,
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <request-id>",
	Short: "Submit outcome feedback for a request",
	Long: `Submit an outcome score for all patterns used by a request.

Examples:
  # The trade recommendation worked out
  bankctl feedback --score 1.0 req-2041

  # Automated backtest verdict
  bankctl feedback --score 0.2 --automated req-2041`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedback,
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// readBody consumes a successful response or formats a server error.
func readBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func postJSON(path string, body, out any) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := newClient(30 * time.Second).Post(serverURL+path, "application/json", bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to send request to %s%s: %w", serverURL, path, err)
	}
	return readBody(resp, out)
}

func getJSON(path string, out any) error {
	resp, err := newClient(30 * time.Second).Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to send request to %s%s: %w", serverURL, path, err)
	}
	return readBody(resp, out)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var health struct {
		Status string `json:"status"`
	}
	if err := getJSON("/health", &health); err != nil {
		return err
	}
	fmt.Printf("Server Status: %s\n", health.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats struct {
		TotalPatterns int  `json:"total_patterns"`
		TotalTraces   int  `json:"total_traces"`
		TotalFeedback int  `json:"total_feedback"`
		Stale         bool `json:"stale"`
	}
	if err := getJSON("/api/v1/stats", &stats); err != nil {
		return err
	}
	fmt.Printf("Patterns: %d\n", stats.TotalPatterns)
	fmt.Printf("Traces:   %d\n", stats.TotalTraces)
	fmt.Printf("Feedback: %d\n", stats.TotalFeedback)
	if stats.Stale {
		fmt.Println("(stats are stale, storage was unreachable)")
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("q", args[0])
	q.Set("domain", searchDomain)
	if searchLimit > 0 {
		q.Set("limit", strconv.Itoa(searchLimit))
	}

	var result struct {
		Results []struct {
			Pattern struct {
				ID           string   `json:"id"`
				TaskType     string   `json:"task_type"`
				ToolSequence []string `json:"tool_sequence"`
				RewardScore  float64  `json:"reward_score"`
				UsageCount   int      `json:"usage_count"`
			} `json:"pattern"`
			Similarity float32 `json:"similarity"`
		} `json:"results"`
	}
	if err := getJSON("/api/v1/patterns/search?"+q.Encode(), &result); err != nil {
		return err
	}

	if len(result.Results) == 0 {
		fmt.Println("No patterns found.")
		return nil
	}
	for _, r := range result.Results {
		fmt.Printf("%s  sim=%.3f  reward=%.3f  uses=%d  %s %v\n",
			r.Pattern.ID, r.Similarity, r.Pattern.RewardScore,
			r.Pattern.UsageCount, r.Pattern.TaskType, r.Pattern.ToolSequence)
	}
	return nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("no trace to submit")
	}

	var body json.RawMessage = content
	var result struct {
		TraceID string `json:"trace_id"`
		Created bool   `json:"created"`
		Note    string `json:"note"`
		Pattern *struct {
			ID string `json:"id"`
		} `json:"pattern"`
	}
	if err := postJSON("/api/v1/traces", body, &result); err != nil {
		return err
	}

	fmt.Printf("Trace: %s\n", result.TraceID)
	switch {
	case result.Pattern != nil && result.Created:
		fmt.Printf("Pattern created: %s\n", result.Pattern.ID)
	case result.Pattern != nil:
		fmt.Printf("Pattern blended: %s\n", result.Pattern.ID)
	case result.Note != "":
		fmt.Printf("No pattern: %s\n", result.Note)
	default:
		fmt.Println("No pattern extracted.")
	}
	return nil
}

func runFeedback(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"request_id": args[0],
		"score":      feedbackScore,
		"automated":  feedbackAutomated,
	}
	var result struct {
		FeedbackID      string `json:"feedback_id"`
		PatternsUpdated int    `json:"patterns_updated"`
	}
	if err := postJSON("/api/v1/feedback", body, &result); err != nil {
		return err
	}
	fmt.Printf("Feedback: %s\n", result.FeedbackID)
	fmt.Printf("Patterns updated: %d\n", result.PatternsUpdated)
	return nil
}
