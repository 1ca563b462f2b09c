package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/espadas/internal/callstore"
	"github.com/MikeSquared-Agency/espadas/internal/feedback"
	"github.com/MikeSquared-Agency/espadas/internal/genai"
	"github.com/MikeSquared-Agency/espadas/internal/reconcile"
)

var callsLimit int

var feedbackCmd = &cobra.Command{
	Use:   "feedback CALL_ID",
	Short: "Generate and print the feedback report for a call",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeedback,
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "List recent provider calls, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runCalls,
}

func init() {
	callsCmd.Flags().IntVar(&callsLimit, "limit", 20, "Maximum number of calls to list")
}

func runFeedback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	calls := callstore.NewClient(cfg.VapiAPIURL, cfg.VapiAPIKey, cfg.BridgeRequestTimeout)
	rec, err := reconcile.New(calls).Reconcile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	gen := genai.New(cfg.GeminiURL, cfg.GeminiAPIKey, cfg.GeminiModel, 0)
	report, err := feedback.New(gen).RequestFeedback(cmd.Context(), rec)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runCalls(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	calls := callstore.NewClient(cfg.VapiAPIURL, cfg.VapiAPIKey, cfg.BridgeRequestTimeout)
	list, err := calls.ListCalls(cmd.Context(), callsLimit)
	if err != nil {
		return fmt.Errorf("list calls: %w", err)
	}
	return printJSON(list)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
