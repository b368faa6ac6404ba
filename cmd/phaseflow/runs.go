package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phaseflow/internal/monitor"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
)

func newPipelinesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List pipelines known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().Pipelines(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no pipelines loaded"))
				return nil
			}
			for _, p := range list {
				fmt.Fprintf(out, "%s %s\n", titleStyle.Render(p.Name), mutedStyle.Render(p.Description))
				fmt.Fprintf(out, "    phases: %v\n", p.Phases)
			}
			return nil
		},
	}
}

// parseInput reads the seed payload from a JSON literal or a file.
func parseInput(literal, file string) (orchestrator.Payload, error) {
	if literal != "" && file != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	data := []byte(literal)
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var p orchestrator.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return p, nil
}

// waitForRun polls until the run is terminal or ctx ends.
func waitForRun(ctx context.Context, client *monitor.Client, runID string, interval time.Duration) (runs.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := client.Run(ctx, runID)
		if err != nil {
			return run, err
		}
		if monitor.Terminal(run.Status) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runOutcome(run runs.Run) error {
	if run.Status != runs.StatusSucceeded {
		return fmt.Errorf("run %s %s", run.ID, run.Status)
	}
	return nil
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		input, inputFile, runID string
		wait, asJSON            bool
		interval                time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <pipeline>",
		Short: "Start a pipeline run",
		Long: `Submit a run of a pipeline with an optional seed payload.

Examples:
  phaseflow submit review --input '{"repo":"github.com/acme/api"}'
  phaseflow submit review --input-file seed.json --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parseInput(input, inputFile)
			if err != nil {
				return err
			}
			client := opts.client()
			id, err := client.Submit(cmd.Context(), args[0], runID, seed)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !wait {
				if asJSON {
					return writeJSON(out, map[string]string{"run_id": id})
				}
				fmt.Fprintf(out, "%s %s\n", okStyle.Render("submitted"), id)
				return nil
			}

			run, err := waitForRun(cmd.Context(), client, id, interval)
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(out, run); err != nil {
					return err
				}
			} else {
				printRun(out, run, nil)
			}
			return runOutcome(run)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "seed payload as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "file holding the seed payload")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().DurationVar(&interval, "poll", time.Second, "poll interval while waiting")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show one run, or list all runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				list, err := client.Runs(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("no runs"))
				}
				for _, r := range list {
					fmt.Fprintf(out, "%-36s %-16s %s\n", r.ID, r.Pipeline, monitor.StatusBadge(string(r.Status)))
				}
				return nil
			}

			run, err := client.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, run)
			}
			printRun(out, run, nil)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("cancel requested"), args[0])
			return nil
		},
	}
}

func newArtifactCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "artifact <run-id> <phase>",
		Short: "Print the artifact a phase produced",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().Artifact(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), a)
		},
	}
}
