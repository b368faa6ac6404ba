package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPendingCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List fix requests waiting for acknowledgment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().Pending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no pending fix requests"))
				return nil
			}
			for _, p := range list {
				req := p.Request
				fmt.Fprintf(out, "%s %s/%s/%s %s\n",
					titleStyle.Render("●"), req.RunID, req.Phase, req.TaskID,
					mutedStyle.Render(fmt.Sprintf("attempt %d, waiting %s", req.Attempt, time.Since(p.ReceivedAt).Round(time.Second))))
				fmt.Fprintf(out, "    %s %s\n", failStyle.Render(string(req.Failure.Kind)), req.Failure.Message)
				for _, h := range req.Failure.Hints {
					fmt.Fprintf(out, "    - %s\n", h)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newAckCmd(opts *rootOptions) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "ack <run-id> <phase> <task-id>",
		Short: "Acknowledge a fix request so the task is re-run",
		Long: `Acknowledge that a fix was attempted for a failed task. The engine then
re-runs the task against the same input.

Examples:
  phaseflow ack run-42 build compile --note "bumped the toolchain"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Acknowledge(cmd.Context(), args[0], args[1], args[2], note); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s/%s\n", okStyle.Render("acknowledged"), args[0], args[1], args[2])
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "what was changed")
	return cmd
}
