package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phaseflow/internal/monitor"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		interval time.Duration
		exit     bool
	)
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run in a live dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := monitor.NewModel(opts.client(), args[0], interval, exit)
			p := tea.NewProgram(model, tea.WithContext(cmd.Context()))
			final, err := p.Run()
			if err != nil {
				return fmt.Errorf("dashboard failed: %w", err)
			}
			if m, ok := final.(monitor.Model); ok && exit {
				printRun(cmd.OutOrStdout(), m.Run(), nil)
				return runOutcome(m.Run())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	cmd.Flags().BoolVar(&exit, "exit", false, "exit when the run finishes")
	return cmd
}
