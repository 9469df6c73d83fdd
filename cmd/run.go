package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newRunCmd creates the 'run' subcommand: a one-shot ingestion pass.
func newRunCmd() *cobra.Command {
	var sourceName string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ingestion once and exit",
		Long: `Executes a single ingestion pass. By default every source that is
due is scheduled and run; with --source a specific source is run
immediately under a fresh manual run key.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.RunSource(cmd.Context(), sourceName); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run ingestion: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceName, "source", "", "run only this source, ignoring its schedule")
	return cmd
}
