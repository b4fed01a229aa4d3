package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs one ingestion pass and prints its summary",
		Long: `Discovers bulletins down to the configured cutoff year, processes each
one in its own transaction, and prints the run summary as JSON. The command
fails when discovery fails or a storage failure aborts the run; individual
bulletin failures are reported in the summary only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			summary, runErr := rt.app.RunOnce(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			if runErr != nil {
				return runErr
			}
			stored, err := rt.app.StoredRows(cmd.Context())
			if err != nil {
				rt.logger.Warn("count stored trades failed", zap.Error(err))
			}
			rt.logger.Info("run command finished",
				zap.String("run_id", summary.RunID),
				zap.Int("stored_rows", stored),
			)
			return nil
		},
	}
}
