package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs ingestion on a schedule and serves the ops HTTP endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			return rt.app.Serve(cmd.Context())
		},
	}
	cmd.Flags().Bool("run-on-start", false, "start an ingestion run immediately")
	return cmd
}
