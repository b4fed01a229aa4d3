package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Lists bulletin references without ingesting them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			refs, err := rt.app.Discover(cmd.Context())
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref.TradeDate.Format(bulletin.DateLayout), ref.DocumentURL)
			}
			return nil
		},
	}
}
