package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSeedCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create a sample chat in the configured store",
		Long: `Creates a "Sample Chat" session with a system prompt and one finished
exchange. The store is opened directly, so stop a badger-backed server first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.db.Close()

			session, err := a.svc.SeedSampleChat(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", session.ID, session.Title)
			return nil
		},
	}
}
