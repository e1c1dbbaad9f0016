package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/relay/internal/transport/rpc"
)

func newSessionsCommand(opts *options) *cobra.Command {
	var rpcAddr string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions of a running relay",
	}
	cmd.PersistentFlags().StringVar(&rpcAddr, "rpc-addr", "", "admin RPC address (default from config)")

	newClient := func() (*rpc.Client, error) {
		addr := rpcAddr
		if addr == "" {
			cfg, err := opts.load()
			if err != nil {
				return nil, err
			}
			addr = cfg.RPCAddr
		}
		if addr == "" {
			return nil, fmt.Errorf("admin RPC is disabled; set RPC_ADDR or --rpc-addr")
		}
		return rpc.NewClient(addr), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			sessions, err := client.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMODEL\tCREATED")
			for _, s := range sessions {
				created := time.UnixMilli(s.CreatedAt).Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, s.Model, created)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <chat-id>",
		Short: "Show a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			reply, err := client.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %q  (%s)\n", reply.Session.ID, reply.Session.Title, reply.Session.Model)
			for _, t := range reply.Turns {
				role := string(t.Role)
				if t.ToolName != "" {
					role += ":" + t.ToolName
				}
				state := ""
				switch {
				case t.Partial.Interrupted:
					state = " [interrupted]"
				case !t.Partial.Complete:
					state = " [streaming]"
				}
				fmt.Fprintf(out, "\n#%d %s%s\n%s\n", t.ID, role, state, t.Content)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			if err := client.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	var olderThan time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Mark open turns older than --older-than as interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			closed, err := client.SweepStaleTurns(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed %d turns\n", closed)
			return nil
		},
	}
	sweep.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum age of an open turn")
	cmd.AddCommand(sweep)

	return cmd
}
