// Package cli implements the relay command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/relay/internal/config"
)

// options holds the global flags.
type options struct {
	configPath string
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

// NewRootCommand builds the relay command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Streaming chat relay",
		Long: `relay - streams chat completions enriched by search tools, recording
every increment before it is sent.

Commands:
  serve      Run the HTTP, WebSocket and admin RPC servers
  chat       Chat with a running relay over WebSocket
  sessions   List, show, delete or sweep sessions of a running relay
  seed       Create a sample chat in the configured store

Configuration comes from an optional YAML file (--config or $RELAY_CONFIG)
overridden by environment variables such as HTTP_PORT and STORE_DRIVER.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newSessionsCommand(opts),
		newSeedCommand(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
