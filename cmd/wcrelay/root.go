package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wcrelay",
		Short: "WalletConnect v2 pairing client over a relay WebSocket",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd)
			return err
		},
	}
	cmd.PersistentFlags().String("dir", defaultWcrelayDir(), "State directory (keychain, pairings, expiry, subscriptions)")
	cmd.PersistentFlags().String("relay-url", defaultRelayURL, "Relay WebSocket endpoint")
	cmd.PersistentFlags().String("config", "", "Optional config file (yaml/json/toml, read by viper)")
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")

	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newPairCmd())
	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newDisconnectCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}
