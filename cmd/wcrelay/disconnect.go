package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDisconnectCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "disconnect <topic>",
		Short: "Tear down a pairing, notifying the peer with USER_DISCONNECTED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := coreFromCmd(cmd)
			if err != nil {
				return err
			}
			defer core.Halt()

			if err := core.Pairing().Disconnect(cmd.Context(), args[0]); err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"topic": args[0], "disconnected": true})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "disconnected: true\ntopic: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
