package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPingCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "ping <topic>",
		Short: "Send wc_pairingPing to an active pairing and wait for the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := coreFromCmd(cmd)
			if err != nil {
				return err
			}
			defer core.Halt()

			if err := core.Pairing().Ping(cmd.Context(), args[0]); err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"topic": args[0], "ok": true})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: true\ntopic: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
