package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPairCmd() *cobra.Command {
	var activate bool
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "pair <wc-uri>",
		Short: "Accept a pairing proposal from its wc: URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := coreFromCmd(cmd)
			if err != nil {
				return err
			}
			defer core.Halt()

			rec, err := core.Pairing().Pair(cmd.Context(), args[0], activate)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "topic: %s\nactive: %v\nexpiry: %d\n", rec.Topic, rec.Active, rec.Expiry)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", true, "Activate the pairing immediately after accepting it")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
