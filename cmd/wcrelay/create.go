package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a pairing proposal and print its wc: URI",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := coreFromCmd(cmd)
			if err != nil {
				return err
			}
			defer core.Halt()

			rec, uri, err := core.Pairing().Create(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"topic":  rec.Topic,
					"uri":    uri,
					"expiry": rec.Expiry,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "topic: %s\nuri: %s\nexpiry: %d\n", rec.Topic, uri, rec.Expiry)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
