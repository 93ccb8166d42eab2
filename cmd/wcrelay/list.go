package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted pairings",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := coreFromCmd(cmd)
			if err != nil {
				return err
			}
			defer core.Halt()

			records, err := core.Pairing().All(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "(no pairings)")
				return nil
			}
			for i, rec := range records {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "[%d] topic=%s active=%v expiry=%d\n", i+1, rec.Topic, rec.Active, rec.Expiry)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
