package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(purgeOwnerCmd)
	purgeOwnerCmd.Flags().Bool("yes", false, "confirm the irreversible purge")
}

var purgeOwnerCmd = &cobra.Command{
	Use:   "purge-owner <owner-id>",
	Short: "Erase every session and checkpoint belonging to an owner",
	Long: `Erase every session and checkpoint belonging to an owner, including
archived copies. Purged sessions cannot be reopened. Requires --yes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to purge without --yes")
		}

		ctx := cmd.Context()
		s, err := openStack(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		purged, err := s.Manager.PurgeForOwner(ctx, args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d session(s) for owner %s\n", purged, args[0])
		return err
	},
}
