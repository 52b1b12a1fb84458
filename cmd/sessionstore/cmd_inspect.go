package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(inspectCmd, historyCmd)
	inspectCmd.Flags().Bool("json", false, "print JSON")
	historyCmd.Flags().Bool("json", false, "print JSON")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Show session metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		meta, err := s.Manager.SessionMetadata(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd, meta)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", meta.ID)
		fmt.Fprintf(w, "OWNER\t%s\n", meta.OwnerID)
		fmt.Fprintf(w, "STATUS\t%s\n", meta.Status)
		fmt.Fprintf(w, "CREATED\t%s\n", meta.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "LAST ACTIVITY\t%s\n", meta.LastActivityAt.Format(time.RFC3339))
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "List the checkpoints of a session, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		infos, err := s.Manager.History(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd, infos)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tPARENT\tCOMMITTED\tSIZE")
		for _, info := range infos {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\n", info.Version, info.ParentVersion, info.CommittedAt.Format(time.RFC3339), info.Size)
		}
		return w.Flush()
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
