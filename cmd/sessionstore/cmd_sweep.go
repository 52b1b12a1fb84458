package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/sessionstore/pkg/config"
	"github.com/aixgo-dev/sessionstore/pkg/retention"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().String("shard", "", "process only shard i/n (overrides retention.shard)")
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and print the report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		shard := s.Config.Retention.Shard
		if v, _ := cmd.Flags().GetString("shard"); v != "" {
			if shard, err = config.ParseShard(v); err != nil {
				return err
			}
		}

		sched, err := s.Scheduler(retention.NewSweepContext(shard, nil))
		if err != nil {
			return err
		}
		report, err := sched.Sweep(ctx)
		if report != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "shard=%s %s\n", shard, report)
			for _, f := range report.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed: %v\n", f)
			}
		}
		if err != nil {
			return err
		}
		return report.Err()
	},
}
