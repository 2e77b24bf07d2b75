package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local sync cursor and pending queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		summary, err := cli.PeekStatus(context.Background())
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		fmt.Printf("source_id=%s last_server_seq_seen=%d pending=%d apply_mode=%d\n",
			summary.SourceID, summary.LastServerSeqSeen, summary.PendingCount, summary.ApplyMode)
		return nil
	},
}
