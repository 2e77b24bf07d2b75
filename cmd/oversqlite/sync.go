package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncIncludeSelf bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload then download until caught up",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		summary, err := cli.SyncOnce(context.Background(), 0, syncIncludeSelf)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Printf("total=%d applied=%d conflict=%d invalid=%d tables=%d\n",
			summary.Total, summary.Applied, summary.Conflict, summary.Invalid, len(summary.TouchedTables))
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncIncludeSelf, "include-self", false, "also apply this device's own echoed changes")
}
