package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Drain the pending queue and apply server verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		summary, err := cli.UploadOnce(context.Background())
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		fmt.Printf("total=%d applied=%d conflict=%d invalid=%d materialize_error=%d\n",
			summary.Total, summary.Applied, summary.Conflict, summary.Invalid, summary.MaterializeError)
		return nil
	},
}
