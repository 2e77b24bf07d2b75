package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create metadata tables and install capture triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, fc, err := newClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		if err := cli.Bootstrap(context.Background(), fc.UserID, ""); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		fmt.Println("bootstrap complete")
		return nil
	},
}
