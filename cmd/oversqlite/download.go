package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	downloadLimit       int
	downloadIncludeSelf bool
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Fetch and apply one page of server changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		res, err := cli.DownloadOnce(context.Background(), downloadLimit, downloadIncludeSelf, 0)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		fmt.Printf("applied=%d next_after=%d\n", res.Applied, res.NextAfter)
		return nil
	},
}

func init() {
	downloadCmd.Flags().IntVar(&downloadLimit, "limit", 0, "page size (0 = config default)")
	downloadCmd.Flags().BoolVar(&downloadIncludeSelf, "include-self", false, "also apply this device's own echoed changes")
}
