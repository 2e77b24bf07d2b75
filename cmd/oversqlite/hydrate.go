package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var hydrateIncludeSelf bool

var hydrateCmd = &cobra.Command{
	Use:   "hydrate",
	Short: "Materialize an initial snapshot across pages under a stable window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		if err := cli.Hydrate(context.Background(), hydrateIncludeSelf, 0, true); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
		fmt.Println("hydrate complete")
		return nil
	},
}

func init() {
	hydrateCmd.Flags().BoolVar(&hydrateIncludeSelf, "include-self", false, "also apply this device's own echoed changes")
}
