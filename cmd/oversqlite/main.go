// Command oversqlite is a demo operator CLI around the oversqlite library:
// bootstrap a database, run one-shot sync verbs, or watch interactively.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anthropics/oversqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "oversqlite",
	Short:         "Operate an oversqlite client database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "oversqlite.toml", "path to the TOML config file")

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(hydrateCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newClient loads the config file and opens the Client it describes.
func newClient() (*oversqlite.Client, *fileConfig, error) {
	fc, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	cli, err := oversqlite.New(fc.DBPath, fc.BaseURL, oversqlite.Config{
		Schema:             fc.Schema,
		SyncTables:         fc.syncTables(),
		UploadLimit:        fc.UploadLimit,
		DownloadLimit:      fc.DownloadLimit,
		SyncWindowLookback: fc.SyncWindowLookback,
		LookbackMaxPasses:  fc.LookbackMaxPasses,
		VerboseLogs:        fc.VerboseLogs,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open client: %w", err)
	}
	return cli, fc, nil
}
