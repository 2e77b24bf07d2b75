package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/anthropics/oversqlite"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Interactively issue sync verbs, or run them non-interactively from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		defer cli.Close()

		if isatty.IsTerminal(os.Stdin.Fd()) {
			return runInteractive(cli)
		}
		return runBatch(cli, os.Stdin)
	},
}

func runInteractive(cli *oversqlite.Client) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36moversqlite>\033[0m ",
		HistoryFile:     ".oversqlite_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("commands: upload | download | hydrate | sync | status | quit")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if shouldQuit := dispatchWatchLine(cli, line); shouldQuit {
			return nil
		}
	}
}

func runBatch(cli *oversqlite.Client, in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if dispatchWatchLine(cli, line) {
			return nil
		}
	}
	return nil
}

func dispatchWatchLine(cli *oversqlite.Client, line string) (quit bool) {
	verb := strings.TrimSpace(line)
	if verb == "" {
		return false
	}

	ctx := context.Background()
	switch verb {
	case "quit", "exit":
		return true
	case "upload":
		summary, err := cli.UploadOnce(ctx)
		printResult(summary, err)
	case "download":
		res, err := cli.DownloadOnce(ctx, 0, false, 0)
		printResult(res, err)
	case "hydrate":
		err := cli.Hydrate(ctx, false, 0, true)
		printResult(nil, err)
	case "sync":
		summary, err := cli.SyncOnce(ctx, 0, false)
		printResult(summary, err)
	case "status":
		status, err := cli.PeekStatus(ctx)
		printResult(status, err)
	default:
		fmt.Printf("unknown command %q\n", verb)
	}
	return false
}

func printResult(v interface{}, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if v != nil {
		fmt.Printf("%+v\n", v)
	}
}
