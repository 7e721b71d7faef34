package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	d3 "github.com/jsnika87/d3-pwa"
	"github.com/spf13/cobra"
)

var (
	syncTimeout    time.Duration
	syncDeadLetter bool
)

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Give up after this long")
	syncCmd.Flags().BoolVar(&syncDeadLetter, "deadletter", false, "Set rejected writes aside instead of stopping on them")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain queued writes to the remote now",
	Long:  "Apply every queued write in order. The drain stops at the first write that fails; it stays queued for the next run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		s, err := openSession(ctx, func(o *d3.Options) {
			if syncDeadLetter {
				o.RejectPolicy = d3.RejectDeadLetter
			}
		})
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.engine.Sync(ctx)
		fmt.Printf("Applied:       %d\n", res.Applied)
		if res.DeadLettered > 0 {
			fmt.Printf("Dead-lettered: %d\n", res.DeadLettered)
		}
		fmt.Printf("Remaining:     %d\n", res.Remaining)
		if err != nil {
			switch {
			case d3.IsNetworkError(err):
				fmt.Fprintln(os.Stderr, "Remote unreachable; writes stay queued.")
			case d3.IsRejected(err):
				fmt.Fprintln(os.Stderr, "The remote rejected the oldest write. Fix it or run 'd3sync sync --deadletter'.")
			}
			return fmt.Errorf("sync stopped: %w", err)
		}
		return nil
	},
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
