package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	d3 "github.com/jsnika87/d3-pwa"
	"github.com/spf13/cobra"
)

var queueJSON bool

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSON, "json", false, "Output raw JSON")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(deadLetterCmd)
	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterRequeueCmd)
	deadLetterCmd.AddCommand(deadLetterDropCmd)
	rootCmd.AddCommand(queueCmd)
}

// withQueue opens the local store and hands its queue to fn.
func withQueue(fn func(ctx context.Context, q *d3.Queue) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, d3.NewQueue(store))
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the local write queue",
}

// ============================================================================
// queue list
// ============================================================================

type queueRow struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"createdAt"`
	Payload   string `json:"payload"`
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in drain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, q *d3.Queue) error {
			recs, err := q.Records(ctx)
			if err != nil {
				return err
			}
			rows := make([]queueRow, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, queueRow{
					ID:        rec.ID,
					Kind:      rec.Kind,
					CreatedAt: time.UnixMilli(rec.CreatedAt).UTC().Format(time.RFC3339Nano),
					Payload:   string(rec.Payload),
				})
			}
			if queueJSON {
				return printJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, r := range rows {
				fmt.Printf("%6d  %-24s %s  %s\n", r.ID, r.Kind, r.CreatedAt, r.Payload)
			}
			return nil
		})
	},
}

// ============================================================================
// queue deadletter
// ============================================================================

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and resolve writes that were set aside",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, q *d3.Queue) error {
			dls, err := q.DeadLetters(ctx)
			if err != nil {
				return err
			}
			if queueJSON {
				return printJSON(dls)
			}
			if len(dls) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}
			for _, dl := range dls {
				fmt.Printf("%6d  %-24s %s\n        reason: %s\n", dl.ID, dl.Kind, dl.Payload, dl.Reason)
			}
			return nil
		})
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Put a dead-lettered write back at the end of the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withQueue(func(ctx context.Context, q *d3.Queue) error {
			if err := q.Requeue(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Requeued %d\n", id)
			return nil
		})
	},
}

var deadLetterDropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Discard a dead-lettered write",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withQueue(func(ctx context.Context, q *d3.Queue) error {
			if err := q.DropDeadLetter(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Dropped %d\n", id)
			return nil
		})
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
