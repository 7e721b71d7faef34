package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	d3 "github.com/jsnika87/d3-pwa"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue depth and reachability",
	Long:  "Display the resolved configuration, the number of queued and dead-lettered writes in the local store, and whether the Supabase project answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Supabase URL: %s\n", valueOrDefault(cfg.Default.SupabaseURL, "(not set)"))
		if cfg.Default.AnonKey != "" {
			fmt.Printf("  Anon Key:     %s\n", maskKey(cfg.Default.AnonKey))
		} else {
			fmt.Println("  Anon Key:     (not set)")
		}
		if cfg.Default.DatabaseURL != "" {
			fmt.Println("  Remote:       postgres (default.database_url)")
		}
		fmt.Printf("  Store:        %s\n", valueOrDefault(cfg.Default.Store, "sqlite"))
		fmt.Printf("  Bible ID:     %d\n", bibleID(cfg))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.AccessToken != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.AccessToken))
		} else {
			fmt.Println("  Token:        none (anon key only)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Local store:")
		store, err := openStore(cfg)
		if err != nil {
			fmt.Printf("  Error opening store: %v\n", err)
		} else {
			defer store.Close()
			q := d3.NewQueue(store)
			if n, err := q.Len(ctx); err != nil {
				fmt.Printf("  Error reading queue: %v\n", err)
			} else {
				fmt.Printf("  Queued writes: %d\n", n)
			}
			if dls, err := q.DeadLetters(ctx); err != nil {
				fmt.Printf("  Error reading dead letters: %v\n", err)
			} else {
				fmt.Printf("  Dead letters:  %d\n", len(dls))
			}
		}

		if cfg.Default.SupabaseURL != "" {
			fmt.Println()
			fmt.Println("Reachability:")
			probe := restProbe(cfg)
			if probe.Check(ctx) {
				fmt.Printf("  %s: online\n", probe.URL)
			} else {
				fmt.Printf("  %s: offline\n", probe.URL)
			}
		}
		return nil
	},
}

// restProbe builds a probe against the project's REST root.
func restProbe(cfg *Config) *d3.HTTPProbe {
	h := http.Header{}
	h.Set("apikey", cfg.Default.AnonKey)
	return &d3.HTTPProbe{
		URL:      strings.TrimRight(cfg.Default.SupabaseURL, "/") + "/rest/v1/",
		Interval: cfg.probeInterval(),
		Header:   h,
	}
}
