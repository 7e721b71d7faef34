package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	initUser  string
	initToken string
)

func init() {
	initCmd.Flags().StringVar(&initUser, "user", "", "Signed-in user id (auth.user_id)")
	initCmd.Flags().StringVar(&initToken, "token", "", "Session access token (auth.access_token)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <supabase-url> <anon-key>",
	Short: "Store the Supabase project in ~/.d3/config.toml",
	Long:  "Initialize d3sync by storing the Supabase project URL, its anon key and optionally the signed-in session.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectURL, anonKey := args[0], args[1]
		u, err := url.Parse(projectURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid supabase url %q", projectURL)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.SupabaseURL = projectURL
		cfg.Default.AnonKey = anonKey
		if cfg.Default.Store == "" {
			cfg.Default.Store = "sqlite"
		}
		if initUser != "" {
			cfg.Auth.UserID = initUser
		}
		if initToken != "" {
			cfg.Auth.AccessToken = initToken
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Supabase project saved to %s\n", path)
		return nil
	},
}
