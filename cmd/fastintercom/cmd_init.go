package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fastintercom/internal/client/intercom"
	"fastintercom/internal/config"
	"fastintercom/internal/db"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Save Intercom credentials, verify them and create the local store",
	Long: `Verify the access token against the Intercom API, write the configuration
file and create the database schema.

The token can be passed with --token or the FI_INTERCOM_TOKEN environment variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		syncDays, _ := cmd.Flags().GetInt("sync-days")
		baseURL, _ := cmd.Flags().GetString("base-url")

		cfg, err := config.Load(cfgPath, true)
		if err != nil {
			return err
		}
		if strings.TrimSpace(token) != "" {
			cfg.Intercom.Token = strings.TrimSpace(token)
		}
		if cfg.Intercom.Token == "" {
			return fmt.Errorf("an access token is required (--token or FI_INTERCOM_TOKEN)")
		}
		if baseURL != "" {
			cfg.Intercom.BaseURL = baseURL
		}
		if syncDays < 0 {
			syncDays = 7
		}
		cfg.Sync.InitialSyncDays = syncDays

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		client := intercom.NewFromConfig(cfg.Intercom, zap.NewNop())
		if _, err := client.TestConnection(ctx); err != nil {
			return fmt.Errorf("connection to Intercom failed, check the access token: %w", err)
		}
		fmt.Println("Connection to Intercom API successful")
		if appID, err := client.AppID(ctx); err == nil {
			cfg.Intercom.AppID = appID
			fmt.Printf("App ID: %s\n", appID)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("Configuration saved to %s\n", cfgPath)

		conn, err := db.Open(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close(conn)
		if err := db.AutoMigrate(conn); err != nil {
			return err
		}
		if conn.Path != "" {
			fmt.Printf("Database initialized at %s\n", conn.Path)
		} else {
			fmt.Println("Database schema ready")
		}
		fmt.Println("\nNext: run 'fastintercom sync' for a first catch-up, then 'fastintercom serve'.")
		return nil
	},
}

func init() {
	initCmd.Flags().String("token", os.Getenv("FI_INTERCOM_TOKEN"), "Intercom access token")
	initCmd.Flags().Int("sync-days", 7, "days of history the first background sync covers")
	initCmd.Flags().String("base-url", "", "Intercom API base URL")
	rootCmd.AddCommand(initCmd)
}
