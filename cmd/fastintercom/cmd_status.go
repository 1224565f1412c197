package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fastintercom/internal/db"
	"fastintercom/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store size, totals and recent sync activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		query := &service.QueryService{
			Repo:         a.store,
			DBSize:       func() int64 { return db.SizeBytes(a.db) },
			MaxStaleness: a.cfg.Health.MaxStaleness,
		}
		status, err := query.Status(cmd.Context())
		if err != nil {
			return err
		}
		health, err := query.SyncHealth(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println("FastIntercom status")
		fmt.Println("========================================")
		fmt.Printf("Storage:       %.2f MB\n", float64(status.DatabaseSizeBytes)/(1024*1024))
		fmt.Printf("Conversations: %d\n", status.Conversations)
		fmt.Printf("Messages:      %d\n", status.Messages)
		if status.LastRun != nil {
			fmt.Printf("Last sync:     %s (%s)\n", ago(status.LastRun.StartedAt), status.LastRun.State)
		} else {
			fmt.Println("Last sync:     never")
		}
		if status.Lease != nil && status.Lease.ExpiresAt.After(time.Now()) {
			fmt.Printf("Running:       run %s since %s\n", status.Lease.RunID, ago(status.Lease.AcquiredAt))
		}
		if health.DataThrough != nil {
			fmt.Printf("Data through:  %s\n", health.DataThrough.Format(time.RFC3339))
		}
		if health.Healthy {
			fmt.Println("Sync health:   ok")
		} else {
			fmt.Printf("Sync health:   %s\n", health.Reason)
		}
		if a.db.Path != "" {
			fmt.Printf("Database:      %s\n", a.db.Path)
		}

		if len(status.RecentRuns) > 0 {
			fmt.Println("\nRecent sync activity:")
			for i, run := range status.RecentRuns {
				if i == 5 {
					break
				}
				fmt.Printf("  %s  %-8s %d conversations (%d new, %d updated)\n",
					run.StartedAt.Local().Format("01/02 15:04"),
					run.State,
					run.TotalConversations,
					run.NewConversations,
					run.UpdatedConversations,
				)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func ago(ts time.Time) string {
	d := time.Since(ts)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	}
}
