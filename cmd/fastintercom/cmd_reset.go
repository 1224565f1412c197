package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every mirrored conversation, message, checkpoint and run record",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.store.ResetAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("All FastIntercom data has been reset. The configuration was kept.")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("yes", false, "confirm the reset")
	rootCmd.AddCommand(resetCmd)
}
