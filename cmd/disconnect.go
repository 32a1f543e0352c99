package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenWhispr/openwhispr/internal/calendar"
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect the calendar account",
	Long: `Remove the stored credential and all synced calendar data.

The authorization itself is not revoked at the provider; revoke access
from your Google account settings if needed.`,
	RunE: runDisconnect,
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	auth := calendar.NewAuthorizer(st, nil)
	status := auth.ConnectionStatus()
	if !status.Connected {
		fmt.Println("No calendar account connected.")
		return nil
	}

	if err := auth.Disconnect(); err != nil {
		return fmt.Errorf("disconnect failed: %w", err)
	}

	fmt.Printf("Disconnected %s and removed synced data.\n", status.Email)
	return nil
}
