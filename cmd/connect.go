package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenWhispr/openwhispr/internal/calendar"
	"github.com/OpenWhispr/openwhispr/internal/logger"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a Google Calendar account",
	Long: `Authorize openwhisprd to read your Google Calendar.

A browser window opens for consent; the flow completes through a
temporary listener on localhost. Only read access to calendar data is
requested. The resulting credential is stored encrypted on this machine.

After connecting, the primary calendar is selected for syncing. Use
'openwhisprd calendars' to select additional ones.`,
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	auth := calendar.NewAuthorizer(st, nil)

	if status := auth.ConnectionStatus(); status.Connected {
		fmt.Printf("Already connected as %s. Run 'openwhisprd disconnect' first to switch accounts.\n", status.Email)
		return nil
	}

	fmt.Println("Opening browser for authorization...")
	result, err := auth.BeginAuthorization(cmd.Context())
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}
	fmt.Printf("Connected as %s\n", result.Email)

	// Fetch the calendar list right away and select the primary calendar
	// (its ID equals the account email) so a plain 'watch' works without
	// further setup.
	service, err := calendar.NewSyncService(cmd.Context(), auth)
	if err != nil {
		return fmt.Errorf("failed to build calendar client: %w", err)
	}
	engine := calendar.NewSyncEngine(st, service, nil)

	cals, err := engine.FetchCalendars(cmd.Context())
	if err != nil {
		logger.Warn("failed to fetch calendar list; run 'openwhisprd sync' later", "error", err)
		return nil
	}

	for _, cal := range cals {
		if cal.ID == result.Email {
			if err := st.SetCalendarSelection(cal.ID, true); err != nil {
				logger.Warn("failed to select primary calendar", "error", err)
			} else {
				fmt.Printf("Selected primary calendar: %s\n", cal.Summary)
			}
			break
		}
	}

	fmt.Printf("Found %d calendars. Use 'openwhisprd calendars' to manage selection.\n", len(cals))
	return nil
}
