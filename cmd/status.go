package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenWhispr/openwhispr/internal/calendar"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and sync status",
	Long: `Display the current state of the calendar integration:
- Connection and token status
- Selected calendars
- Today's upcoming meetings from the local store`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	fmt.Println("=== Connection ===")
	auth := calendar.NewAuthorizer(st, nil)
	status := auth.ConnectionStatus()
	if status.Connected {
		fmt.Printf("Connected: %s\n", status.Email)
		fmt.Printf("Token expires: %s\n", status.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Not connected (run 'openwhisprd connect')")
		return nil
	}

	fmt.Println("\n=== Calendars ===")
	cals, err := st.GetCalendars()
	if err != nil {
		return fmt.Errorf("failed to load calendars: %w", err)
	}
	if len(cals) == 0 {
		fmt.Println("No calendars synced yet (run 'openwhisprd sync')")
		return nil
	}
	selected := 0
	for _, cal := range cals {
		marker := " "
		if cal.Selected {
			marker = "*"
			selected++
		}
		fmt.Printf("[%s] %s\n", marker, cal.Summary)
	}
	fmt.Printf("%d of %d selected\n", selected, len(cals))

	fmt.Println("\n=== Upcoming Meetings ===")
	now := time.Now()
	upcoming, err := st.GetUpcomingEvents(now, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to load upcoming events: %w", err)
	}
	if len(upcoming) == 0 {
		fmt.Println("No meetings in the next 24 hours")
		return nil
	}
	for _, ev := range upcoming {
		line := fmt.Sprintf("%s  %s", ev.GetTimeString(), ev.GetShortSummary())
		if ev.HasMeetingURL() {
			line += "  [video]"
		}
		fmt.Println(line)
	}
	return nil
}
