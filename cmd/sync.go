package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenWhispr/openwhispr/internal/calendar"
)

var fetchCalendarsFlag bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass",
	Long: `Pull changes for every selected calendar into the local store.

Calendars with a sync cursor pull only the delta since the last pass;
others pull the full window. Use --calendars to also refresh the
calendar list itself.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&fetchCalendarsFlag, "calendars", false, "also refresh the calendar list")
}

func runSync(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	auth := calendar.NewAuthorizer(st, nil)
	if !auth.ConnectionStatus().Connected {
		return fmt.Errorf("not connected; run 'openwhisprd connect' first")
	}

	service, err := calendar.NewSyncService(cmd.Context(), auth)
	if err != nil {
		return fmt.Errorf("failed to build calendar client: %w", err)
	}
	engine := calendar.NewSyncEngine(st, service, nil,
		calendar.WithSyncWindow(cfg.Calendar.SyncWindow()),
	)

	if fetchCalendarsFlag {
		cals, err := engine.FetchCalendars(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to refresh calendar list: %w", err)
		}
		fmt.Printf("Refreshed calendar list (%d calendars)\n", len(cals))
	}

	selected, err := st.GetSelectedCalendars()
	if err != nil {
		return fmt.Errorf("failed to load selected calendars: %w", err)
	}
	if len(selected) == 0 {
		fmt.Println("No calendars selected. Use 'openwhisprd calendars select <id>'.")
		return nil
	}

	for _, cal := range selected {
		outcome, err := engine.SyncOne(cmd.Context(), cal)
		if err != nil {
			fmt.Printf("%-40s sync failed: %v\n", cal.Summary, err)
			continue
		}
		mode := "delta"
		if outcome.Resynced {
			mode = "full resync"
		} else if cal.SyncCursor == "" {
			mode = "full"
		}
		fmt.Printf("%-40s %s: %d updated, %d removed\n", cal.Summary, mode, outcome.Upserted, outcome.Removed)
	}
	return nil
}
