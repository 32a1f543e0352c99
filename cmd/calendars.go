package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List and select calendars",
	Long: `List the synced calendars and their selection state.

Only selected calendars are synced and considered for meeting
notifications. Use the select/unselect subcommands to change which
calendars participate:

  openwhisprd calendars
  openwhisprd calendars select team@group.calendar.google.com
  openwhisprd calendars unselect team@group.calendar.google.com`,
	RunE: runCalendars,
}

var calendarsSelectCmd = &cobra.Command{
	Use:   "select <calendar-id>",
	Short: "Select a calendar for syncing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSelection(args[0], true)
	},
}

var calendarsUnselectCmd = &cobra.Command{
	Use:   "unselect <calendar-id>",
	Short: "Remove a calendar from syncing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSelection(args[0], false)
	},
}

func init() {
	calendarsCmd.AddCommand(calendarsSelectCmd)
	calendarsCmd.AddCommand(calendarsUnselectCmd)
}

func runCalendars(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	cals, err := st.GetCalendars()
	if err != nil {
		return fmt.Errorf("failed to load calendars: %w", err)
	}
	if len(cals) == 0 {
		fmt.Println("No calendars synced yet. Run 'openwhisprd sync' first.")
		return nil
	}

	fmt.Println("=== Calendars ===")
	for _, cal := range cals {
		marker := " "
		if cal.Selected {
			marker = "*"
		}
		fmt.Printf("[%s] %s\n", marker, cal.Summary)
		fmt.Printf("    ID: %s\n", cal.ID)
		if cal.Description != "" {
			fmt.Printf("    Description: %s\n", cal.Description)
		}
	}
	fmt.Println("\n* = selected for syncing")
	return nil
}

func setSelection(id string, selected bool) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	if err := st.SetCalendarSelection(id, selected); err != nil {
		return fmt.Errorf("failed to update calendar selection: %w", err)
	}

	if selected {
		fmt.Printf("Calendar %s selected.\n", id)
	} else {
		fmt.Printf("Calendar %s unselected.\n", id)
	}
	return nil
}
