package store

import (
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/OpenWhispr/openwhispr/internal/calendar"
)

// Sentinel errors
var (
	ErrNotFound = goerr.New("record not found")
)

// Store is the persistence service consumed by the engine. It is
// durable and synchronous from the caller's perspective; writes happen
// under a single writer at a time.
type Store interface {
	// Credential is a singleton record: SaveCredential replaces any
	// prior record atomically.
	SaveCredential(cred *calendar.Credential) error
	GetCredential() (*calendar.Credential, error)
	DeleteCredential() error

	// UpsertCalendars preserves local-only fields (Selected, SyncCursor)
	// on calendars that already exist.
	UpsertCalendars(cals []calendar.Calendar) error
	GetCalendars() ([]calendar.Calendar, error)
	GetSelectedCalendars() ([]calendar.Calendar, error)
	SetCalendarSelection(id string, selected bool) error
	SetCalendarSyncCursor(id, cursor string) error

	UpsertEvents(events []calendar.Event) error
	RemoveEvents(calendarID string, ids []string) error
	GetEvent(calendarID, id string) (*calendar.Event, error)

	// GetActiveEvents returns non-all-day, non-cancelled events on
	// selected calendars whose window covers now.
	GetActiveEvents(now time.Time) ([]calendar.Event, error)

	// GetUpcomingEvents returns schedulable events on selected calendars
	// starting within (now, now+window], ordered by start time.
	GetUpcomingEvents(now time.Time, window time.Duration) ([]calendar.Event, error)

	// ClearCalendarData removes all calendars and events (disconnect).
	ClearCalendarData() error
}
