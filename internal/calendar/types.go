package calendar

import (
	"strings"
	"time"
)

// Event status values as reported by the calendar API.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Credential is the single durable OAuth credential record. At most one
// credential exists; saving a new one replaces the prior record.
type Credential struct {
	AccountEmail string `json:"account_email"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch milliseconds
	Scope        string `json:"scope"`
}

// Expiry returns the access token expiry as wall-clock time.
func (c *Credential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires before now+d.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.Expiry().Before(now.Add(d))
}

// Calendar mirrors one remote calendar plus local-only preferences.
// Selected and SyncCursor are never touched by the calendar-list fetch.
type Calendar struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	Selected    bool   `json:"selected"`
	SyncCursor  string `json:"sync_cursor,omitempty"`
}

// Event is one synced calendar event.
type Event struct {
	ID            string    `json:"id"`
	CalendarID    string    `json:"calendar_id"`
	Summary       string    `json:"summary,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	IsAllDay      bool      `json:"is_all_day"`
	Status        string    `json:"status"`
	MeetingURL    string    `json:"meeting_url,omitempty"`
	Organizer     string    `json:"organizer,omitempty"`
	AttendeeCount int       `json:"attendee_count"`
	SyncedAt      time.Time `json:"synced_at"`
}

// Key identifies an event uniquely across calendars; event IDs are only
// unique per calendar.
func (e *Event) Key() string {
	return e.CalendarID + "/" + e.ID
}

func (e *Event) IsConfirmed() bool {
	return e.Status == StatusConfirmed
}

func (e *Event) IsCancelled() bool {
	return e.Status == StatusCancelled
}

// IsActiveAt reports whether the event window covers t.
func (e *Event) IsActiveAt(t time.Time) bool {
	return !e.StartTime.After(t) && e.EndTime.After(t)
}

// IsUpcomingAt reports whether the event has not yet started at t.
func (e *Event) IsUpcomingAt(t time.Time) bool {
	return e.StartTime.After(t)
}

// IsImminentAt reports whether the event starts within the window after t.
func (e *Event) IsImminentAt(t time.Time, window time.Duration) bool {
	return e.StartTime.After(t) && !e.StartTime.After(t.Add(window))
}

// Schedulable reports whether the scheduler should arm transitions for
// this event. All-day and cancelled events never schedule.
func (e *Event) Schedulable() bool {
	return !e.IsAllDay && !e.IsCancelled()
}

func (e *Event) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

func (e *Event) MinutesUntilStart(t time.Time) int {
	if e.StartTime.Before(t) {
		return 0
	}
	return int(e.StartTime.Sub(t).Minutes())
}

func (e *Event) GetShortSummary() string {
	summary := e.Summary
	if summary == "" {
		summary = "(untitled)"
	}
	if len(summary) <= 40 {
		return summary
	}
	return summary[:37] + "..."
}

func (e *Event) GetTimeString() string {
	if e.IsAllDay {
		return "All day"
	}

	start := e.StartTime.Format("15:04")
	end := e.EndTime.Format("15:04")

	if e.StartTime.YearDay() == e.EndTime.YearDay() {
		return start + "-" + end
	}

	// Multi-day event
	return e.StartTime.Format("Jan 2 15:04") + "-" + e.EndTime.Format("Jan 2 15:04")
}

func (e *Event) HasMeetingURL() bool {
	return strings.TrimSpace(e.MeetingURL) != ""
}

// ConnectionStatus is the UI-facing view of the credential state.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
