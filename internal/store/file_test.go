package store

import (
	"errors"
	"testing"
	"time"

	"github.com/OpenWhispr/openwhispr/internal/calendar"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func TestCredentialSingleton(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetCredential(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	first := &calendar.Credential{
		AccountEmail: "first@example.com",
		AccessToken:  "tok-1",
		RefreshToken: "ref-1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := s.SaveCredential(first); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}

	// Saving a second credential replaces the first one.
	second := &calendar.Credential{
		AccountEmail: "second@example.com",
		AccessToken:  "tok-2",
		RefreshToken: "ref-2",
		ExpiresAt:    time.Now().Add(2 * time.Hour).UnixMilli(),
	}
	if err := s.SaveCredential(second); err != nil {
		t.Fatalf("SaveCredential replace failed: %v", err)
	}

	got, err := s.GetCredential()
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if got.AccountEmail != "second@example.com" || got.AccessToken != "tok-2" {
		t.Errorf("expected replaced credential, got %+v", got)
	}

	if err := s.DeleteCredential(); err != nil {
		t.Fatalf("DeleteCredential failed: %v", err)
	}
	if _, err := s.GetCredential(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpsertCalendarsPreservesLocalFields(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertCalendars([]calendar.Calendar{
		{ID: "c1", Summary: "Work"},
		{ID: "c2", Summary: "Personal"},
	}); err != nil {
		t.Fatalf("UpsertCalendars failed: %v", err)
	}

	if err := s.SetCalendarSelection("c1", true); err != nil {
		t.Fatalf("SetCalendarSelection failed: %v", err)
	}
	if err := s.SetCalendarSyncCursor("c1", "cursor-abc"); err != nil {
		t.Fatalf("SetCalendarSyncCursor failed: %v", err)
	}

	// A later calendar-list fetch must not disturb Selected or SyncCursor.
	if err := s.UpsertCalendars([]calendar.Calendar{
		{ID: "c1", Summary: "Work (renamed)"},
	}); err != nil {
		t.Fatalf("second UpsertCalendars failed: %v", err)
	}

	selected, err := s.GetSelectedCalendars()
	if err != nil {
		t.Fatalf("GetSelectedCalendars failed: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("expected 1 selected calendar, got %d", len(selected))
	}
	if selected[0].Summary != "Work (renamed)" {
		t.Errorf("expected remote summary update, got %q", selected[0].Summary)
	}
	if selected[0].SyncCursor != "cursor-abc" {
		t.Errorf("expected sync cursor preserved, got %q", selected[0].SyncCursor)
	}
}

func TestSelectionUnknownCalendar(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetCalendarSelection("missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveAndUpcomingEventQueries(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	if err := s.UpsertCalendars([]calendar.Calendar{
		{ID: "sel", Summary: "Selected"},
		{ID: "other", Summary: "Unselected"},
	}); err != nil {
		t.Fatalf("UpsertCalendars failed: %v", err)
	}
	if err := s.SetCalendarSelection("sel", true); err != nil {
		t.Fatalf("SetCalendarSelection failed: %v", err)
	}

	events := []calendar.Event{
		{ID: "active", CalendarID: "sel", Status: calendar.StatusConfirmed,
			StartTime: now.Add(-10 * time.Minute), EndTime: now.Add(20 * time.Minute)},
		{ID: "allday", CalendarID: "sel", Status: calendar.StatusConfirmed, IsAllDay: true,
			StartTime: now.Add(-6 * time.Hour), EndTime: now.Add(18 * time.Hour)},
		{ID: "soon", CalendarID: "sel", Status: calendar.StatusConfirmed,
			StartTime: now.Add(3 * time.Minute), EndTime: now.Add(33 * time.Minute)},
		{ID: "later", CalendarID: "sel", Status: calendar.StatusConfirmed,
			StartTime: now.Add(2 * time.Hour), EndTime: now.Add(3 * time.Hour)},
		{ID: "far", CalendarID: "sel", Status: calendar.StatusConfirmed,
			StartTime: now.Add(48 * time.Hour), EndTime: now.Add(49 * time.Hour)},
		{ID: "unselected", CalendarID: "other", Status: calendar.StatusConfirmed,
			StartTime: now.Add(-5 * time.Minute), EndTime: now.Add(30 * time.Minute)},
		{ID: "cancelled", CalendarID: "sel", Status: calendar.StatusCancelled,
			StartTime: now.Add(5 * time.Minute), EndTime: now.Add(35 * time.Minute)},
	}
	if err := s.UpsertEvents(events); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}

	active, err := s.GetActiveEvents(now)
	if err != nil {
		t.Fatalf("GetActiveEvents failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "active" {
		t.Errorf("expected only event %q active, got %+v", "active", active)
	}

	upcoming, err := s.GetUpcomingEvents(now, 24*time.Hour)
	if err != nil {
		t.Fatalf("GetUpcomingEvents failed: %v", err)
	}
	if len(upcoming) != 2 {
		t.Fatalf("expected 2 upcoming events, got %d", len(upcoming))
	}
	if upcoming[0].ID != "soon" || upcoming[1].ID != "later" {
		t.Errorf("expected start-time order [soon later], got [%s %s]", upcoming[0].ID, upcoming[1].ID)
	}
}

func TestRemoveEventsAndClear(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if err := s.UpsertEvents([]calendar.Event{
		{ID: "e1", CalendarID: "c1", Status: calendar.StatusConfirmed,
			StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)},
		{ID: "e2", CalendarID: "c1", Status: calendar.StatusConfirmed,
			StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)},
	}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}

	if err := s.RemoveEvents("c1", []string{"e1"}); err != nil {
		t.Fatalf("RemoveEvents failed: %v", err)
	}
	if _, err := s.GetEvent("c1", "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected e1 removed, got %v", err)
	}
	if _, err := s.GetEvent("c1", "e2"); err != nil {
		t.Errorf("expected e2 to survive: %v", err)
	}

	if err := s.ClearCalendarData(); err != nil {
		t.Fatalf("ClearCalendarData failed: %v", err)
	}
	if _, err := s.GetEvent("c1", "e2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected all events cleared, got %v", err)
	}
}
