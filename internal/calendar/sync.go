package calendar

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/OpenWhispr/openwhispr/internal/bus"
	"github.com/OpenWhispr/openwhispr/internal/logger"
)

// DefaultSyncWindow is the full-resync window used when a calendar has
// no sync cursor yet.
const DefaultSyncWindow = 7 * 24 * time.Hour

// SyncStore is the slice of persistence the sync engine writes to.
type SyncStore interface {
	UpsertCalendars(cals []Calendar) error
	GetSelectedCalendars() ([]Calendar, error)
	SetCalendarSyncCursor(id, cursor string) error
	UpsertEvents(events []Event) error
	RemoveEvents(calendarID string, ids []string) error
}

// SyncOutcome summarizes one calendar's sync pass.
type SyncOutcome struct {
	CalendarID string
	Upserted   int
	Removed    int
	Resynced   bool // the cursor was invalidated and a full-window resync ran
}

// SyncSummary is the payload broadcast after a SyncAll pass.
type SyncSummary struct {
	Synced   []SyncOutcome `json:"synced"`
	Failed   []string      `json:"failed"`
	SyncedAt time.Time     `json:"synced_at"`
}

// syncPull is the tagged result of one events pull: the retry decision
// on cursor invalidation is a type branch, not a status-code sniff.
type syncPull interface{ isSyncPull() }

type pullUpserted struct {
	events     []Event
	cancelled  []string
	nextCursor string
}

type pullInvalidated struct{}

type pullFailed struct{ err error }

func (pullUpserted) isSyncPull()    {}
func (pullInvalidated) isSyncPull() {}
func (pullFailed) isSyncPull()      {}

// SyncEngine keeps the local calendar/event tables consistent with the
// remote provider, incrementally where a sync cursor exists.
type SyncEngine struct {
	store     SyncStore
	service   *gcal.Service
	broadcast *bus.Bus
	window    time.Duration
	now       func() time.Time

	// OnSynced is invoked after every SyncAll pass (re-scheduling hook).
	OnSynced func()
}

// NewSyncService builds the calendar API client on the authorizer's
// lazily-refreshing token source.
func NewSyncService(ctx context.Context, auth *Authorizer, opts ...option.ClientOption) (*gcal.Service, error) {
	base := []option.ClientOption{option.WithTokenSource(auth.TokenSource(ctx))}
	return gcal.NewService(ctx, append(base, opts...)...)
}

type SyncEngineOption func(*SyncEngine)

func WithSyncWindow(window time.Duration) SyncEngineOption {
	return func(e *SyncEngine) { e.window = window }
}

func WithSyncClock(now func() time.Time) SyncEngineOption {
	return func(e *SyncEngine) { e.now = now }
}

func NewSyncEngine(syncStore SyncStore, service *gcal.Service, broadcast *bus.Bus, opts ...SyncEngineOption) *SyncEngine {
	e := &SyncEngine{
		store:     syncStore,
		service:   service,
		broadcast: broadcast,
		window:    DefaultSyncWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FetchCalendars lists remote calendars and upserts them. Local-only
// fields (selection, sync cursor) are preserved by the store.
func (e *SyncEngine) FetchCalendars(ctx context.Context) ([]Calendar, error) {
	list, err := e.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list remote calendars")
	}

	cals := make([]Calendar, 0, len(list.Items))
	for _, item := range list.Items {
		cals = append(cals, Calendar{
			ID:          item.Id,
			Summary:     item.Summary,
			Description: item.Description,
			Color:       item.BackgroundColor,
		})
	}

	if err := e.store.UpsertCalendars(cals); err != nil {
		return nil, goerr.Wrap(err, "failed to store calendars")
	}

	logger.Info("fetched calendar list", "count", len(cals))
	return cals, nil
}

// SyncAll syncs every selected calendar sequentially. A failure on one
// calendar is logged and does not abort the others. Afterwards the
// synced broadcast goes out and re-scheduling is triggered.
func (e *SyncEngine) SyncAll(ctx context.Context) error {
	selected, err := e.store.GetSelectedCalendars()
	if err != nil {
		return goerr.Wrap(err, "failed to load selected calendars")
	}

	summary := SyncSummary{SyncedAt: e.now()}
	for _, cal := range selected {
		outcome, err := e.SyncOne(ctx, cal)
		if err != nil {
			logger.Warn("calendar sync failed", "calendar_id", cal.ID, "error", err)
			summary.Failed = append(summary.Failed, cal.ID)
			continue
		}
		summary.Synced = append(summary.Synced, outcome)
	}

	if e.broadcast != nil {
		e.broadcast.Publish(bus.ChannelEventsSynced, summary)
	}
	if e.OnSynced != nil {
		e.OnSynced()
	}

	logger.Debug("sync pass complete", "synced", len(summary.Synced), "failed", len(summary.Failed))
	return nil
}

// SyncOne pulls one calendar's changes. With a cursor only the delta is
// requested; without one a full window is pulled. A cursor-expired
// response discards the cursor and retries once with a full window.
func (e *SyncEngine) SyncOne(ctx context.Context, cal Calendar) (SyncOutcome, error) {
	pull := e.pullEvents(ctx, cal.ID, cal.SyncCursor)

	resynced := false
	if _, invalidated := pull.(pullInvalidated); invalidated {
		logger.Info("sync cursor expired; running full resync", "calendar_id", cal.ID)
		resynced = true
		pull = e.pullEvents(ctx, cal.ID, "")
	}

	switch p := pull.(type) {
	case pullUpserted:
		if err := e.store.UpsertEvents(p.events); err != nil {
			return SyncOutcome{}, goerr.Wrap(err, "failed to upsert events", goerr.V("calendar_id", cal.ID))
		}
		if err := e.store.RemoveEvents(cal.ID, p.cancelled); err != nil {
			return SyncOutcome{}, goerr.Wrap(err, "failed to remove cancelled events", goerr.V("calendar_id", cal.ID))
		}
		if p.nextCursor != "" {
			if err := e.store.SetCalendarSyncCursor(cal.ID, p.nextCursor); err != nil {
				return SyncOutcome{}, goerr.Wrap(err, "failed to store sync cursor", goerr.V("calendar_id", cal.ID))
			}
		}
		return SyncOutcome{
			CalendarID: cal.ID,
			Upserted:   len(p.events),
			Removed:    len(p.cancelled),
			Resynced:   resynced,
		}, nil
	case pullInvalidated:
		// The full-window retry has no cursor, so a second invalidation
		// means the provider is misbehaving.
		return SyncOutcome{}, goerr.New("full resync reported an invalidated cursor", goerr.V("calendar_id", cal.ID))
	case pullFailed:
		return SyncOutcome{}, p.err
	default:
		return SyncOutcome{}, goerr.New("unhandled sync pull result")
	}
}

// pullEvents requests one calendar's events, paginating through the
// response. Incremental mode (cursor set) uses no date window and no
// ordering; full mode pulls now..now+window ordered by start time.
func (e *SyncEngine) pullEvents(ctx context.Context, calendarID, cursor string) syncPull {
	now := e.now()
	syncedAt := now

	var (
		events    []Event
		cancelled []string
		pageToken string
	)

	for {
		call := e.service.Events.List(calendarID).Context(ctx)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			call = call.
				TimeMin(now.Format(time.RFC3339)).
				TimeMax(now.Add(e.window).Format(time.RFC3339)).
				SingleEvents(true).
				OrderBy("startTime")
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
				return pullInvalidated{}
			}
			return pullFailed{err: goerr.Wrap(err, "events request failed", goerr.V("calendar_id", calendarID))}
		}

		for _, item := range resp.Items {
			if item.Status == StatusCancelled {
				cancelled = append(cancelled, item.Id)
				continue
			}
			event, err := convertEvent(item, calendarID, syncedAt)
			if err != nil {
				logger.Debug("skipping malformed event", "calendar_id", calendarID, "event_id", item.Id, "error", err)
				continue
			}
			events = append(events, event)
		}

		if resp.NextPageToken == "" {
			return pullUpserted{
				events:     events,
				cancelled:  cancelled,
				nextCursor: resp.NextSyncToken,
			}
		}
		pageToken = resp.NextPageToken
	}
}

// convertEvent maps a provider event onto the local model. All-day
// events are flagged but still stored; the scheduler filters them.
func convertEvent(item *gcal.Event, calendarID string, syncedAt time.Time) (Event, error) {
	event := Event{
		ID:         item.Id,
		CalendarID: calendarID,
		Summary:    item.Summary,
		Status:     item.Status,
		SyncedAt:   syncedAt,
	}

	if item.Start == nil || item.End == nil {
		return event, goerr.New("event has no start or end")
	}

	var err error
	if item.Start.DateTime != "" {
		if event.StartTime, err = time.Parse(time.RFC3339, item.Start.DateTime); err != nil {
			return event, goerr.Wrap(err, "failed to parse start time")
		}
	} else if item.Start.Date != "" {
		if event.StartTime, err = time.Parse("2006-01-02", item.Start.Date); err != nil {
			return event, goerr.Wrap(err, "failed to parse start date")
		}
		event.IsAllDay = true
	} else {
		return event, goerr.New("event has no start time or date")
	}

	if item.End.DateTime != "" {
		if event.EndTime, err = time.Parse(time.RFC3339, item.End.DateTime); err != nil {
			return event, goerr.Wrap(err, "failed to parse end time")
		}
	} else if item.End.Date != "" {
		if event.EndTime, err = time.Parse("2006-01-02", item.End.Date); err != nil {
			return event, goerr.Wrap(err, "failed to parse end date")
		}
	} else {
		// Default to 1 hour duration if no end time
		event.EndTime = event.StartTime.Add(time.Hour)
	}

	event.MeetingURL = meetingURL(item)
	if item.Organizer != nil {
		event.Organizer = item.Organizer.Email
	}
	event.AttendeeCount = len(item.Attendees)

	return event, nil
}

func meetingURL(item *gcal.Event) string {
	if item.ConferenceData != nil {
		for _, entry := range item.ConferenceData.EntryPoints {
			if entry.EntryPointType == "video" && entry.Uri != "" {
				return entry.Uri
			}
		}
	}
	return item.HangoutLink
}
