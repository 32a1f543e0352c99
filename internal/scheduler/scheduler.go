package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/OpenWhispr/openwhispr/internal/bus"
	"github.com/OpenWhispr/openwhispr/internal/calendar"
	"github.com/OpenWhispr/openwhispr/internal/logger"
	"github.com/OpenWhispr/openwhispr/internal/notify"
)

const (
	// DefaultLookahead bounds how far ahead RescheduleNext looks for the
	// next meeting start.
	DefaultLookahead = 24 * time.Hour

	// focusRefreshThrottle is the minimum gap between focus-triggered
	// resyncs.
	focusRefreshThrottle = 30 * time.Second
)

// EventStore is the slice of persistence the scheduler reads.
type EventStore interface {
	GetEvent(calendarID, id string) (*calendar.Event, error)
	GetActiveEvents(now time.Time) ([]calendar.Event, error)
	GetUpcomingEvents(now time.Time, window time.Duration) ([]calendar.Event, error)
}

// Scheduler converts persisted events into timed start/end transitions.
// One start timer slot exists at a time: RescheduleNext always clears
// its prior timer before arming a new one.
type Scheduler struct {
	mu        sync.Mutex
	store     EventStore
	bridge    notify.Bridge
	broadcast *bus.Bus
	lookahead time.Duration
	now       func() time.Time

	startTimer *time.Timer
	armedKey   string
	endTimer   *time.Timer

	active   *calendar.Event
	notified map[string]bool

	requestSync      func()
	lastFocusRefresh time.Time
}

type Option func(*Scheduler)

func WithLookahead(d time.Duration) Option {
	return func(s *Scheduler) { s.lookahead = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(store EventStore, bridge notify.Bridge, broadcast *bus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		bridge:    bridge,
		broadcast: broadcast,
		lookahead: DefaultLookahead,
		now:       time.Now,
		notified:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSyncRequester wires the out-of-band sync trigger used by wake and
// focus-refresh handling.
func (s *Scheduler) SetSyncRequester(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestSync = fn
}

// ActiveMeeting returns the currently active meeting, if any.
func (s *Scheduler) ActiveMeeting() *calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	ev := *s.active
	return &ev
}

// RescheduleNext clears any pending start timer and arms one for the
// earliest upcoming meeting not yet notified. Idempotent and safe to
// call repeatedly.
func (s *Scheduler) RescheduleNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduleLocked()
}

func (s *Scheduler) rescheduleLocked() {
	s.clearStartTimerLocked()

	now := s.now()

	// A start that already passed (clock skew, late call, wake) fires
	// immediately instead of arming a timer. While a meeting is active
	// the slot stays occupied; an overlapping start commits when the
	// current meeting ends.
	if s.active == nil {
		if late := s.earliestUnnotifiedActiveLocked(now); late != nil {
			logger.Info("meeting start already passed; firing immediately", "event_id", late.ID)
			s.startLocked(*late)
			return
		}
	}

	upcoming, err := s.store.GetUpcomingEvents(now, s.lookahead)
	if err != nil {
		logger.Warn("failed to query upcoming events; will retry next cycle", "error", err)
		return
	}

	for _, ev := range upcoming {
		if s.notified[ev.Key()] {
			continue
		}
		delay := ev.StartTime.Sub(now)
		ev := ev
		s.armedKey = ev.Key()
		s.startTimer = time.AfterFunc(delay, func() {
			s.onStartTimerFired(ev)
		})
		logger.Debug("armed start timer", "event_id", ev.ID, "summary", ev.GetShortSummary(), "in", delay)
		return
	}

	logger.Debug("no upcoming meeting to schedule")
}

func (s *Scheduler) earliestUnnotifiedActiveLocked(now time.Time) *calendar.Event {
	active, err := s.store.GetActiveEvents(now)
	if err != nil {
		logger.Warn("failed to query active events", "error", err)
		return nil
	}
	for _, ev := range active {
		if !s.notified[ev.Key()] {
			ev := ev
			return &ev
		}
	}
	return nil
}

func (s *Scheduler) onStartTimerFired(ev calendar.Event) {
	defer s.recoverTimerPanic("start")

	s.mu.Lock()
	defer s.mu.Unlock()

	// A reschedule may have replaced this timer between firing and
	// acquiring the lock.
	if s.armedKey != ev.Key() {
		return
	}
	s.armedKey = ""
	s.startTimer = nil
	s.startLocked(ev)
}

// startLocked commits a start transition. The event is re-validated
// against the store first: a deletion between arming and firing must
// not produce a stale notification.
func (s *Scheduler) startLocked(ev calendar.Event) {
	now := s.now()

	fresh, err := s.store.GetEvent(ev.CalendarID, ev.ID)
	if err != nil || !fresh.Schedulable() || !fresh.EndTime.After(now) {
		logger.Info("skipping stale meeting start", "event_id", ev.ID)
		s.rescheduleLocked()
		return
	}

	if s.notified[fresh.Key()] {
		s.rescheduleLocked()
		return
	}
	s.notified[fresh.Key()] = true

	active := *fresh
	s.active = &active

	logger.Info("meeting starting", "event_id", fresh.ID, "summary", fresh.GetShortSummary())

	if s.broadcast != nil {
		s.broadcast.Publish(bus.ChannelMeetingStarting, active)
	}
	if s.bridge != nil {
		if err := s.bridge.ShowNative(notify.Notification{
			Title: "Meeting starting",
			Body:  fmt.Sprintf("%s (%s)", fresh.GetShortSummary(), fresh.GetTimeString()),
		}, nil, nil); err != nil {
			logger.Warn("failed to show meeting-starting notification", "error", err)
		}
	}

	s.clearEndTimerLocked()
	if remaining := fresh.EndTime.Sub(now); remaining > 0 {
		key := fresh.Key()
		s.endTimer = time.AfterFunc(remaining, func() {
			s.onEndTimerFired(key)
		})
	} else {
		// Window already over; end right away.
		s.endLocked()
		return
	}

	// Multiple events can be pending behind this one.
	s.rescheduleLocked()
}

func (s *Scheduler) onEndTimerFired(key string) {
	defer s.recoverTimerPanic("end")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.Key() != key {
		return
	}
	s.endLocked()
}

func (s *Scheduler) endLocked() {
	if s.active != nil {
		logger.Info("meeting ended", "event_id", s.active.ID)
		if s.broadcast != nil {
			s.broadcast.Publish(bus.ChannelMeetingEnded, *s.active)
		}
	}
	s.active = nil
	s.clearEndTimerLocked()
	s.rescheduleLocked()
}

// OnWake handles resume from sleep: a meeting whose window closed
// during the suspend is ended by wall clock, any event window now
// covering the present fires immediately (unless a meeting is already
// active), the next slot is re-armed, and an out-of-band sync is
// requested.
func (s *Scheduler) OnWake() {
	s.mu.Lock()

	now := s.now()
	logger.Info("handling wake from sleep", "now", now)

	// The end timer runs on the monotonic clock and excludes suspend
	// time, so a meeting whose window closed while asleep is still
	// marked active here. End it by wall clock first; endLocked
	// reschedules and picks up any missed start.
	if s.active != nil && !s.active.EndTime.After(now) {
		s.endLocked()
	} else if s.active == nil {
		if missed := s.earliestUnnotifiedActiveLocked(now); missed != nil {
			s.startLocked(*missed)
		} else {
			s.rescheduleLocked()
		}
	} else {
		s.rescheduleLocked()
	}

	requestSync := s.requestSync
	s.mu.Unlock()

	if requestSync != nil {
		go requestSync()
	}
}

// OnFocusRefresh opportunistically resyncs on host focus events,
// throttled to one trigger per 30 seconds.
func (s *Scheduler) OnFocusRefresh() {
	s.mu.Lock()

	now := s.now()
	if now.Sub(s.lastFocusRefresh) < focusRefreshThrottle {
		s.mu.Unlock()
		return
	}
	s.lastFocusRefresh = now

	requestSync := s.requestSync
	s.mu.Unlock()

	if requestSync != nil {
		go requestSync()
	}
}

// Reset clears all scheduling state, including the notified-event set.
// Used on disconnect; never during normal operation.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearStartTimerLocked()
	s.clearEndTimerLocked()
	s.active = nil
	s.notified = make(map[string]bool)
}

func (s *Scheduler) clearStartTimerLocked() {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
	s.armedKey = ""
}

func (s *Scheduler) clearEndTimerLocked() {
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
}

// recoverTimerPanic keeps timer callbacks from ever taking down the
// process; a failed transition is retried on the next cycle.
func (s *Scheduler) recoverTimerPanic(kind string) {
	if r := recover(); r != nil {
		logger.Error("recovered panic in timer callback", "timer", kind, "panic", r)
	}
}
