package scheduler

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/OpenWhispr/openwhispr/internal/bus"
	"github.com/OpenWhispr/openwhispr/internal/calendar"
	"github.com/OpenWhispr/openwhispr/internal/notify"
	"github.com/OpenWhispr/openwhispr/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	events map[string]calendar.Event
}

func newFakeStore(events ...calendar.Event) *fakeStore {
	f := &fakeStore{events: make(map[string]calendar.Event)}
	for _, ev := range events {
		f.events[ev.Key()] = ev
	}
	return f
}

func (f *fakeStore) remove(ev calendar.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, ev.Key())
}

func (f *fakeStore) GetEvent(calendarID, id string) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[calendarID+"/"+id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ev, nil
}

func (f *fakeStore) GetActiveEvents(now time.Time) ([]calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []calendar.Event
	for _, ev := range f.events {
		if ev.Schedulable() && ev.IsActiveAt(now) {
			out = append(out, ev)
		}
	}
	sortByStart(out)
	return out, nil
}

func (f *fakeStore) GetUpcomingEvents(now time.Time, window time.Duration) ([]calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []calendar.Event
	for _, ev := range f.events {
		if ev.Schedulable() && ev.IsUpcomingAt(now) && !ev.StartTime.After(now.Add(window)) {
			out = append(out, ev)
		}
	}
	sortByStart(out)
	return out, nil
}

func sortByStart(events []calendar.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].StartTime.Before(events[j].StartTime)
	})
}

type countingBridge struct {
	mu    sync.Mutex
	shown []notify.Notification
}

func (b *countingBridge) ShowNative(n notify.Notification, onAction func(string), onClose func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shown = append(b.shown, n)
	return nil
}

func (b *countingBridge) Close() error { return nil }

func (b *countingBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.shown)
}

func confirmedEvent(id string, start, end time.Time) calendar.Event {
	return calendar.Event{
		ID:         id,
		CalendarID: "primary",
		Summary:    "Meeting " + id,
		StartTime:  start,
		EndTime:    end,
		Status:     calendar.StatusConfirmed,
	}
}

func collectChannel(t *testing.T, messages <-chan bus.Message, channel string, timeout time.Duration) (bus.Message, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-messages:
			if msg.Channel == channel {
				return msg, true
			}
		case <-deadline:
			return bus.Message{}, false
		}
	}
}

func TestLateStartFiresImmediately(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := confirmedEvent("ev1", now.Add(-5*time.Minute), now.Add(25*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}
	broadcast := bus.New()
	messages, cancel := broadcast.Subscribe()
	defer cancel()

	s := New(st, bridge, broadcast, WithClock(func() time.Time { return now }))
	s.RescheduleNext()

	if bridge.count() != 1 {
		t.Fatalf("expected immediate start notification, got %d", bridge.count())
	}
	msg, ok := collectChannel(t, messages, bus.ChannelMeetingStarting, time.Second)
	if !ok {
		t.Fatal("no meeting-starting broadcast")
	}
	started, _ := msg.Payload.(calendar.Event)
	if started.ID != "ev1" {
		t.Errorf("started event = %q", started.ID)
	}
	active := s.ActiveMeeting()
	if active == nil || active.ID != "ev1" {
		t.Errorf("active meeting = %+v", active)
	}
}

func TestStartNotifiesExactlyOnce(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := confirmedEvent("ev1", now.Add(-time.Minute), now.Add(29*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}

	s := New(st, bridge, nil, WithClock(func() time.Time { return now }))
	s.RescheduleNext()
	s.RescheduleNext()
	s.RescheduleNext()

	if bridge.count() != 1 {
		t.Fatalf("meeting notified %d times, want 1", bridge.count())
	}
}

func TestTimerFiresForUpcomingMeeting(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := confirmedEvent("ev1", now.Add(60*time.Millisecond), now.Add(30*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}
	broadcast := bus.New()
	messages, cancel := broadcast.Subscribe()
	defer cancel()

	s := New(st, bridge, broadcast, WithClock(func() time.Time { return now }))
	s.RescheduleNext()

	if bridge.count() != 0 {
		t.Fatal("notified before start time")
	}
	if _, ok := collectChannel(t, messages, bus.ChannelMeetingStarting, 2*time.Second); !ok {
		t.Fatal("start timer never fired")
	}
}

func TestDeletedEventDoesNotNotify(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := confirmedEvent("ev1", now.Add(40*time.Millisecond), now.Add(30*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}

	s := New(st, bridge, nil, WithClock(func() time.Time { return now }))
	s.RescheduleNext()

	// The event disappears between arming and firing.
	st.remove(ev)
	time.Sleep(200 * time.Millisecond)

	if bridge.count() != 0 {
		t.Fatalf("stale event produced %d notifications", bridge.count())
	}
}

func TestEndTimerPublishesMeetingEnded(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	// Already started; ends 60ms of real time after the start fires.
	ev := confirmedEvent("ev1", now.Add(-time.Minute), now.Add(60*time.Millisecond))
	st := newFakeStore(ev)
	broadcast := bus.New()
	messages, cancel := broadcast.Subscribe()
	defer cancel()

	s := New(st, &countingBridge{}, broadcast, WithClock(func() time.Time { return now }))
	s.RescheduleNext()

	if _, ok := collectChannel(t, messages, bus.ChannelMeetingEnded, 2*time.Second); !ok {
		t.Fatal("meeting-ended never broadcast")
	}
	if s.ActiveMeeting() != nil {
		t.Error("active meeting not cleared after end")
	}
}

func TestOnWakeFiresMissedMeetingAndRequestsSync(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	now := start
	ev := confirmedEvent("ev1", start.Add(30*time.Minute), start.Add(90*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}

	s := New(st, bridge, nil, WithClock(func() time.Time { return now }))

	synced := make(chan struct{}, 4)
	s.SetSyncRequester(func() { synced <- struct{}{} })
	s.RescheduleNext()

	// Sleep through the start; wake mid-meeting.
	now = start.Add(45 * time.Minute)
	s.OnWake()

	if bridge.count() != 1 {
		t.Fatalf("missed meeting notified %d times, want 1", bridge.count())
	}
	active := s.ActiveMeeting()
	if active == nil || active.ID != "ev1" {
		t.Errorf("active meeting after wake = %+v", active)
	}
	select {
	case <-synced:
	case <-time.After(time.Second):
		t.Fatal("wake did not request a sync")
	}
}

func TestOnWakeEndsMeetingThatEndedDuringSuspend(t *testing.T) {
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	ev := confirmedEvent("ev1", start, start.Add(30*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}
	broadcast := bus.New()
	messages, cancel := broadcast.Subscribe()
	defer cancel()

	s := New(st, bridge, broadcast, WithClock(func() time.Time { return now }))
	s.RescheduleNext()
	if active := s.ActiveMeeting(); active == nil || active.ID != "ev1" {
		t.Fatalf("setup: active meeting = %+v", active)
	}

	// Suspend past the end of the window; the end timer counts
	// monotonic time, so it never saw the window close.
	now = start.Add(90 * time.Minute)
	s.OnWake()

	if s.ActiveMeeting() != nil {
		t.Error("meeting still active after waking past its end")
	}
	msg, ok := collectChannel(t, messages, bus.ChannelMeetingEnded, time.Second)
	if !ok {
		t.Fatal("meeting-ended never broadcast")
	}
	if ended, _ := msg.Payload.(calendar.Event); ended.ID != "ev1" {
		t.Errorf("ended event = %q", ended.ID)
	}
	if bridge.count() != 1 {
		t.Errorf("notifications = %d, want 1", bridge.count())
	}
}

func TestOverlappingMeetingWaitsForActiveToEnd(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	now := base.Add(15 * time.Minute)
	ev1 := confirmedEvent("ev1", base, base.Add(30*time.Minute))
	ev2 := confirmedEvent("ev2", base.Add(10*time.Minute), base.Add(40*time.Minute))
	st := newFakeStore(ev1, ev2)
	bridge := &countingBridge{}
	broadcast := bus.New()
	messages, cancel := broadcast.Subscribe()
	defer cancel()

	s := New(st, bridge, broadcast, WithClock(func() time.Time { return now }))
	s.RescheduleNext()

	// The earlier meeting holds the active slot; the overlapping one
	// must not displace it and silently drop its end transition.
	active := s.ActiveMeeting()
	if active == nil || active.ID != "ev1" {
		t.Fatalf("active meeting = %+v, want ev1", active)
	}
	if bridge.count() != 1 {
		t.Fatalf("notifications = %d, want 1", bridge.count())
	}

	// Once the first window closes, ev1 ends and ev2 takes the slot.
	now = base.Add(35 * time.Minute)
	s.OnWake()

	msg, ok := collectChannel(t, messages, bus.ChannelMeetingEnded, time.Second)
	if !ok {
		t.Fatal("first meeting never broadcast meeting-ended")
	}
	if ended, _ := msg.Payload.(calendar.Event); ended.ID != "ev1" {
		t.Errorf("ended event = %q, want ev1", ended.ID)
	}
	active = s.ActiveMeeting()
	if active == nil || active.ID != "ev2" {
		t.Errorf("active meeting after end = %+v, want ev2", active)
	}
	if bridge.count() != 2 {
		t.Errorf("notifications = %d, want 2", bridge.count())
	}
}

func TestOnWakeSkipsFullyMissedMeeting(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	now := start
	ev := confirmedEvent("ev1", start.Add(10*time.Minute), start.Add(40*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}

	s := New(st, bridge, nil, WithClock(func() time.Time { return now }))
	s.RescheduleNext()

	// Wake after the meeting is entirely over.
	now = start.Add(2 * time.Hour)
	s.OnWake()

	if bridge.count() != 0 {
		t.Fatalf("fully elapsed meeting notified %d times", bridge.count())
	}
}

func TestFocusRefreshThrottled(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := New(newFakeStore(), &countingBridge{}, nil, WithClock(func() time.Time { return now }))

	synced := make(chan struct{}, 8)
	s.SetSyncRequester(func() { synced <- struct{}{} })

	s.OnFocusRefresh()
	now = now.Add(5 * time.Second)
	s.OnFocusRefresh()
	now = now.Add(40 * time.Second)
	s.OnFocusRefresh()

	deadline := time.After(time.Second)
	count := 0
	for count < 2 {
		select {
		case <-synced:
			count++
		case <-deadline:
			t.Fatalf("sync requested %d times, want 2", count)
		}
	}
	select {
	case <-synced:
		t.Fatal("throttled refresh still requested a sync")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResetClearsNotifiedSet(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := confirmedEvent("ev1", now.Add(-time.Minute), now.Add(29*time.Minute))
	st := newFakeStore(ev)
	bridge := &countingBridge{}

	s := New(st, bridge, nil, WithClock(func() time.Time { return now }))
	s.RescheduleNext()
	if bridge.count() != 1 {
		t.Fatalf("setup: expected one notification, got %d", bridge.count())
	}

	s.Reset()
	s.RescheduleNext()
	if bridge.count() != 2 {
		t.Fatalf("after reset expected re-notification, got %d", bridge.count())
	}
}

func TestClockJumpDetection(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fired := 0
	m := NewWakeMonitor(func() { fired++ },
		WithWakeInterval(30*time.Second),
		WithWakeJumpThreshold(2*time.Minute),
		WithWakeClock(func() time.Time { return now }),
	)
	m.lastTick = now

	// Normal ticks never fire.
	now = now.Add(30 * time.Second)
	m.CheckClockJump()
	now = now.Add(31 * time.Second)
	m.CheckClockJump()
	if fired != 0 {
		t.Fatalf("normal ticks fired wake %d times", fired)
	}

	// A suspend shows up as a large gap.
	now = now.Add(45 * time.Minute)
	m.CheckClockJump()
	if fired != 1 {
		t.Fatalf("clock jump fired wake %d times, want 1", fired)
	}

	// Debounce: an immediate second jump report is absorbed.
	now = now.Add(5 * time.Second)
	m.lastTick = now.Add(-10 * time.Minute)
	m.CheckClockJump()
	if fired != 1 {
		t.Fatalf("debounce failed; wake fired %d times", fired)
	}
}
