package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OpenWhispr/openwhispr/internal/bus"
	"github.com/OpenWhispr/openwhispr/internal/calendar"
	"github.com/OpenWhispr/openwhispr/internal/logger"
	"github.com/OpenWhispr/openwhispr/internal/notify"
)

const (
	// DefaultCooldown is how long a source stays muted after the user
	// dismisses one of its detections.
	DefaultCooldown = 30 * time.Minute

	// DefaultImminentWindow is how far ahead a calendar event counts as
	// the subject of a heuristic detection.
	DefaultImminentWindow = 5 * time.Minute
)

// CalendarTruth is the scheduler's view the arbiter consults before
// prompting: calendar truth always wins over heuristic signals.
type CalendarTruth interface {
	ActiveMeeting() *calendar.Event
}

// EventStore is the slice of persistence the arbiter reads.
type EventStore interface {
	GetActiveEvents(now time.Time) ([]calendar.Event, error)
	GetUpcomingEvents(now time.Time, window time.Duration) ([]calendar.Event, error)
}

// Detection is one open, unresolved meeting-heuristic signal awaiting a
// user response. Keyed by source:key; in-memory only.
type Detection struct {
	ID        string
	Source    Source
	Key       string
	Payload   string
	Subject   *calendar.Event // imminent calendar event, when one exists
	CreatedAt time.Time
	Dismissed bool
}

// DetectedMeeting is the broadcast payload for a raised detection.
type DetectedMeeting struct {
	DetectionID string `json:"detection_id"`
	Source      string `json:"source"`
	Subject     string `json:"subject"`
}

// Arbiter combines independent, untrusted meeting signals into at most
// one user-facing prompt at a time, suppressed by calendar ground truth.
type Arbiter struct {
	store          EventStore
	truth          CalendarTruth
	bridge         notify.Bridge
	broadcast      *bus.Bus
	cooldown       time.Duration
	imminentWindow time.Duration
	now            func() time.Time

	signals chan SignalEvent

	mu            sync.Mutex
	sources       map[Source]SignalSource
	enabled       map[Source]bool
	detections    map[string]*Detection
	cooldownUntil map[Source]time.Time

	// OnStartRecording is invoked when the user accepts a prompt; the
	// caller begins recording against the detection's subject.
	OnStartRecording func(det Detection)
}

type ArbiterOption func(*Arbiter)

func WithCooldown(d time.Duration) ArbiterOption {
	return func(a *Arbiter) { a.cooldown = d }
}

func WithImminentWindow(d time.Duration) ArbiterOption {
	return func(a *Arbiter) { a.imminentWindow = d }
}

func WithArbiterClock(now func() time.Time) ArbiterOption {
	return func(a *Arbiter) { a.now = now }
}

func NewArbiter(store EventStore, truth CalendarTruth, bridge notify.Bridge, broadcast *bus.Bus, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		store:          store,
		truth:          truth,
		bridge:         bridge,
		broadcast:      broadcast,
		cooldown:       DefaultCooldown,
		imminentWindow: DefaultImminentWindow,
		now:            time.Now,
		signals:        make(chan SignalEvent, 64),
		sources:        make(map[Source]SignalSource),
		enabled:        make(map[Source]bool),
		detections:     make(map[string]*Detection),
		cooldownUntil:  make(map[Source]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Signals is the channel signal sources publish on.
func (a *Arbiter) Signals() chan<- SignalEvent {
	return a.signals
}

// RegisterSource registers a source and starts it if enabled.
func (a *Arbiter) RegisterSource(src SignalSource, enabled bool) {
	a.mu.Lock()
	a.sources[src.Name()] = src
	a.enabled[src.Name()] = enabled
	a.mu.Unlock()

	if enabled {
		src.Start()
	}
}

// SetPreference toggles a signal kind. Disabling a source stops it and
// drops its open detections so none go stale.
func (a *Arbiter) SetPreference(source Source, enabled bool) {
	a.mu.Lock()
	src := a.sources[source]
	wasEnabled := a.enabled[source]
	a.enabled[source] = enabled

	if !enabled {
		for id, det := range a.detections {
			if det.Source == source {
				delete(a.detections, id)
			}
		}
	}
	a.mu.Unlock()

	if src == nil || wasEnabled == enabled {
		return
	}
	if enabled {
		src.Start()
	} else {
		src.Stop()
	}
	logger.Info("detection preference changed", "source", source, "enabled", enabled)
}

// Run consumes signal events until the context is cancelled.
func (a *Arbiter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-a.signals:
			a.HandleSignal(ev)
		case <-ctx.Done():
			a.Shutdown()
			return
		}
	}
}

// Shutdown stops all registered sources.
func (a *Arbiter) Shutdown() {
	a.mu.Lock()
	sources := make([]SignalSource, 0, len(a.sources))
	for _, src := range a.sources {
		sources = append(sources, src)
	}
	a.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
}

// HandleSignal dispatches one signal event.
func (a *Arbiter) HandleSignal(ev SignalEvent) {
	if ev.Started {
		a.handleStarted(ev)
	} else {
		a.handleEnded(ev)
	}
}

func (a *Arbiter) handleStarted(ev SignalEvent) {
	id := ev.DetectionID()
	now := a.now()

	a.mu.Lock()
	a.pruneLocked(now)

	if !a.enabled[ev.Source] {
		a.mu.Unlock()
		logger.Debug("ignoring signal from disabled source", "id", id)
		return
	}

	if until, ok := a.cooldownUntil[ev.Source]; ok && now.Before(until) {
		a.mu.Unlock()
		logger.Debug("ignoring signal during cooldown", "id", id, "until", until)
		return
	}

	if open := a.openDetectionLocked(); open != nil {
		a.mu.Unlock()
		logger.Debug("ignoring signal; a prompt is already open", "id", id, "open", open.ID)
		return
	}
	a.mu.Unlock()

	// Calendar truth wins over heuristics: an active meeting (scheduled
	// or in the event table) suppresses the prompt entirely.
	if a.truth != nil && a.truth.ActiveMeeting() != nil {
		logger.Debug("suppressing detection; meeting already active", "id", id)
		return
	}
	if active, err := a.store.GetActiveEvents(now); err != nil {
		logger.Warn("failed to query active events; treating as none", "error", err)
	} else if len(active) > 0 {
		logger.Debug("suppressing detection; calendar shows active event", "id", id, "event_id", active[0].ID)
		return
	}

	// An imminent event makes a richer prompt subject than the raw
	// detected-application payload.
	var subject *calendar.Event
	if upcoming, err := a.store.GetUpcomingEvents(now, a.imminentWindow); err != nil {
		logger.Warn("failed to query imminent events", "error", err)
	} else if len(upcoming) > 0 {
		subject = &upcoming[0]
	}

	det := &Detection{
		ID:        id,
		Source:    ev.Source,
		Key:       ev.Key,
		Payload:   ev.Payload,
		Subject:   subject,
		CreatedAt: now,
	}

	a.mu.Lock()
	a.detections[id] = det
	a.mu.Unlock()

	logger.Info("meeting detected", "id", id, "has_subject", subject != nil)

	if a.broadcast != nil {
		a.broadcast.Publish(bus.ChannelMeetingDetected, DetectedMeeting{
			DetectionID: det.ID,
			Source:      string(det.Source),
			Subject:     a.subjectLine(det),
		})
	}

	if a.bridge != nil {
		title, body := a.promptText(det)
		err := a.bridge.ShowNative(notify.Notification{
			Title:   title,
			Body:    body,
			Actions: []string{notify.ActionStart, notify.ActionDismiss},
		}, func(action string) {
			if action == notify.ActionStart {
				a.Start(id)
			} else {
				a.Dismiss(id)
			}
		}, func() {
			a.Dismiss(id)
		})
		if err != nil {
			logger.Warn("failed to raise detection prompt", "id", id, "error", err)
		}
	}
}

func (a *Arbiter) handleEnded(ev SignalEvent) {
	id := ev.DetectionID()

	a.mu.Lock()
	_, existed := a.detections[id]
	delete(a.detections, id)
	a.mu.Unlock()

	if existed {
		logger.Debug("detection cleared by source", "id", id)
	}
}

// Start resolves a detection as accepted: the caller begins recording
// against its subject. No cooldown applies.
func (a *Arbiter) Start(id string) {
	a.mu.Lock()
	det, ok := a.detections[id]
	if ok {
		delete(a.detections, id)
	}
	a.mu.Unlock()

	if !ok {
		return
	}

	logger.Info("detection accepted", "id", id)
	if a.OnStartRecording != nil {
		a.OnStartRecording(*det)
	}
}

// Dismiss marks a detection dismissed and mutes its source for the
// cooldown window, so an ongoing already-declined meeting does not keep
// interrupting.
func (a *Arbiter) Dismiss(id string) {
	now := a.now()

	a.mu.Lock()
	det, ok := a.detections[id]
	if !ok || det.Dismissed {
		a.mu.Unlock()
		return
	}
	det.Dismissed = true
	a.cooldownUntil[det.Source] = now.Add(a.cooldown)
	src := a.sources[det.Source]
	a.mu.Unlock()

	logger.Info("detection dismissed", "id", id, "cooldown_until", now.Add(a.cooldown))
	if src != nil {
		src.Dismiss(det.Key)
	}
}

// Detection returns a copy of the detection with the given id.
func (a *Arbiter) Detection(id string) (Detection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	det, ok := a.detections[id]
	if !ok {
		return Detection{}, false
	}
	return *det, true
}

func (a *Arbiter) openDetectionLocked() *Detection {
	for _, det := range a.detections {
		if !det.Dismissed {
			return det
		}
	}
	return nil
}

// pruneLocked drops dismissed detections whose cooldown has expired.
func (a *Arbiter) pruneLocked(now time.Time) {
	for id, det := range a.detections {
		if det.Dismissed && !now.Before(a.cooldownUntil[det.Source]) {
			delete(a.detections, id)
		}
	}
}

func (a *Arbiter) subjectLine(det *Detection) string {
	if det.Subject != nil {
		return det.Subject.GetShortSummary()
	}
	return det.Payload
}

func (a *Arbiter) promptText(det *Detection) (title, body string) {
	if det.Subject != nil {
		title = fmt.Sprintf("%s is starting", det.Subject.GetShortSummary())
		body = fmt.Sprintf("Starts at %s. Record this meeting?", det.Subject.StartTime.Format("15:04"))
		return title, body
	}
	title = fmt.Sprintf("%s meeting detected", det.Payload)
	body = "Record this meeting?"
	return title, body
}
