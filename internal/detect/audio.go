package detect

import (
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/OpenWhispr/openwhispr/internal/logger"
)

// AudioKey is the single key emitted by the sustained-audio source.
const AudioKey = "sustained-audio"

// AudioDetector reports sustained microphone activity via PulseAudio.
// It is a momentary source: one started signal when the default input
// has been running beyond the sustain threshold, self-clearing when the
// input goes idle or the detection is dismissed.
type AudioDetector struct {
	signals  chan<- SignalEvent
	interval time.Duration
	sustain  time.Duration
	now      func() time.Time
	probe    func() (bool, error)

	mu          sync.Mutex
	stop        chan struct{}
	activeSince time.Time
	latched     bool
}

type AudioOption func(*AudioDetector)

func WithAudioInterval(interval time.Duration) AudioOption {
	return func(d *AudioDetector) { d.interval = interval }
}

func WithAudioSustain(sustain time.Duration) AudioOption {
	return func(d *AudioDetector) { d.sustain = sustain }
}

func WithAudioClock(now func() time.Time) AudioOption {
	return func(d *AudioDetector) { d.now = now }
}

// WithAudioProbe replaces the PulseAudio probe (tests).
func WithAudioProbe(probe func() (bool, error)) AudioOption {
	return func(d *AudioDetector) { d.probe = probe }
}

func NewAudioDetector(signals chan<- SignalEvent, opts ...AudioOption) *AudioDetector {
	d := &AudioDetector{
		signals:  signals,
		interval: 5 * time.Second,
		sustain:  30 * time.Second,
		now:      time.Now,
		probe:    defaultSourceRunning,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *AudioDetector) Name() Source { return SourceAudio }

func (d *AudioDetector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})

	go d.run(d.stop)
	logger.Info("audio detection started", "sustain", d.sustain)
}

func (d *AudioDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop == nil {
		return
	}
	close(d.stop)
	d.stop = nil
	d.activeSince = time.Time{}
	d.latched = false
	logger.Info("audio detection stopped")
}

// Dismiss resets the latch so a persisting condition can signal again
// once the arbiter's cooldown has passed.
func (d *AudioDetector) Dismiss(string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latched = false
	d.activeSince = d.now()
}

func (d *AudioDetector) run(stop chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Poll()
		case <-stop:
			return
		}
	}
}

// Poll samples the audio state once and emits signals on transitions.
func (d *AudioDetector) Poll() {
	running, err := d.probe()
	if err != nil {
		logger.Warn("audio probe failed", "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !running {
		if d.latched {
			d.latched = false
			d.emit(SignalEvent{Source: SourceAudio, Key: AudioKey, Timestamp: now})
		}
		d.activeSince = time.Time{}
		return
	}

	if d.activeSince.IsZero() {
		d.activeSince = now
		return
	}

	if !d.latched && now.Sub(d.activeSince) >= d.sustain {
		d.latched = true
		d.emit(SignalEvent{
			Source:    SourceAudio,
			Key:       AudioKey,
			Payload:   "Sustained audio activity",
			Timestamp: now,
			Started:   true,
		})
	}
}

func (d *AudioDetector) emit(ev SignalEvent) {
	select {
	case d.signals <- ev:
	default:
		logger.Warn("signal channel full; dropping audio signal")
	}
}

// defaultSourceRunning reports whether the PulseAudio default input
// source is actively being read (someone is capturing the microphone).
func defaultSourceRunning() (bool, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("openwhisprd"),
	)
	if err != nil {
		return false, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return false, fmt.Errorf("read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return false, fmt.Errorf("list sources: %w", err)
	}

	for _, source := range sourceInfos {
		if source == nil || source.SourceName != defaultID {
			continue
		}
		// PulseAudio source states: running=0, idle=1, suspended=2.
		return source.State == 0 && !source.Mute, nil
	}
	return false, nil
}
