package detect

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OpenWhispr/openwhispr/internal/logger"
)

// ProcessDetector reports the presence of known meeting applications by
// scanning the process table. It is a continuous-state source: one
// started signal when an application appears, one ended signal when it
// exits.
type ProcessDetector struct {
	signals  chan<- SignalEvent
	names    []string
	interval time.Duration
	procDir  string
	now      func() time.Time

	mu      sync.Mutex
	present map[string]bool
	stop    chan struct{}
}

type ProcessOption func(*ProcessDetector)

func WithProcDir(dir string) ProcessOption {
	return func(d *ProcessDetector) { d.procDir = dir }
}

func WithProcessInterval(interval time.Duration) ProcessOption {
	return func(d *ProcessDetector) { d.interval = interval }
}

func WithProcessClock(now func() time.Time) ProcessOption {
	return func(d *ProcessDetector) { d.now = now }
}

func NewProcessDetector(signals chan<- SignalEvent, names []string, opts ...ProcessOption) *ProcessDetector {
	lowered := make([]string, 0, len(names))
	for _, name := range names {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(name)))
	}

	d := &ProcessDetector{
		signals:  signals,
		names:    lowered,
		interval: 5 * time.Second,
		procDir:  "/proc",
		now:      time.Now,
		present:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *ProcessDetector) Name() Source { return SourceProcess }

func (d *ProcessDetector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})

	go d.run(d.stop)
	logger.Info("process detection started", "names", d.names)
}

func (d *ProcessDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop == nil {
		return
	}
	close(d.stop)
	d.stop = nil
	d.present = make(map[string]bool)
	logger.Info("process detection stopped")
}

// Dismiss is a no-op for process presence: the arbiter's cooldown
// absorbs dismissals, and a continuous source re-signals only after the
// application exits and reappears.
func (d *ProcessDetector) Dismiss(string) {}

func (d *ProcessDetector) run(stop chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Scan()
	for {
		select {
		case <-ticker.C:
			d.Scan()
		case <-stop:
			return
		}
	}
}

// Scan diffs the process table against the last pass and emits
// started/ended signals for appearing and vanishing applications.
func (d *ProcessDetector) Scan() {
	found, err := d.scanProcesses()
	if err != nil {
		// A failing source is no signal, never an error upstream.
		logger.Warn("process scan failed", "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for name := range found {
		if !d.present[name] {
			d.present[name] = true
			d.emit(SignalEvent{
				Source:    SourceProcess,
				Key:       name,
				Payload:   displayLabel(name),
				Timestamp: now,
				Started:   true,
			})
		}
	}
	for name := range d.present {
		if !found[name] {
			delete(d.present, name)
			d.emit(SignalEvent{
				Source:    SourceProcess,
				Key:       name,
				Timestamp: now,
			})
		}
	}
}

func (d *ProcessDetector) scanProcesses() (map[string]bool, error) {
	entries, err := os.ReadDir(d.procDir)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() || !isNumeric(entry.Name()) {
			continue
		}

		comm, err := os.ReadFile(filepath.Join(d.procDir, entry.Name(), "comm"))
		if err != nil {
			continue // process vanished mid-scan
		}

		proc := strings.ToLower(strings.TrimSpace(string(comm)))
		for _, name := range d.names {
			if strings.Contains(proc, name) {
				found[name] = true
			}
		}
	}
	return found, nil
}

func (d *ProcessDetector) emit(ev SignalEvent) {
	select {
	case d.signals <- ev:
	default:
		logger.Warn("signal channel full; dropping process signal", "key", ev.Key)
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func displayLabel(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
