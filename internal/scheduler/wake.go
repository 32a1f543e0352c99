package scheduler

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/OpenWhispr/openwhispr/internal/logger"
)

const (
	logindService   = "org.freedesktop.login1"
	logindPath      = "/org/freedesktop/login1"
	logindInterface = "org.freedesktop.login1.Manager"

	// defaultTickInterval is how often the fallback watcher samples the
	// wall clock.
	defaultTickInterval = 30 * time.Second

	// defaultJumpThreshold is how far the clock must leap past the
	// expected tick before the gap counts as a suspend.
	defaultJumpThreshold = 2 * time.Minute

	// wakeDebounce absorbs the logind signal and the clock-jump watcher
	// both firing for the same resume.
	wakeDebounce = 10 * time.Second
)

// WakeMonitor fires a callback when the host resumes from sleep. The
// primary signal is logind's PrepareForSleep; a wall-clock jump watcher
// covers hosts without logind.
type WakeMonitor struct {
	onWake   func()
	interval time.Duration
	jump     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	conn     *dbus.Conn
	stop     chan struct{}
	lastTick time.Time
	lastFire time.Time
}

type WakeOption func(*WakeMonitor)

func WithWakeInterval(d time.Duration) WakeOption {
	return func(m *WakeMonitor) { m.interval = d }
}

func WithWakeJumpThreshold(d time.Duration) WakeOption {
	return func(m *WakeMonitor) { m.jump = d }
}

func WithWakeClock(now func() time.Time) WakeOption {
	return func(m *WakeMonitor) { m.now = now }
}

func NewWakeMonitor(onWake func(), opts ...WakeOption) *WakeMonitor {
	m := &WakeMonitor{
		onWake:   onWake,
		interval: defaultTickInterval,
		jump:     defaultJumpThreshold,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins watching for resumes. The logind subscription is best
// effort; the clock-jump watcher always runs.
func (m *WakeMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.lastTick = m.now()

	if err := m.subscribeLogind(); err != nil {
		logger.Warn("logind unavailable; relying on clock-jump detection", "error", err)
	}

	go m.watchClock(m.stop)
}

func (m *WakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stop = nil

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *WakeMonitor) subscribeLogind() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return err
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		_ = conn.Close()
		return err
	}

	m.conn = conn
	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	go m.watchLogind(signals, m.stop)

	logger.Debug("subscribed to logind sleep signals")
	return nil
}

func (m *WakeMonitor) watchLogind(signals chan *dbus.Signal, stop chan struct{}) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != logindInterface+".PrepareForSleep" || len(sig.Body) != 1 {
				continue
			}
			// true announces an imminent suspend; false is the resume.
			if entering, _ := sig.Body[0].(bool); !entering {
				logger.Info("resume signalled by logind")
				m.fire()
			}
		case <-stop:
			return
		}
	}
}

func (m *WakeMonitor) watchClock(stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckClockJump()
		case <-stop:
			return
		}
	}
}

// CheckClockJump samples the wall clock and fires the wake callback if
// far more time passed than one tick interval, which means the process
// was suspended.
func (m *WakeMonitor) CheckClockJump() {
	m.mu.Lock()
	now := m.now()
	gap := now.Sub(m.lastTick)
	m.lastTick = now
	m.mu.Unlock()

	if gap > m.interval+m.jump {
		logger.Info("wall clock jumped; assuming resume from sleep", "gap", gap)
		m.fire()
	}
}

func (m *WakeMonitor) fire() {
	m.mu.Lock()
	now := m.now()
	if now.Sub(m.lastFire) < wakeDebounce {
		m.mu.Unlock()
		return
	}
	m.lastFire = now
	m.mu.Unlock()

	if m.onWake != nil {
		m.onWake()
	}
}
