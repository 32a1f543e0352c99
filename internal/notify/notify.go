package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/OpenWhispr/openwhispr/internal/logger"
)

// Action identifiers attached to interactive notifications.
const (
	ActionStart   = "start"
	ActionDismiss = "dismiss"
)

// Notification is one native desktop notification. Actions is a list of
// action identifiers rendered as buttons (ActionStart, ActionDismiss).
type Notification struct {
	Title   string
	Body    string
	Actions []string
}

// Bridge raises native notifications and routes user responses back.
// onAction receives the invoked action identifier; onClose fires when
// the notification is closed without any action.
type Bridge interface {
	ShowNative(n Notification, onAction func(action string), onClose func()) error
	Close() error
}

const (
	notifyService   = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"
)

// DBusBridge delivers notifications over the session bus using
// org.freedesktop.Notifications, with button actions wired through the
// ActionInvoked and NotificationClosed signals.
type DBusBridge struct {
	conn    *dbus.Conn
	appName string

	mu       sync.Mutex
	handlers map[uint32]*pending
	done     chan struct{}
}

type pending struct {
	onAction func(string)
	onClose  func()
	acted    bool
}

func NewDBusBridge(appName string) (*DBusBridge, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	b := &DBusBridge{
		conn:     conn,
		appName:  appName,
		handlers: make(map[uint32]*pending),
		done:     make(chan struct{}),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(notifyPath),
		dbus.WithMatchInterface(notifyInterface),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe notification signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go b.dispatch(signals)

	return b, nil
}

func (b *DBusBridge) ShowNative(n Notification, onAction func(string), onClose func()) error {
	actions := make([]string, 0, len(n.Actions)*2)
	for _, action := range n.Actions {
		actions = append(actions, action, actionLabel(action))
	}

	obj := b.conn.Object(notifyService, notifyPath)
	call := obj.Call(notifyInterface+".Notify", 0,
		b.appName,
		uint32(0), // no replaces_id
		"",        // default icon
		n.Title,
		n.Body,
		actions,
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(1)), // normal
		},
		int32(-1), // server default expiry
	)

	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify call failed: %w", err)
	}

	if onAction != nil || onClose != nil {
		b.mu.Lock()
		b.handlers[id] = &pending{onAction: onAction, onClose: onClose}
		b.mu.Unlock()
	}

	logger.Debug("notification shown", "id", id, "title", n.Title)
	return nil
}

func (b *DBusBridge) dispatch(signals chan *dbus.Signal) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			b.handleSignal(sig)
		case <-b.done:
			return
		}
	}
}

func (b *DBusBridge) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case notifyInterface + ".ActionInvoked":
		if len(sig.Body) != 2 {
			return
		}
		id, _ := sig.Body[0].(uint32)
		action, _ := sig.Body[1].(string)

		b.mu.Lock()
		p := b.handlers[id]
		if p != nil {
			p.acted = true
		}
		b.mu.Unlock()

		if p != nil && p.onAction != nil {
			p.onAction(action)
		}
	case notifyInterface + ".NotificationClosed":
		if len(sig.Body) != 2 {
			return
		}
		id, _ := sig.Body[0].(uint32)

		b.mu.Lock()
		p := b.handlers[id]
		delete(b.handlers, id)
		acted := p != nil && p.acted
		b.mu.Unlock()

		// Closing after an action is routine; only a plain close counts
		// as a non-response.
		if p != nil && !acted && p.onClose != nil {
			p.onClose()
		}
	}
}

func (b *DBusBridge) Close() error {
	close(b.done)
	return b.conn.Close()
}

func actionLabel(action string) string {
	switch action {
	case ActionStart:
		return "Start Recording"
	case ActionDismiss:
		return "Dismiss"
	default:
		return action
	}
}

// NoopBridge is used when no session bus is available (headless or CI).
type NoopBridge struct{}

func (NoopBridge) ShowNative(n Notification, onAction func(string), onClose func()) error {
	logger.Info("notification suppressed (no session bus)", "title", n.Title)
	return nil
}

func (NoopBridge) Close() error { return nil }

// Connect returns a DBusBridge when the session bus is reachable and
// falls back to a NoopBridge otherwise.
func Connect(appName string) Bridge {
	bridge, err := NewDBusBridge(appName)
	if err != nil {
		logger.Warn("session bus unavailable; notifications disabled", "error", err)
		return NoopBridge{}
	}
	return bridge
}
