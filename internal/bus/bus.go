package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/OpenWhispr/openwhispr/internal/logger"
)

// Channel names broadcast to UI subscribers.
const (
	ChannelConnectionChanged = "calendar-connection-changed"
	ChannelEventsSynced      = "calendar-events-synced"
	ChannelMeetingStarting   = "meeting-starting"
	ChannelMeetingEnded      = "meeting-ended"
	ChannelMeetingDetected   = "meeting-detected"
)

// Message is one broadcast payload.
type Message struct {
	Channel string
	Payload any
}

// Bus fans broadcast messages out to UI subscribers. Publishing never
// blocks; a subscriber that stops draining loses messages rather than
// stalling the engine.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan Message
}

func New() *Bus {
	return &Bus{
		subs: make(map[string]chan Message),
	}
}

// Subscribe registers a subscriber and returns its message channel and
// an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Message, 32)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish broadcasts a message to all subscribers.
func (b *Bus) Publish(channel string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub <- Message{Channel: channel, Payload: payload}:
		default:
			logger.Warn("dropping broadcast for slow subscriber", "channel", channel, "subscriber", id)
		}
	}
}
