package detect

import (
	"time"
)

// Source names a signal source.
type Source string

const (
	SourceProcess Source = "process"
	SourceAudio   Source = "audio"
)

// SignalEvent is one start/end report from a signal source. Signals are
// untrusted heuristics; the arbiter decides whether anything reaches
// the user.
type SignalEvent struct {
	Source    Source
	Key       string
	Payload   string // human-readable label for the detected condition
	Timestamp time.Time
	Started   bool
}

// DetectionID builds the arbiter's dedup key for a signal.
func (e SignalEvent) DetectionID() string {
	return string(e.Source) + ":" + e.Key
}

// SignalSource is one detector the arbiter can start and stop. Sources
// publish SignalEvents on the channel they were constructed with and
// never call into the arbiter directly.
type SignalSource interface {
	Name() Source
	Start()
	Stop()
	Dismiss(key string)
}
