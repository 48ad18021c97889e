package presence

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// StaleThreshold is how long a record may go without a write before
	// observers evict it.
	StaleThreshold = 30 * time.Second
	// CursorInterval is the minimum spacing between cursor writes.
	CursorInterval = 100 * time.Millisecond
	// WriteTimeout bounds every fire-and-forget write.
	WriteTimeout = 5 * time.Second
	// HeartbeatInterval is how often a joined session refreshes lastSeen.
	HeartbeatInterval = 10 * time.Second
)

// Options carries the ambient dependencies of the engine. The zero value
// is usable.
type Options struct {
	Clock          clock.Clock
	Logger         *zap.Logger
	StaleThreshold time.Duration
	CursorInterval time.Duration
	WriteTimeout   time.Duration

	// HeartbeatInterval must stay below StaleThreshold. Anything else falls
	// back to a third of the threshold.
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = StaleThreshold
	}
	if o.CursorInterval <= 0 {
		o.CursorInterval = CursorInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = WriteTimeout
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.StaleThreshold {
		o.HeartbeatInterval = min(HeartbeatInterval, o.StaleThreshold/3)
	}
	return o
}
