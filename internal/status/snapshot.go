package status

import (
	"sync/atomic"
	"time"
)

// State is the externally observable live status of the watched channel.
type State string

const (
	// StateUnknown is the initial state before the first completed poll.
	StateUnknown State = "unknown"
	StateNotLive State = "not_live"
	StateLive    State = "live"
	// StateDegraded means the upstream has been failing beyond the
	// configured threshold; LastKnown preserves the last confirmed state.
	StateDegraded State = "degraded"
)

// Snapshot is the single authoritative record of the last known live status.
// It is replaced wholesale after every poll attempt and never mutated in
// place, so readers always see a consistent view.
type Snapshot struct {
	ChannelID string `json:"channelId"`
	State     State  `json:"state"`

	// IsLive and VideoID reflect the last successful poll. IsLive true
	// implies VideoID is set. Transient failures leave both untouched.
	IsLive  bool   `json:"isLive"`
	VideoID string `json:"videoId,omitempty"`

	// LastKnown carries the pre-degradation state while State is degraded.
	LastKnown State `json:"lastKnown,omitempty"`

	// ObservedAt is the time of the last successful poll; CheckedAt the
	// time of the last attempt, successful or not.
	ObservedAt time.Time `json:"observedAt,omitempty"`
	CheckedAt  time.Time `json:"checkedAt,omitempty"`

	LastError           string `json:"lastError,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

// Holder shares a Snapshot between the poller (single writer) and the HTTP
// handlers (many readers) through an atomic pointer swap.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder seeds the holder with the initial unknown snapshot for channel.
func NewHolder(channelID string) *Holder {
	h := &Holder{}
	h.current.Store(&Snapshot{
		ChannelID: channelID,
		State:     StateUnknown,
	})
	return h
}

// Load returns the current snapshot. The returned value must be treated as
// read-only; writers go through Store with a fresh copy.
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Store publishes a new snapshot.
func (h *Holder) Store(s *Snapshot) {
	h.current.Store(s)
}
