package models

import "time"

// Stream lifecycle states. Transitions are one-directional:
// starting -> active -> ending -> ended. A record never re-enters
// StreamStatusStarting once it has left it.
const (
	StreamStatusStarting = "starting"
	StreamStatusActive   = "active"
	StreamStatusEnding   = "ending"
	StreamStatusEnded    = "ended"
)

// Stream is the persisted record of one broadcaster session. The relay
// pipeline holds the live process and socket handles; this record only
// tracks metadata and externally visible state.
type Stream struct {
	ID          string     `json:"id"`
	MatchID     string     `json:"matchId"`
	OwnerID     string     `json:"ownerId"`
	StreamKey   string     `json:"streamKey"`
	Status      string     `json:"status"`
	PlaybackURL string     `json:"playbackUrl,omitempty"`
	ViewerCount int        `json:"viewerCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	// ControlTokenHash is the pbkdf2 digest of the one-time control token
	// returned at creation. It authorises destructive operations on the
	// record. API handlers serve a response view that omits it.
	ControlTokenHash string `json:"controlTokenHash,omitempty"`
}

// Live reports whether the stream still occupies pipeline resources.
func (s Stream) Live() bool {
	switch s.Status {
	case StreamStatusStarting, StreamStatusActive, StreamStatusEnding:
		return true
	default:
		return false
	}
}
