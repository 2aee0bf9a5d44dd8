package relay

import "errors"

// Join failures surface to the sender as a joinError event; the relay drop
// reasons never do (fire-and-forget, reported only via counters and logs).
var (
	ErrUnauthorized   = errors.New("invalid token")
	ErrRoomFull       = errors.New("room full")
	ErrTargetNotFound = errors.New("target not connected")
	ErrNoActiveRoom   = errors.New("no active room")
)
