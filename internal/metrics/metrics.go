package metrics

import "sync"

// Counter names. Relay drops are deliberately split by reason so the
// fire-and-forget paths (no active room, unknown signal target) stay
// observable without surfacing errors to senders.
const (
	WSConnected    = "ws_connected"
	WSDisconnected = "ws_disconnected"

	JoinOK                   = "join_ok"
	JoinRejectedRoomFull     = "join_rejected_room_full"
	JoinRejectedUnauthorized = "join_rejected_unauthorized"

	RelayOffer     = "relay_offer"
	RelayAnswer    = "relay_answer"
	RelayCandidate = "relay_candidate"
	RelayChat      = "relay_chat"
	RelaySignal    = "relay_signal"

	DropNoActiveRoom   = "drop_no_active_room"
	DropTargetNotFound = "drop_target_not_found"

	RateLimited = "rate_limited"
	BadMessage  = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep the relay core testable without a metrics backend; the
// counters are exported for scraping via PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
