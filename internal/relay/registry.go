// Package relay implements the in-memory signaling core: room membership
// tracking (Registry) and event fan-out (Dispatcher). The core never touches
// the network; the transport layer hands it parsed events and delivers its
// outbound messages.
package relay

import "sync"

type connState struct {
	room        string
	displayName string
}

// Registry is the authoritative source of room membership.
//
// It maintains the connection->room and room->members mappings consistently in
// both directions under a single mutex, so concurrent joins can never push a
// room past capacity. Rooms are created lazily on first join and deleted when
// their last member leaves; an empty room never exists.
type Registry struct {
	mu sync.Mutex

	// capacity is the maximum number of distinct members per room.
	// 0 means unbounded.
	capacity int

	conns map[string]*connState
	rooms map[string]map[string]struct{}
}

func NewRegistry(capacity int) *Registry {
	if capacity < 0 {
		capacity = 0
	}
	return &Registry{
		capacity: capacity,
		conns:    make(map[string]*connState),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// JoinResult reports the outcome of a successful Join.
//
// Peers holds the members that were already in the room, for the ready
// notification fan-out. Rejoin is set when the connection was already in
// exactly this room; such joins are idempotent no-ops and must not trigger a
// second round of notifications. Departed is set when the join moved the
// connection out of a previous room.
type JoinResult struct {
	Room      string
	PeerCount int
	Peers     []string
	Rejoin    bool
	Departed  *Departure
}

// Departure describes a room the connection just vacated.
type Departure struct {
	Room      string
	Remaining []string
}

// Register records a live connection with no room. Idempotent; an existing
// registration (and its room membership) is left untouched.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = &connState{}
	}
}

// Join adds the connection to the room, creating the room if absent.
//
// Token validation is the caller's job and must happen before Join; the
// Registry only enforces capacity. Joining the current room again succeeds
// with Rejoin=true and no state change. Joining while in a different room is
// treated as leave-then-join: the capacity gate for the new room runs first,
// so a rejected join leaves the old membership intact, and the departure is
// reported through JoinResult.Departed.
func (r *Registry) Join(connID, roomID, displayName string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		conn = &connState{}
		r.conns[connID] = conn
	}

	if conn.room == roomID {
		members := r.rooms[roomID]
		return JoinResult{Room: roomID, PeerCount: len(members), Rejoin: true}, nil
	}

	members := r.rooms[roomID]
	if r.capacity > 0 && len(members) >= r.capacity {
		return JoinResult{}, ErrRoomFull
	}

	var departed *Departure
	if conn.room != "" {
		oldRoom, remaining, _ := r.leaveLocked(connID)
		departed = &Departure{Room: oldRoom, Remaining: remaining}
	}

	peers := make([]string, 0, len(members))
	for id := range members {
		peers = append(peers, id)
	}

	if members == nil {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	conn.room = roomID
	if displayName != "" {
		conn.displayName = displayName
	}

	return JoinResult{Room: roomID, PeerCount: len(members), Peers: peers, Departed: departed}, nil
}

// Leave removes the connection from its room, deleting the room if it empties.
// It returns the vacated room and the members left behind so the caller can
// fan out the departure. No-op (ok=false) when the connection has no room.
func (r *Registry) Leave(connID string) (roomID string, remaining []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID)
}

func (r *Registry) leaveLocked(connID string) (string, []string, bool) {
	conn, ok := r.conns[connID]
	if !ok || conn.room == "" {
		return "", nil, false
	}

	roomID := conn.room
	conn.room = ""

	members := r.rooms[roomID]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return roomID, nil, true
	}

	remaining := make([]string, 0, len(members))
	for id := range members {
		remaining = append(remaining, id)
	}
	return roomID, remaining, true
}

// Unregister removes the connection entirely. Safe to call for never-joined
// and already-removed connections.
func (r *Registry) Unregister(connID string) (roomID string, remaining []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, remaining, ok = r.leaveLocked(connID)
	delete(r.conns, connID)
	return roomID, remaining, ok
}

// RoomOf returns the room the connection currently occupies.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok || conn.room == "" {
		return "", false
	}
	return conn.room, true
}

// ResolveTarget returns the explicit room when provided, else the sender's
// current room. Relay events that omit their room resolve through this.
func (r *Registry) ResolveTarget(explicitRoomID, connID string) (string, bool) {
	if explicitRoomID != "" {
		return explicitRoomID, true
	}
	return r.RoomOf(connID)
}

// Members returns the room's member set, nil when the room does not exist.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// DisplayName returns the connection's display name, defaulting to its id.
func (r *Registry) DisplayName(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok && conn.displayName != "" {
		return conn.displayName
	}
	return connID
}

// Connected reports whether the connection is registered.
func (r *Registry) Connected(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[connID]
	return ok
}
