package relay

import (
	"errors"
	"sort"
	"sync"
	"testing"
)

func TestJoinCreatesRoomAndReportsPeers(t *testing.T) {
	r := NewRegistry(2)

	resA, err := r.Join("a", "r1", "Alice")
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	if resA.Room != "r1" || resA.PeerCount != 1 || len(resA.Peers) != 0 || resA.Rejoin {
		t.Fatalf("unexpected result %+v", resA)
	}

	resB, err := r.Join("b", "r1", "")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if resB.PeerCount != 2 {
		t.Fatalf("PeerCount=%d, want 2", resB.PeerCount)
	}
	if len(resB.Peers) != 1 || resB.Peers[0] != "a" {
		t.Fatalf("Peers=%v, want [a]", resB.Peers)
	}
}

func TestJoinRoomFull(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")
	mustJoin(t, r, "b", "r1")

	_, err := r.Join("c", "r1", "")
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}

	members := r.Members("r1")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "a" || members[1] != "b" {
		t.Fatalf("members=%v, want [a b]", members)
	}
	if _, ok := r.RoomOf("c"); ok {
		t.Fatalf("rejected join must not record a room")
	}
}

func TestJoinIdempotentRejoin(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")
	mustJoin(t, r, "b", "r1")

	res, err := r.Join("a", "r1", "")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !res.Rejoin {
		t.Fatalf("expected Rejoin=true")
	}
	if res.PeerCount != 2 {
		t.Fatalf("PeerCount=%d, want 2", res.PeerCount)
	}
	if len(res.Peers) != 0 {
		t.Fatalf("rejoin must not report peers, got %v", res.Peers)
	}
	if len(r.Members("r1")) != 2 {
		t.Fatalf("rejoin changed member count")
	}
}

func TestJoinUnboundedCapacity(t *testing.T) {
	r := NewRegistry(0)
	for _, id := range []string{"a", "b", "c", "d"} {
		mustJoin(t, r, id, "hall")
	}
	if got := len(r.Members("hall")); got != 4 {
		t.Fatalf("members=%d, want 4", got)
	}
}

func TestJoinDifferentRoomLeavesFirst(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")
	mustJoin(t, r, "b", "r1")

	res, err := r.Join("b", "r2", "")
	if err != nil {
		t.Fatalf("join r2: %v", err)
	}
	if res.Departed == nil || res.Departed.Room != "r1" {
		t.Fatalf("Departed=%+v, want room r1", res.Departed)
	}
	if len(res.Departed.Remaining) != 1 || res.Departed.Remaining[0] != "a" {
		t.Fatalf("Remaining=%v, want [a]", res.Departed.Remaining)
	}

	if room, _ := r.RoomOf("b"); room != "r2" {
		t.Fatalf("RoomOf(b)=%q, want r2", room)
	}
	if got := r.Members("r1"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("r1 members=%v, want [a]", got)
	}
}

func TestJoinDifferentRoomFullKeepsOldMembership(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")
	mustJoin(t, r, "x", "r2")
	mustJoin(t, r, "y", "r2")

	_, err := r.Join("a", "r2", "")
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}
	if room, _ := r.RoomOf("a"); room != "r1" {
		t.Fatalf("RoomOf(a)=%q, want r1 (unchanged)", room)
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")
	mustJoin(t, r, "b", "r1")

	roomID, remaining, ok := r.Leave("a")
	if !ok || roomID != "r1" {
		t.Fatalf("leave a: room=%q ok=%v", roomID, ok)
	}
	if len(remaining) != 1 || remaining[0] != "b" {
		t.Fatalf("remaining=%v, want [b]", remaining)
	}

	roomID, remaining, ok = r.Leave("b")
	if !ok || roomID != "r1" || len(remaining) != 0 {
		t.Fatalf("leave b: room=%q remaining=%v ok=%v", roomID, remaining, ok)
	}
	if r.Members("r1") != nil {
		t.Fatalf("empty room must be deleted")
	}
}

func TestLeaveWithoutRoomIsNoop(t *testing.T) {
	r := NewRegistry(2)
	r.Register("a")
	if _, _, ok := r.Leave("a"); ok {
		t.Fatalf("leave of unjoined connection must be a no-op")
	}
	if _, _, ok := r.Leave("ghost"); ok {
		t.Fatalf("leave of unknown connection must be a no-op")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")

	roomID, _, ok := r.Unregister("a")
	if !ok || roomID != "r1" {
		t.Fatalf("unregister: room=%q ok=%v", roomID, ok)
	}
	if r.Connected("a") {
		t.Fatalf("connection still registered after unregister")
	}
	if _, _, ok := r.Unregister("a"); ok {
		t.Fatalf("second unregister must be a no-op")
	}
}

func TestResolveTarget(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")

	if room, ok := r.ResolveTarget("explicit", "a"); !ok || room != "explicit" {
		t.Fatalf("explicit room not preferred: %q %v", room, ok)
	}
	if room, ok := r.ResolveTarget("", "a"); !ok || room != "r1" {
		t.Fatalf("fallback to RoomOf failed: %q %v", room, ok)
	}
	if _, ok := r.ResolveTarget("", "ghost"); ok {
		t.Fatalf("unknown connection must not resolve")
	}
}

func TestDisplayName(t *testing.T) {
	r := NewRegistry(2)
	mustJoin(t, r, "a", "r1")
	if got := r.DisplayName("a"); got != "a" {
		t.Fatalf("DisplayName=%q, want id fallback", got)
	}

	if _, err := r.Join("b", "r1", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := r.DisplayName("b"); got != "Bob" {
		t.Fatalf("DisplayName=%q, want Bob", got)
	}
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	r := NewRegistry(2)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Join(connID(i), "r1", "")
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else if !errors.Is(err, ErrRoomFull) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if okCount != 2 {
		t.Fatalf("%d joins succeeded, want 2", okCount)
	}
	if got := len(r.Members("r1")); got != 2 {
		t.Fatalf("members=%d, want 2", got)
	}
}

func connID(i int) string {
	return string(rune('a' + i))
}

func mustJoin(t *testing.T, r *Registry, connID, roomID string) {
	t.Helper()
	if _, err := r.Join(connID, roomID, ""); err != nil {
		t.Fatalf("join %s -> %s: %v", connID, roomID, err)
	}
}
