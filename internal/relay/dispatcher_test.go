package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/meetlite/signal-relay/internal/auth"
	"github.com/meetlite/signal-relay/internal/metrics"
)

type recordingSender struct {
	deliveries []delivery
}

type delivery struct {
	to  string
	msg Message
}

func (s *recordingSender) Deliver(connID string, msg Message) {
	s.deliveries = append(s.deliveries, delivery{to: connID, msg: msg})
}

func (s *recordingSender) to(connID string) []Message {
	var out []Message
	for _, d := range s.deliveries {
		if d.to == connID {
			out = append(out, d.msg)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.deliveries = nil
}

func newTestDispatcher(t *testing.T, verifier auth.TokenVerifier) (*Dispatcher, *recordingSender, *metrics.Metrics) {
	t.Helper()
	sender := &recordingSender{}
	m := metrics.New()
	d := NewDispatcher(DispatcherConfig{
		Registry: NewRegistry(2),
		Sender:   sender,
		Verifier: verifier,
		Metrics:  m,
		Now:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	return d, sender, m
}

func join(d *Dispatcher, connID, room string) {
	d.HandleConnect(connID)
	d.HandleMessage(connID, Message{Type: TypeJoin, Room: room})
}

func TestJoinFlow(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	got := sender.to("a")
	if len(got) != 1 || got[0].Type != TypeJoined || got[0].Room != "r1" || got[0].ID != "a" {
		t.Fatalf("a deliveries=%+v, want joined{r1,a}", got)
	}

	sender.reset()
	join(d, "b", "r1")

	gotB := sender.to("b")
	if len(gotB) != 1 || gotB[0].Type != TypeJoined || gotB[0].ID != "b" {
		t.Fatalf("b deliveries=%+v, want joined", gotB)
	}
	gotA := sender.to("a")
	if len(gotA) != 1 || gotA[0].Type != TypeReady || gotA[0].From != "b" {
		t.Fatalf("a deliveries=%+v, want ready{from:b}", gotA)
	}
}

func TestJoinDefaultRoom(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "")
	got := sender.to("a")
	if len(got) != 1 || got[0].Room != "default" {
		t.Fatalf("deliveries=%+v, want joined in default room", got)
	}
}

func TestJoinReadyCarriesUsername(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	sender.reset()
	d.HandleConnect("b")
	d.HandleMessage("b", Message{Type: TypeJoin, Room: "r1", Username: "Bob"})

	gotA := sender.to("a")
	if len(gotA) != 1 || gotA[0].Username != "Bob" {
		t.Fatalf("ready=%+v, want username Bob", gotA)
	}
}

func TestJoinRoomFullError(t *testing.T) {
	d, sender, m := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	join(d, "b", "r1")
	sender.reset()
	join(d, "c", "r1")

	got := sender.to("c")
	if len(got) != 1 || got[0].Type != TypeJoinError || got[0].Text != "room full" {
		t.Fatalf("c deliveries=%+v, want joinError{room full}", got)
	}
	if m.Get(metrics.JoinRejectedRoomFull) != 1 {
		t.Fatalf("room full counter not incremented")
	}
	// Existing members must not be notified about the failed join.
	if len(sender.to("a")) != 0 || len(sender.to("b")) != 0 {
		t.Fatalf("failed join leaked notifications: %+v", sender.deliveries)
	}
}

func TestJoinUnauthorized(t *testing.T) {
	d, sender, m := newTestDispatcher(t, auth.TokenVerifier{Required: true, Secret: "s3cret"})

	d.HandleConnect("a")
	d.HandleMessage("a", Message{Type: TypeJoin, Room: "r1", Token: "wrong"})

	got := sender.to("a")
	if len(got) != 1 || got[0].Type != TypeJoinError || got[0].Text != "invalid token" {
		t.Fatalf("deliveries=%+v, want joinError{invalid token}", got)
	}
	if m.Get(metrics.JoinRejectedUnauthorized) != 1 {
		t.Fatalf("unauthorized counter not incremented")
	}

	sender.reset()
	d.HandleMessage("a", Message{Type: TypeJoin, Room: "r1", Token: "s3cret"})
	if got := sender.to("a"); len(got) != 1 || got[0].Type != TypeJoined {
		t.Fatalf("deliveries=%+v, want joined", got)
	}
}

func TestRejoinIsNoop(t *testing.T) {
	d, sender, m := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	join(d, "b", "r1")
	sender.reset()

	d.HandleMessage("a", Message{Type: TypeJoin, Room: "r1"})
	if len(sender.deliveries) != 0 {
		t.Fatalf("rejoin must emit nothing, got %+v", sender.deliveries)
	}
	if m.Get(metrics.JoinOK) != 2 {
		t.Fatalf("join_ok=%d, want 2 (rejoin must not count)", m.Get(metrics.JoinOK))
	}
}

func TestJoinDifferentRoomNotifiesOldRoom(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	join(d, "b", "r1")
	sender.reset()

	d.HandleMessage("b", Message{Type: TypeJoin, Room: "r2"})

	gotA := sender.to("a")
	if len(gotA) != 1 || gotA[0].Type != TypeUserDisconnected || gotA[0].ConnectionID != "b" {
		t.Fatalf("a deliveries=%+v, want userDisconnected{b}", gotA)
	}
	gotB := sender.to("b")
	if len(gotB) != 1 || gotB[0].Type != TypeJoined || gotB[0].Room != "r2" {
		t.Fatalf("b deliveries=%+v, want joined{r2}", gotB)
	}
}

func TestOfferExcludesSender(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	join(d, "b", "r1")
	sender.reset()

	payload := json.RawMessage(`{"sdp":"v=0"}`)
	d.HandleMessage("a", Message{Type: TypeOffer, Offer: payload})

	if got := sender.to("a"); len(got) != 0 {
		t.Fatalf("sender received its own offer: %+v", got)
	}
	gotB := sender.to("b")
	if len(gotB) != 1 || gotB[0].Type != TypeOffer || gotB[0].From != "a" {
		t.Fatalf("b deliveries=%+v, want offer{from:a}", gotB)
	}
	if string(gotB[0].Offer) != string(payload) {
		t.Fatalf("offer payload altered: %s", gotB[0].Offer)
	}
}

func TestRelayResolvesRoomFromSender(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	join(d, "b", "r1")
	sender.reset()

	// No room field; the sender's stored room is used.
	d.HandleMessage("a", Message{Type: TypeCandidate, Candidate: json.RawMessage(`{}`)})
	if got := sender.to("b"); len(got) != 1 || got[0].Type != TypeCandidate {
		t.Fatalf("b deliveries=%+v, want candidate", got)
	}
}

func TestRelayWithoutRoomDropsSilently(t *testing.T) {
	d, sender, m := newTestDispatcher(t, auth.TokenVerifier{})

	d.HandleConnect("a")
	d.HandleMessage("a", Message{Type: TypeOffer, Offer: json.RawMessage(`{}`)})

	if len(sender.deliveries) != 0 {
		t.Fatalf("unexpected deliveries: %+v", sender.deliveries)
	}
	if m.Get(metrics.DropNoActiveRoom) != 1 {
		t.Fatalf("drop counter not incremented")
	}
}

func TestChatIncludesSenderAndStampsTimestamp(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	join(d, "b", "r1")
	sender.reset()

	d.HandleMessage("a", Message{Type: TypeChatMessage, UserID: "alice", Text: "hi"})

	gotA := sender.to("a")
	gotB := sender.to("b")
	if len(gotA) != 1 || len(gotB) != 1 {
		t.Fatalf("chat fan-out: a=%d b=%d, want 1 each", len(gotA), len(gotB))
	}
	if gotA[0].UserID != "alice" || gotA[0].Text != "hi" {
		t.Fatalf("chat=%+v", gotA[0])
	}
	if gotA[0].Timestamp != "2025-06-01T12:00:00Z" {
		t.Fatalf("timestamp=%q, want server stamp", gotA[0].Timestamp)
	}
}

func TestChatDefaultsUserIDToDisplayName(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	d.HandleConnect("a")
	d.HandleMessage("a", Message{Type: TypeJoin, Room: "r1", Username: "alice"})
	sender.reset()

	d.HandleMessage("a", Message{Type: TypeChatMessage, Text: "hi"})
	got := sender.to("a")
	if len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("deliveries=%+v, want userId alice", got)
	}

	// Without a join username the connection id is the display name.
	d.HandleConnect("b")
	d.HandleMessage("b", Message{Type: TypeJoin, Room: "r2"})
	sender.reset()

	d.HandleMessage("b", Message{Type: TypeChatMessage, Text: "yo"})
	got = sender.to("b")
	if len(got) != 1 || got[0].UserID != "b" {
		t.Fatalf("deliveries=%+v, want userId b", got)
	}
}

func TestChatKeepsClientTimestamp(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	sender.reset()

	d.HandleMessage("a", Message{Type: TypeChatMessage, Text: "hi", Timestamp: "2024-01-01T00:00:00Z"})
	got := sender.to("a")
	if len(got) != 1 || got[0].Timestamp != "2024-01-01T00:00:00Z" {
		t.Fatalf("deliveries=%+v, want client timestamp preserved", got)
	}
}

func TestSignalDirectDelivery(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	// Signal works independent of room membership.
	d.HandleConnect("a")
	d.HandleConnect("b")

	data := json.RawMessage(`{"k":1}`)
	d.HandleMessage("a", Message{Type: TypeSignal, To: "b", Data: data})

	got := sender.to("b")
	if len(got) != 1 || got[0].Type != TypeSignal || got[0].From != "a" || got[0].To != "b" {
		t.Fatalf("b deliveries=%+v, want signal{to:b,from:a}", got)
	}
	if string(got[0].Data) != string(data) {
		t.Fatalf("data altered: %s", got[0].Data)
	}
}

func TestSignalPassesThroughClientFrom(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	d.HandleConnect("a")
	d.HandleConnect("b")

	d.HandleMessage("a", Message{Type: TypeSignal, To: "b", From: "alice", Data: json.RawMessage(`{}`)})

	got := sender.to("b")
	if len(got) != 1 || got[0].From != "alice" {
		t.Fatalf("b deliveries=%+v, want from alice", got)
	}
}

func TestSignalUnknownTargetDropsSilently(t *testing.T) {
	d, sender, m := newTestDispatcher(t, auth.TokenVerifier{})

	d.HandleConnect("a")
	d.HandleMessage("a", Message{Type: TypeSignal, To: "ghost", Data: json.RawMessage(`{}`)})

	if len(sender.deliveries) != 0 {
		t.Fatalf("unexpected deliveries: %+v", sender.deliveries)
	}
	if m.Get(metrics.DropTargetNotFound) != 1 {
		t.Fatalf("drop counter not incremented")
	}
}

func TestDisconnectNotifiesRoommates(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "a", "r1")
	join(d, "b", "r1")
	sender.reset()

	d.HandleDisconnect("b")
	got := sender.to("a")
	if len(got) != 1 || got[0].Type != TypeUserDisconnected || got[0].ConnectionID != "b" {
		t.Fatalf("a deliveries=%+v, want userDisconnected{b}", got)
	}
}

func TestDisconnectWithoutRoomIsSilent(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	d.HandleConnect("a")
	d.HandleDisconnect("a")
	d.HandleDisconnect("a") // repeat is safe

	if len(sender.deliveries) != 0 {
		t.Fatalf("unexpected deliveries: %+v", sender.deliveries)
	}
}

// Mirrors the two-party session lifecycle end to end: pairing, negotiation
// relay, a rejected third join, and departure notification.
func TestTwoPartySessionScenario(t *testing.T) {
	d, sender, _ := newTestDispatcher(t, auth.TokenVerifier{})

	join(d, "A", "r1")
	if got := sender.to("A"); len(got) != 1 || got[0].Type != TypeJoined || got[0].Room != "r1" || got[0].ID != "A" {
		t.Fatalf("A join: %+v", got)
	}
	sender.reset()

	join(d, "B", "r1")
	if got := sender.to("B"); len(got) != 1 || got[0].Type != TypeJoined {
		t.Fatalf("B join: %+v", got)
	}
	if got := sender.to("A"); len(got) != 1 || got[0].Type != TypeReady || got[0].From != "B" {
		t.Fatalf("A ready: %+v", got)
	}
	sender.reset()

	d.HandleMessage("A", Message{Type: TypeOffer, Offer: json.RawMessage(`{"sdp":"x"}`)})
	if got := sender.to("B"); len(got) != 1 || got[0].Type != TypeOffer || got[0].From != "A" {
		t.Fatalf("B offer: %+v", got)
	}
	sender.reset()

	join(d, "C", "r1")
	if got := sender.to("C"); len(got) != 1 || got[0].Type != TypeJoinError || got[0].Text != "room full" {
		t.Fatalf("C join: %+v", got)
	}
	sender.reset()

	d.HandleDisconnect("B")
	if got := sender.to("A"); len(got) != 1 || got[0].Type != TypeUserDisconnected || got[0].ConnectionID != "B" {
		t.Fatalf("A departure: %+v", got)
	}

	d.HandleDisconnect("A")
	if d.reg.Members("r1") != nil {
		t.Fatalf("room r1 must be deleted after last member leaves")
	}
}
