package relay

import (
	"errors"
	"log/slog"
	"time"

	"github.com/meetlite/signal-relay/internal/auth"
	"github.com/meetlite/signal-relay/internal/metrics"
)

// Sender delivers an outbound message to one connection. Implemented by the
// WebSocket transport. Delivery is best effort; a failed or slow send must not
// block the dispatcher.
type Sender interface {
	Deliver(connID string, msg Message)
}

type DispatcherConfig struct {
	Registry    *Registry
	Sender      Sender
	Verifier    auth.TokenVerifier
	DefaultRoom string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// Now stamps chat messages that arrive without a timestamp. Defaults to
	// time.Now.
	Now func() time.Time
}

// Dispatcher maps inbound events to Registry operations and outbound fan-out.
//
// It is stateless: all membership state lives in the Registry, and every
// delivery happens after the triggering Registry mutation has committed.
type Dispatcher struct {
	reg         *Registry
	sender      Sender
	verifier    auth.TokenVerifier
	defaultRoom string
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	defaultRoom := cfg.DefaultRoom
	if defaultRoom == "" {
		defaultRoom = "default"
	}
	return &Dispatcher{
		reg:         cfg.Registry,
		sender:      cfg.Sender,
		verifier:    cfg.Verifier,
		defaultRoom: defaultRoom,
		metrics:     cfg.Metrics,
		log:         log,
		now:         now,
	}
}

// HandleConnect registers a new live connection.
func (d *Dispatcher) HandleConnect(connID string) {
	d.reg.Register(connID)
	d.metrics.Inc(metrics.WSConnected)
}

// HandleDisconnect removes the connection and notifies any former roommates.
// Idempotent and safe for never-joined connections.
func (d *Dispatcher) HandleDisconnect(connID string) {
	roomID, remaining, ok := d.reg.Unregister(connID)
	d.metrics.Inc(metrics.WSDisconnected)
	if !ok {
		return
	}
	d.log.Debug("connection left room", "conn", connID, "room", roomID, "remaining", len(remaining))
	d.notifyDeparture(connID, remaining)
}

func (d *Dispatcher) notifyDeparture(connID string, remaining []string) {
	for _, peer := range remaining {
		d.sender.Deliver(peer, Message{
			Type:         TypeUserDisconnected,
			ConnectionID: connID,
		})
	}
}

// HandleMessage processes one parsed inbound event from the connection.
func (d *Dispatcher) HandleMessage(connID string, msg Message) {
	switch msg.Type {
	case TypeJoin:
		d.handleJoin(connID, msg)
	case TypeOffer, TypeAnswer, TypeCandidate:
		d.relayToPeers(connID, msg)
	case TypeChatMessage:
		d.handleChat(connID, msg)
	case TypeSignal:
		d.handleSignal(connID, msg)
	default:
		// ParseMessage rejects unknown types before they get here.
		d.metrics.Inc(metrics.BadMessage)
	}
}

func (d *Dispatcher) handleJoin(connID string, msg Message) {
	if err := d.verifier.Verify(msg.Token); err != nil {
		d.metrics.Inc(metrics.JoinRejectedUnauthorized)
		d.log.Debug("join rejected", "conn", connID, "reason", "unauthorized")
		d.sender.Deliver(connID, Message{Type: TypeJoinError, Text: ErrUnauthorized.Error()})
		return
	}

	roomID := msg.Room
	if roomID == "" {
		roomID = d.defaultRoom
	}

	res, err := d.reg.Join(connID, roomID, msg.Username)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			d.metrics.Inc(metrics.JoinRejectedRoomFull)
			d.log.Debug("join rejected", "conn", connID, "room", roomID, "reason", "room full")
			d.sender.Deliver(connID, Message{Type: TypeJoinError, Text: ErrRoomFull.Error()})
		}
		return
	}

	if res.Departed != nil {
		d.notifyDeparture(connID, res.Departed.Remaining)
	}

	// A same-room rejoin is a pure no-op: no joined echo, no ready fan-out.
	if res.Rejoin {
		return
	}

	d.metrics.Inc(metrics.JoinOK)
	d.sender.Deliver(connID, Message{Type: TypeJoined, Room: res.Room, ID: connID})

	username := d.reg.DisplayName(connID)
	for _, peer := range res.Peers {
		d.sender.Deliver(peer, Message{Type: TypeReady, From: connID, Username: username})
	}
}

// relayToPeers forwards offer/answer/candidate to every room member except the
// sender. No resolvable room means a silent drop.
func (d *Dispatcher) relayToPeers(connID string, msg Message) {
	roomID, ok := d.reg.ResolveTarget(msg.Room, connID)
	if !ok {
		d.metrics.Inc(metrics.DropNoActiveRoom)
		d.log.Debug("relay dropped", "conn", connID, "type", msg.Type, "reason", "no active room")
		return
	}

	out := Message{Type: msg.Type, From: connID}
	switch msg.Type {
	case TypeOffer:
		out.Offer = msg.Offer
		d.metrics.Inc(metrics.RelayOffer)
	case TypeAnswer:
		out.Answer = msg.Answer
		d.metrics.Inc(metrics.RelayAnswer)
	case TypeCandidate:
		out.Candidate = msg.Candidate
		d.metrics.Inc(metrics.RelayCandidate)
	}

	for _, peer := range d.reg.Members(roomID) {
		if peer == connID {
			continue
		}
		d.sender.Deliver(peer, out)
	}
}

// handleChat broadcasts to the whole room including the sender. A missing
// timestamp is stamped with the server clock; a missing userId falls back to
// the sender's display name.
func (d *Dispatcher) handleChat(connID string, msg Message) {
	roomID, ok := d.reg.ResolveTarget(msg.Room, connID)
	if !ok {
		d.metrics.Inc(metrics.DropNoActiveRoom)
		d.log.Debug("relay dropped", "conn", connID, "type", msg.Type, "reason", "no active room")
		return
	}

	timestamp := msg.Timestamp
	if timestamp == "" {
		timestamp = d.now().UTC().Format(time.RFC3339)
	}
	userID := msg.UserID
	if userID == "" {
		userID = d.reg.DisplayName(connID)
	}

	out := Message{
		Type:      TypeChatMessage,
		UserID:    userID,
		Text:      msg.Text,
		Timestamp: timestamp,
	}
	d.metrics.Inc(metrics.RelayChat)
	for _, peer := range d.reg.Members(roomID) {
		d.sender.Deliver(peer, out)
	}
}

// handleSignal forwards to the addressed connection regardless of room
// membership. Unknown targets are dropped silently. A client-supplied from
// passes through verbatim; a missing one gets the sender's connection id.
func (d *Dispatcher) handleSignal(connID string, msg Message) {
	if !d.reg.Connected(msg.To) {
		d.metrics.Inc(metrics.DropTargetNotFound)
		d.log.Debug("signal dropped", "conn", connID, "to", msg.To, "reason", "target not connected")
		return
	}

	from := msg.From
	if from == "" {
		from = connID
	}

	d.metrics.Inc(metrics.RelaySignal)
	d.sender.Deliver(msg.To, Message{
		Type: TypeSignal,
		To:   msg.To,
		From: from,
		Data: msg.Data,
	})
}
