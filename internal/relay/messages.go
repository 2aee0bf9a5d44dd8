package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

// Inbound event types.
const (
	TypeJoin        MessageType = "join"
	TypeOffer       MessageType = "offer"
	TypeAnswer      MessageType = "answer"
	TypeCandidate   MessageType = "candidate"
	TypeChatMessage MessageType = "chatMessage"
	TypeSignal      MessageType = "signal"
)

// Outbound event types. offer/answer/candidate/chatMessage/signal are relayed
// under their inbound names.
const (
	TypeJoined           MessageType = "joined"
	TypeReady            MessageType = "ready"
	TypeJoinError        MessageType = "joinError"
	TypeUserDisconnected MessageType = "userDisconnected"
)

// Message is the single JSON envelope shared by all signaling events. The
// negotiation payloads (offer, answer, candidate, data) are opaque and relayed
// unexamined.
type Message struct {
	Type MessageType `json:"type"`

	// join.
	Room     string `json:"room,omitempty"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`

	// offer/answer/candidate.
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// chatMessage. Text doubles as the joinError message field.
	UserID    string `json:"userId,omitempty"`
	Text      string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// signal.
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	// joined / userDisconnected.
	ID           string `json:"id,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// ParseMessage strictly decodes one inbound client event. Unknown fields,
// trailing data, outbound-only types, and per-type field violations are all
// rejected so malformed senders fail fast at the transport boundary.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) validate() error {
	if m.ID != "" || m.ConnectionID != "" {
		return fmt.Errorf("%s message has server-assigned fields", m.Type)
	}
	// from is a legitimate inbound field on signal; everywhere else the server
	// assigns it.
	if m.From != "" && m.Type != TypeSignal {
		return fmt.Errorf("%s message has server-assigned fields", m.Type)
	}

	switch m.Type {
	case TypeJoin:
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.Data != nil {
			return fmt.Errorf("join message has unexpected payload fields")
		}
		if m.To != "" || m.UserID != "" || m.Text != "" || m.Timestamp != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case TypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Answer != nil || m.Candidate != nil || m.Data != nil {
			return fmt.Errorf("offer message has unexpected payload fields")
		}
		if m.Token != "" || m.Username != "" || m.To != "" || m.UserID != "" || m.Text != "" || m.Timestamp != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case TypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Offer != nil || m.Candidate != nil || m.Data != nil {
			return fmt.Errorf("answer message has unexpected payload fields")
		}
		if m.Token != "" || m.Username != "" || m.To != "" || m.UserID != "" || m.Text != "" || m.Timestamp != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil || m.Data != nil {
			return fmt.Errorf("candidate message has unexpected payload fields")
		}
		if m.Token != "" || m.Username != "" || m.To != "" || m.UserID != "" || m.Text != "" || m.Timestamp != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case TypeChatMessage:
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.Data != nil {
			return fmt.Errorf("chatMessage message has unexpected payload fields")
		}
		if m.Token != "" || m.Username != "" || m.To != "" {
			return fmt.Errorf("chatMessage message has unexpected fields")
		}
	case TypeSignal:
		if m.To == "" {
			return fmt.Errorf("signal message missing to")
		}
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("signal message has unexpected payload fields")
		}
		if m.Room != "" || m.Token != "" || m.Username != "" || m.UserID != "" || m.Text != "" || m.Timestamp != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
