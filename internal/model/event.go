package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

// Inbound (client → server) event names.
const (
	EvSendMessage        EventType = "send-message"
	EvMarkSeen           EventType = "mark-seen"
	EvMarkSeenBulk       EventType = "mark-seen-bulk"
	EvDeleteForMe        EventType = "delete-for-me"
	EvDeleteForBoth      EventType = "delete-for-both"
	EvCallOffer          EventType = "call-offer"
	EvCallAnswer         EventType = "call-answer"
	EvCallCandidate      EventType = "call-candidate"
	EvCallReject         EventType = "call-reject"
	EvCallEnd            EventType = "call-end"
	EvCallCancel         EventType = "call-cancel"
	EvRecordMissedCall   EventType = "record-missed-call"
	EvScreenshotDetected EventType = "screenshot-detected"
	EvGhostActivate      EventType = "ghost-activate"
	EvGhostJoin          EventType = "ghost-join"
	EvGhostSendMessage   EventType = "ghost-send-message"
	EvGhostMessageViewed EventType = "ghost-message-viewed"
	EvGhostSecurityEvent EventType = "ghost-security-event"
	EvGhostTerminate     EventType = "ghost-terminate"
)

// Outbound (server → client) event names.
const (
	EvMessageReceived     EventType = "message-received"
	EvMessageSentAck      EventType = "message-sent-ack"
	EvMessageDelivered    EventType = "message-delivered"
	EvMessageStatusUpdate EventType = "message-status-update"
	EvMessageDeleted      EventType = "message-deleted"
	EvMessagesSeenBulk    EventType = "messages-seen-bulk"
	EvRecipientOnline     EventType = "recipient-online"
	EvRecipientOffline    EventType = "recipient-offline"
	EvMissedCallUpdate    EventType = "missed-call-update"
	EvError               EventType = "error"
	EvGhostActivated      EventType = "ghost-activated"
	EvGhostJoined         EventType = "ghost-joined"
	EvGhostMessage        EventType = "ghost-message"
	EvGhostMessageDeleted EventType = "ghost-message-deleted"
	EvGhostTerminated     EventType = "ghost-terminated"
)

// Event is the wire envelope for the live channel. Payload decodes into the
// variant named by Type; unknown types and malformed payloads are rejected
// before reaching business logic.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(t EventType, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: raw}, nil
}

// MustEvent is NewEvent for payload types the server itself constructs.
func MustEvent(t EventType, payload any) *Event {
	ev, err := NewEvent(t, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

type Validator interface {
	Validate() error
}

// Inbound payload variants.

type SendMessagePayload struct {
	To              string      `json:"to"`
	Kind            MessageKind `json:"kind"`
	Content         string      `json:"content"`
	MediaRef        string      `json:"media_ref,omitempty"`
	SelfDestruct    bool        `json:"self_destruct,omitempty"`
	DestructSeconds int         `json:"destruct_seconds,omitempty"`
}

func (p SendMessagePayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("to is required")
	}
	switch p.Kind {
	case KindText, KindMedia, KindAudio, KindLocation, KindContact, KindPoll, KindLiveLocation:
	default:
		return fmt.Errorf("unknown message kind %q", p.Kind)
	}
	if p.Content == "" {
		return fmt.Errorf("content is required")
	}
	if p.SelfDestruct && p.DestructSeconds <= 0 {
		return fmt.Errorf("destruct_seconds must be positive for self-destruct messages")
	}
	return nil
}

type MarkSeenPayload struct {
	MessageID string `json:"message_id"`
}

func (p MarkSeenPayload) Validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	return nil
}

type MarkSeenBulkPayload struct {
	Peer string `json:"peer"`
}

func (p MarkSeenBulkPayload) Validate() error {
	if p.Peer == "" {
		return fmt.Errorf("peer is required")
	}
	return nil
}

type DeleteMessagePayload struct {
	MessageID string `json:"message_id"`
}

func (p DeleteMessagePayload) Validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	return nil
}

type CallOfferPayload struct {
	To    string   `json:"to"`
	Kind  CallKind `json:"kind"`
	Offer string   `json:"offer"`
}

func (p CallOfferPayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("to is required")
	}
	if p.Kind != CallAudio && p.Kind != CallVideo {
		return fmt.Errorf("unknown call kind %q", p.Kind)
	}
	if p.Offer == "" {
		return fmt.Errorf("offer is required")
	}
	return nil
}

type CallAnswerPayload struct {
	To     string `json:"to"`
	Answer string `json:"answer"`
}

func (p CallAnswerPayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("to is required")
	}
	if p.Answer == "" {
		return fmt.Errorf("answer is required")
	}
	return nil
}

type CallCandidatePayload struct {
	To        string `json:"to"`
	Candidate string `json:"candidate"`
}

func (p CallCandidatePayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("to is required")
	}
	if p.Candidate == "" {
		return fmt.Errorf("candidate is required")
	}
	return nil
}

type CallControlPayload struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (p CallControlPayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("to is required")
	}
	return nil
}

type RecordMissedCallPayload struct {
	Callee string   `json:"callee"`
	Kind   CallKind `json:"kind"`
}

func (p RecordMissedCallPayload) Validate() error {
	if p.Callee == "" {
		return fmt.Errorf("callee is required")
	}
	if p.Kind != CallAudio && p.Kind != CallVideo {
		return fmt.Errorf("unknown call kind %q", p.Kind)
	}
	return nil
}

type ScreenshotPayload struct {
	Peer string `json:"peer"`
}

func (p ScreenshotPayload) Validate() error {
	if p.Peer == "" {
		return fmt.Errorf("peer is required")
	}
	return nil
}

type GhostActivatePayload struct {
	Target string `json:"target"`
}

func (p GhostActivatePayload) Validate() error {
	if p.Target == "" {
		return fmt.Errorf("target is required")
	}
	return nil
}

type GhostJoinPayload struct {
	Code string `json:"code"`
}

func (p GhostJoinPayload) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

type GhostSendPayload struct {
	SessionID       string      `json:"session_id"`
	Kind            MessageKind `json:"kind"`
	Content         string      `json:"content"`
	MediaRef        string      `json:"media_ref,omitempty"`
	DestructSeconds int         `json:"destruct_seconds"`
}

func (p GhostSendPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if p.Content == "" {
		return fmt.Errorf("content is required")
	}
	if p.DestructSeconds <= 0 {
		return fmt.Errorf("destruct_seconds must be positive")
	}
	return nil
}

type GhostViewedPayload struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

func (p GhostViewedPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if p.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	return nil
}

type GhostSecurityPayload struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
}

func (p GhostSecurityPayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if p.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	return nil
}

type GhostTerminatePayload struct {
	SessionID string `json:"session_id"`
}

func (p GhostTerminatePayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// DecodeInbound decodes and validates an inbound event payload into its
// typed variant. Unknown event types are rejected.
func DecodeInbound(ev *Event) (Validator, error) {
	var payload Validator
	switch ev.Type {
	case EvSendMessage:
		payload = &SendMessagePayload{}
	case EvMarkSeen:
		payload = &MarkSeenPayload{}
	case EvMarkSeenBulk:
		payload = &MarkSeenBulkPayload{}
	case EvDeleteForMe, EvDeleteForBoth:
		payload = &DeleteMessagePayload{}
	case EvCallOffer:
		payload = &CallOfferPayload{}
	case EvCallAnswer:
		payload = &CallAnswerPayload{}
	case EvCallCandidate:
		payload = &CallCandidatePayload{}
	case EvCallReject, EvCallEnd, EvCallCancel:
		payload = &CallControlPayload{}
	case EvRecordMissedCall:
		payload = &RecordMissedCallPayload{}
	case EvScreenshotDetected:
		payload = &ScreenshotPayload{}
	case EvGhostActivate:
		payload = &GhostActivatePayload{}
	case EvGhostJoin:
		payload = &GhostJoinPayload{}
	case EvGhostSendMessage:
		payload = &GhostSendPayload{}
	case EvGhostMessageViewed:
		payload = &GhostViewedPayload{}
	case EvGhostSecurityEvent:
		payload = &GhostSecurityPayload{}
	case EvGhostTerminate:
		payload = &GhostTerminatePayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}

	if err := json.Unmarshal(ev.Payload, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", ev.Type, err)
	}
	return payload, nil
}

// Outbound payload shapes.

type MessageReceivedPayload struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	From      string      `json:"from"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	MediaRef  string      `json:"media_ref,omitempty"`
	Hash      string      `json:"hash"`
	CreatedAt time.Time   `json:"created_at"`
}

type MessageAckPayload struct {
	ID         string         `json:"id"`
	RoomID     string         `json:"room_id"`
	BlockIndex int64          `json:"block_index"`
	Hash       string         `json:"hash"`
	Status     DeliveryStatus `json:"status"`
}

type StatusUpdatePayload struct {
	MessageID string         `json:"message_id"`
	RoomID    string         `json:"room_id"`
	Status    DeliveryStatus `json:"status"`
}

type SeenBulkPayload struct {
	RoomID string `json:"room_id"`
	Peer   string `json:"peer"`
	Count  int64  `json:"count"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
}

type PresencePayload struct {
	Identity string `json:"identity"`
}

type MissedCallUpdatePayload struct {
	Caller string   `json:"caller"`
	Kind   CallKind `json:"kind"`
	At     int64    `json:"at"`
}

type CallRelayPayload struct {
	From      string   `json:"from"`
	Kind      CallKind `json:"kind,omitempty"`
	SDP       string   `json:"sdp,omitempty"`
	Candidate string   `json:"candidate,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Source  EventType `json:"source,omitempty"`
}

type GhostActivatedPayload struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GhostJoinedPayload struct {
	SessionID string    `json:"session_id"`
	Peer      string    `json:"peer"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GhostMessagePayload struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	From            string      `json:"from"`
	Kind            MessageKind `json:"kind"`
	Content         string      `json:"content"`
	DestructSeconds int         `json:"destruct_seconds"`
	CreatedAt       time.Time   `json:"created_at"`
}

type GhostTerminatedPayload struct {
	SessionID    string `json:"session_id"`
	TerminatedBy string `json:"terminated_by,omitempty"`
	Reason       string `json:"reason"`
}
