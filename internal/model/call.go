package model

import "time"

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

type CallState string

// Caller walks idle → calling → ringing → connecting → connected → idle;
// callee joins at ringing.
const (
	CallIdle       CallState = "idle"
	CallCalling    CallState = "calling"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
)

type (
	// PendingCall buffers an offer (and any signaling candidates produced
	// while the callee is unreachable) until the callee reconnects or the
	// caller gives up. Canceled entries are kept so the callee can still
	// be told about the cancellation on reconnect.
	PendingCall struct {
		Caller     string    `json:"caller"`
		Callee     string    `json:"callee"`
		Kind       CallKind  `json:"kind"`
		Offer      string    `json:"offer"`
		Candidates []string  `json:"candidates"`
		CreatedAt  time.Time `json:"created_at"`
		Canceled   bool      `json:"canceled"`
	}

	MissedCall struct {
		ID        string    `bson:"_id" json:"id"`
		Caller    string    `bson:"caller" json:"caller"`
		Callee    string    `bson:"callee" json:"callee"`
		Kind      CallKind  `bson:"kind" json:"kind"`
		Seen      bool      `bson:"seen" json:"seen"`
		CreatedAt time.Time `bson:"created_at" json:"created_at"`
	}
)
