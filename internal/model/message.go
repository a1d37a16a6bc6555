package model

import (
	"sort"
	"strings"
	"time"
)

type MessageKind string

const (
	KindText         MessageKind = "text"
	KindMedia        MessageKind = "media"
	KindAudio        MessageKind = "audio"
	KindLocation     MessageKind = "location"
	KindContact      MessageKind = "contact"
	KindPoll         MessageKind = "poll"
	KindLiveLocation MessageKind = "live_location"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusSeen      DeliveryStatus = "seen"
)

// statusRank orders delivery states; status only ever advances.
var statusRank = map[DeliveryStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusSeen:      2,
}

// Advances reports whether moving from to next is a forward transition.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return statusRank[next] > statusRank[s]
}

// DeletedPlaceholder replaces the payload of a purged self-destruct message.
const DeletedPlaceholder = "[deleted]"

// UndecryptablePlaceholder is rendered when envelope authentication fails.
const UndecryptablePlaceholder = "[undecryptable]"

type (
	// SelfDestruct carries the view-triggered deletion metadata. The timer
	// starts on view (or playback for audio), never on send.
	SelfDestruct struct {
		Enabled    bool       `bson:"enabled" json:"enabled"`
		Seconds    int        `bson:"seconds" json:"seconds"`
		ViewedAt   *time.Time `bson:"viewed_at,omitempty" json:"viewed_at,omitempty"`
		PlaybackAt *time.Time `bson:"playback_at,omitempty" json:"playback_at,omitempty"`
		DeleteAt   *time.Time `bson:"delete_at,omitempty" json:"delete_at,omitempty"`
	}

	// Message is a ledger entry. Sender and Receiver are stored as
	// non-deterministic ciphertext (fieldcodec); Payload is the two-layer
	// envelope ciphertext. RoomID, Status and timestamps stay in the clear
	// so they can be indexed.
	Message struct {
		ID         string         `bson:"_id" json:"id"`
		RoomID     string         `bson:"room_id" json:"room_id"`
		Sender     []byte         `bson:"sender" json:"-"`
		Receiver   []byte         `bson:"receiver" json:"-"`
		Kind       MessageKind    `bson:"kind" json:"kind"`
		Payload    []byte         `bson:"payload" json:"-"`
		MediaRef   string         `bson:"media_ref,omitempty" json:"media_ref,omitempty"`
		Status     DeliveryStatus `bson:"status" json:"status"`
		BlockIndex int64          `bson:"block_index" json:"block_index"`
		Hash       string         `bson:"hash" json:"hash"`
		PrevHash   string         `bson:"prev_hash" json:"prev_hash"`
		KeyRef     string         `bson:"key_ref" json:"-"`
		CreatedAt  time.Time      `bson:"created_at" json:"created_at"`
		Destruct   SelfDestruct   `bson:"destruct" json:"destruct"`
		DeletedFor []string       `bson:"deleted_for,omitempty" json:"-"`
		Deleted    bool           `bson:"deleted" json:"deleted"`
	}
)

// DeletedFor reports whether the entry is soft-deleted for the identity.
func (m *Message) IsDeletedFor(identity string) bool {
	for _, id := range m.DeletedFor {
		if id == identity {
			return true
		}
	}
	return false
}

// RoomID derives the deterministic, order-independent room identifier for a
// participant pair. Both parties compute the same value regardless of who
// initiates.
func RoomID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}
