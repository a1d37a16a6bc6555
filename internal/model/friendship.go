package model

import "time"

type FriendshipStatus string

const (
	FriendPending  FriendshipStatus = "pending"
	FriendAccepted FriendshipStatus = "accepted"
	FriendBlocked  FriendshipStatus = "blocked"
)

// Friendship records the relationship between two identities. The relay only
// cares about accepted pairs; everything else is managed outside the core.
type Friendship struct {
	ID        string           `bson:"_id" json:"id"`
	RoomID    string           `bson:"room_id" json:"room_id"`
	UserA     string           `bson:"user_a" json:"user_a"`
	UserB     string           `bson:"user_b" json:"user_b"`
	Status    FriendshipStatus `bson:"status" json:"status"`
	CreatedAt time.Time        `bson:"created_at" json:"created_at"`
}
