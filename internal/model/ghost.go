package model

import "time"

type (
	// GhostSession is a short-lived chat session with its own key,
	// independent of any per-room key. All of its messages are destroyed
	// when it ends.
	GhostSession struct {
		ID            string     `bson:"_id" json:"id"`
		Initiator     string     `bson:"initiator" json:"initiator"`
		Target        string     `bson:"target" json:"target"`
		Key           []byte     `bson:"key" json:"-"`
		CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
		ExpiresAt     time.Time  `bson:"expires_at" json:"expires_at"`
		Active        bool       `bson:"active" json:"active"`
		LastHeartbeat time.Time  `bson:"last_heartbeat" json:"last_heartbeat"`
		TerminatedBy  string     `bson:"terminated_by,omitempty" json:"terminated_by,omitempty"`
		TerminatedAt  *time.Time `bson:"terminated_at,omitempty" json:"terminated_at,omitempty"`
	}

	// GhostMessage mirrors a ledger entry but is keyed to a session, and
	// its auto-delete timer is mandatory: it starts once the recipient has
	// viewed the content.
	GhostMessage struct {
		ID        string       `bson:"_id" json:"id"`
		SessionID string       `bson:"session_id" json:"session_id"`
		Sender    []byte       `bson:"sender" json:"-"`
		Receiver  []byte       `bson:"receiver" json:"-"`
		Kind      MessageKind  `bson:"kind" json:"kind"`
		Payload   []byte       `bson:"payload" json:"-"`
		MediaRef  string       `bson:"media_ref,omitempty" json:"media_ref,omitempty"`
		CreatedAt time.Time    `bson:"created_at" json:"created_at"`
		Destruct  SelfDestruct `bson:"destruct" json:"destruct"`
		Deleted   bool         `bson:"deleted" json:"deleted"`
	}
)

// Participant reports whether identity belongs to the session.
func (s *GhostSession) Participant(identity string) bool {
	return identity == s.Initiator || identity == s.Target
}

// Peer returns the other participant.
func (s *GhostSession) Peer(identity string) string {
	if identity == s.Initiator {
		return s.Target
	}
	return s.Initiator
}
