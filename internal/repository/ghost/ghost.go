package ghost

import (
	"context"
	"time"

	"cipherchat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Repo persists ghost sessions and their messages. Session keys are stored
// wrapped (the caller wraps/unwraps via the envelope); messages carry the
// mandatory view-started destruct timer.
type Repo struct {
	sessions *mongo.Collection
	messages *mongo.Collection
}

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		sessions: db.Collection("ghost_sessions"),
		messages: db.Collection("ghost_messages"),
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	if _, err := r.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "active", Value: 1}, {Key: "expires_at", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := r.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

func (r *Repo) CreateSession(ctx context.Context, s *model.GhostSession) error {
	_, err := r.sessions.InsertOne(ctx, s)
	return err
}

func (r *Repo) GetSession(ctx context.Context, id string) (*model.GhostSession, error) {
	var s model.GhostSession
	err := r.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&s)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Heartbeat stamps the session's liveness. Returns false when the session
// is no longer active.
func (r *Repo) Heartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.sessions.UpdateOne(ctx,
		bson.M{"_id": id, "active": true},
		bson.M{"$set": bson.M{"last_heartbeat": at}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// Terminate deactivates the session once. Returns false when it was
// already inactive, so notification fan-out happens exactly once.
func (r *Repo) Terminate(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := r.sessions.UpdateOne(ctx,
		bson.M{"_id": id, "active": true},
		bson.M{"$set": bson.M{
			"active":        false,
			"terminated_by": by,
			"terminated_at": at,
		}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// ExpiredSessions finds active sessions past their expiry or silent beyond
// the heartbeat window.
func (r *Repo) ExpiredSessions(ctx context.Context, now time.Time, heartbeatWindow time.Duration) ([]*model.GhostSession, error) {
	filter := bson.M{
		"active": true,
		"$or": []bson.M{
			{"expires_at": bson.M{"$lte": now}},
			{"last_heartbeat": bson.M{"$lte": now.Add(-heartbeatWindow)}},
		},
	}
	cursor, err := r.sessions.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []*model.GhostSession
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *Repo) AppendMessage(ctx context.Context, msg *model.GhostMessage) error {
	_, err := r.messages.InsertOne(ctx, msg)
	return err
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*model.GhostMessage, error) {
	var msg model.GhostMessage
	err := r.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkViewed starts the message's destruct timer; single-shot, same
// contract as the ledger store.
func (r *Repo) MarkViewed(ctx context.Context, id string, viewedAt, deleteAt time.Time) (bool, error) {
	res, err := r.messages.UpdateOne(ctx,
		bson.M{"_id": id, "destruct.viewed_at": nil, "deleted": false},
		bson.M{"$set": bson.M{
			"destruct.viewed_at": viewedAt,
			"destruct.delete_at": deleteAt,
		}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// ExpiredMessages finds viewed ghost messages whose delete-at has passed.
func (r *Repo) ExpiredMessages(ctx context.Context, now time.Time) ([]*model.GhostMessage, error) {
	filter := bson.M{
		"deleted":            false,
		"destruct.delete_at": bson.M{"$ne": nil, "$lte": now},
	}
	cursor, err := r.messages.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*model.GhostMessage
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PurgeMessage blanks a single ghost message in place.
func (r *Repo) PurgeMessage(ctx context.Context, id string) error {
	_, err := r.messages.UpdateOne(ctx,
		bson.M{"_id": id, "deleted": false},
		bson.M{"$set": bson.M{
			"payload":   []byte(model.DeletedPlaceholder),
			"media_ref": "",
			"deleted":   true,
		}},
	)
	return err
}

// DestroySessionMessages blanks every message in a session when it ends.
func (r *Repo) DestroySessionMessages(ctx context.Context, sessionID string) (int64, error) {
	res, err := r.messages.UpdateMany(ctx,
		bson.M{"session_id": sessionID, "deleted": false},
		bson.M{"$set": bson.M{
			"payload":   []byte(model.DeletedPlaceholder),
			"media_ref": "",
			"deleted":   true,
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
