package message

import (
	"context"
	"time"

	"cipherchat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repo is the ledger store. Sender/receiver fields are ciphertext, so no
// query here ever filters on them directly; identity-dependent predicates
// are answered by fetching candidates on the indexed fields (room, status)
// and letting the caller decode-compare in process.
type Repo struct {
	collection *mongo.Collection
}

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("messages"),
	}
}

// EnsureIndexes creates the indexes the fast-path queries rely on.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "deleted", Value: 1}, {Key: "destruct.delete_at", Value: 1}}},
	})
	return err
}

func (r *Repo) Append(ctx context.Context, msg *model.Message) error {
	_, err := r.collection.InsertOne(ctx, msg)
	return err
}

func (r *Repo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// LatestInRoom returns the most recently persisted entry in the room, or
// nil when the room has no history yet. This read feeds the hash chain and
// is deliberately not serialized against concurrent appends.
func (r *Repo) LatestInRoom(ctx context.Context, roomID string) (*model.Message, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "block_index", Value: -1}})

	var msg model.Message
	err := r.collection.FindOne(ctx, bson.M{"room_id": roomID}, opts).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ByRoom pages through a room's history newest-first (page*limit skip) and
// reverses the page before returning so callers see chronological order.
func (r *Repo) ByRoom(ctx context.Context, roomID string, page, limit int64) ([]*model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(page * limit).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*model.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UnseenInRoom fetches the candidate set for a "mark seen" pass: every
// not-yet-seen, not-deleted entry in the room. The caller filters by
// decoding the receiver field.
func (r *Repo) UnseenInRoom(ctx context.Context, roomID string) ([]*model.Message, error) {
	filter := bson.M{
		"room_id": roomID,
		"status":  bson.M{"$ne": model.StatusSeen},
		"deleted": false,
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*model.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AdvanceStatus moves a single entry's delivery status forward. The filter
// only matches entries whose current status ranks below the target, so the
// status never regresses and a repeat call is a no-op.
func (r *Repo) AdvanceStatus(ctx context.Context, id string, status model.DeliveryStatus) (bool, error) {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": lowerStatuses(status)}},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// AdvanceStatusMany is AdvanceStatus over an id set; returns how many
// entries actually moved.
func (r *Repo) AdvanceStatusMany(ctx context.Context, ids []string, status model.DeliveryStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": bson.M{"$in": lowerStatuses(status)}},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func lowerStatuses(target model.DeliveryStatus) []model.DeliveryStatus {
	switch target {
	case model.StatusDelivered:
		return []model.DeliveryStatus{model.StatusSent}
	case model.StatusSeen:
		return []model.DeliveryStatus{model.StatusSent, model.StatusDelivered}
	default:
		return nil
	}
}

// SoftDelete hides the entry for one identity only; the other participant's
// view is unaffected.
func (r *Repo) SoftDelete(ctx context.Context, id, identity string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"deleted_for": identity}},
	)
	return err
}

// HardDelete physically removes the entry. Sender authorization is checked
// by the caller, which holds the decoded identity fields.
func (r *Repo) HardDelete(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// MarkViewed records the view that starts the self-destruct timer. It only
// matches entries with self-destruct enabled and no view recorded yet, so a
// second invocation reports false instead of re-timing.
func (r *Repo) MarkViewed(ctx context.Context, id string, viewedAt, deleteAt time.Time) (bool, error) {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{
			"_id":               id,
			"destruct.enabled":  true,
			"destruct.viewed_at": nil,
		},
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

// MarkPlayback is the audio counterpart of MarkViewed: the timer starts on
// playback, a trigger distinct from "viewed".
func (r *Repo) MarkPlayback(ctx context.Context, id string, playedAt, deleteAt time.Time) (bool, error) {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{
			"_id":                 id,
			"kind":                model.KindAudio,
			"destruct.enabled":    true,
			"destruct.playback_at": nil,
		},
		bson.M{"$set": bson.M{
			"destruct.playback_at": playedAt,
			"destruct.delete_at":   deleteAt,
		}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// Expired returns entries whose computed delete-at time has passed and
// whose deleted flag is still clear. Selecting on the flag keeps the sweep
// idempotent.
func (r *Repo) Expired(ctx context.Context, now time.Time) ([]*model.Message, error) {
	filter := bson.M{
		"deleted":            false,
		"destruct.enabled":   true,
		"destruct.delete_at": bson.M{"$ne": nil, "$lte": now},
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*model.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Purge overwrites the payload with the deleted placeholder and sets the
// immutable deleted flag. The slot stays in place for ordering; only its
// content is gone.
func (r *Repo) Purge(ctx context.Context, id string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "deleted": false},
		bson.M{"$set": bson.M{
			"payload":   []byte(model.DeletedPlaceholder),
			"media_ref": "",
			"deleted":   true,
		}},
	)
	return err
}
