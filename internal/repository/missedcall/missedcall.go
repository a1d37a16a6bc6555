package missedcall

import (
	"context"
	"time"

	"cipherchat/internal/model"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Repo struct {
	collection *mongo.Collection
}

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("missed_calls"),
	}
}

// Record persists a missed call and returns the stored entry.
func (r *Repo) Record(ctx context.Context, caller, callee string, kind model.CallKind) (*model.MissedCall, error) {
	mc := &model.MissedCall{
		ID:        uuid.NewString(),
		Caller:    caller,
		Callee:    callee,
		Kind:      kind,
		Seen:      false,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := r.collection.InsertOne(ctx, mc); err != nil {
		return nil, err
	}
	return mc, nil
}

// UnseenFor lists a callee's unseen missed calls, newest first.
func (r *Repo) UnseenFor(ctx context.Context, callee string) ([]*model.MissedCall, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"callee": callee, "seen": false}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var calls []*model.MissedCall
	if err := cursor.All(ctx, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// MarkSeen flips the seen flag on all of a callee's missed calls.
func (r *Repo) MarkSeen(ctx context.Context, callee string) (int64, error) {
	res, err := r.collection.UpdateMany(ctx,
		bson.M{"callee": callee, "seen": false},
		bson.M{"$set": bson.M{"seen": true}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
