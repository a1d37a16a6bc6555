package friend

import (
	"context"

	"cipherchat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Repo answers the only question the core asks about relationships: is this
// pair of identities an accepted friendship. Management of the records
// themselves lives outside the core.
type Repo struct {
	collection *mongo.Collection
}

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("friendships"),
	}
}

func (r *Repo) AreFriends(ctx context.Context, a, b string) (bool, error) {
	filter := bson.M{
		"room_id": model.RoomID(a, b),
		"status":  model.FriendAccepted,
	}
	var f model.Friendship
	err := r.collection.FindOne(ctx, filter).Decode(&f)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
