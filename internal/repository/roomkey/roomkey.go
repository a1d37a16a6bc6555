package roomkey

import (
	"context"
	"time"

	"cipherchat/internal/cryptographic/envelope"
	"cipherchat/internal/cryptographic/kdf"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	// Record stores a per-room key wrapped under the master key; raw key
	// material never touches disk.
	Record struct {
		ID         string    `bson:"_id"`
		RoomID     string    `bson:"room_id"`
		WrappedKey []byte    `bson:"wrapped_key"`
		CreatedAt  time.Time `bson:"created_at"`
	}

	Repo struct {
		collection *mongo.Collection
		envelope   *envelope.Envelope
	}
)

func NewRepo(db *mongo.Database, env *envelope.Envelope) *Repo {
	return &Repo{
		collection: db.Collection("room_keys"),
		envelope:   env,
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}},
	})
	return err
}

// GetOrCreate returns the room's key id and unwrapped key, generating and
// persisting a fresh one on first use. The key is generated once per room
// and reused for its whole history.
func (r *Repo) GetOrCreate(ctx context.Context, roomID string) (string, []byte, error) {
	var rec Record
	err := r.collection.FindOne(ctx, bson.M{"room_id": roomID}).Decode(&rec)
	if err == nil {
		key, err := r.envelope.UnwrapKey(rec.WrappedKey)
		if err != nil {
			return "", nil, err
		}
		return rec.ID, key, nil
	}
	if err != mongo.ErrNoDocuments {
		return "", nil, err
	}

	key, err := kdf.NewKey("cipherchat/room-key")
	if err != nil {
		return "", nil, err
	}
	wrapped, err := r.envelope.WrapKey(key)
	if err != nil {
		return "", nil, err
	}

	rec = Record{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		WrappedKey: wrapped,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := r.collection.InsertOne(ctx, &rec); err != nil {
		return "", nil, err
	}
	return rec.ID, key, nil
}

// Get resolves a key by its reference id.
func (r *Repo) Get(ctx context.Context, keyRef string) ([]byte, error) {
	var rec Record
	if err := r.collection.FindOne(ctx, bson.M{"_id": keyRef}).Decode(&rec); err != nil {
		return nil, err
	}
	return r.envelope.UnwrapKey(rec.WrappedKey)
}
