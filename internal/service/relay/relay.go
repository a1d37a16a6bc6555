// Package relay orchestrates the send pipeline: friend authorization →
// encryption → hash chain → persistence → live push → acknowledgment.
package relay

import (
	"context"
	"errors"
	"time"

	"cipherchat/internal/cryptographic/envelope"
	"cipherchat/internal/cryptographic/fieldcodec"
	"cipherchat/internal/cryptographic/hashchain"
	"cipherchat/internal/model"
	"cipherchat/internal/service/registry"
	"cipherchat/internal/utils/log"
	appErrors "cipherchat/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// MessageStore is the slice of the ledger store the relay depends on.
	MessageStore interface {
		Append(ctx context.Context, msg *model.Message) error
		GetByID(ctx context.Context, id string) (*model.Message, error)
		LatestInRoom(ctx context.Context, roomID string) (*model.Message, error)
		ByRoom(ctx context.Context, roomID string, page, limit int64) ([]*model.Message, error)
		UnseenInRoom(ctx context.Context, roomID string) ([]*model.Message, error)
		AdvanceStatus(ctx context.Context, id string, status model.DeliveryStatus) (bool, error)
		AdvanceStatusMany(ctx context.Context, ids []string, status model.DeliveryStatus) (int64, error)
		SoftDelete(ctx context.Context, id, identity string) error
		HardDelete(ctx context.Context, id string) error
		MarkViewed(ctx context.Context, id string, viewedAt, deleteAt time.Time) (bool, error)
		MarkPlayback(ctx context.Context, id string, playedAt, deleteAt time.Time) (bool, error)
	}

	// KeyStore resolves per-room keys.
	KeyStore interface {
		GetOrCreate(ctx context.Context, roomID string) (string, []byte, error)
		Get(ctx context.Context, keyRef string) ([]byte, error)
	}

	// FriendChecker is the collaborator interface for relationship lookups.
	FriendChecker interface {
		AreFriends(ctx context.Context, a, b string) (bool, error)
	}

	Relay struct {
		store    MessageStore
		keys     KeyStore
		friends  FriendChecker
		registry *registry.Registry
		envelope *envelope.Envelope
		codec    *fieldcodec.Codec
	}
)

func New(store MessageStore, keys KeyStore, friends FriendChecker, reg *registry.Registry, env *envelope.Envelope, codec *fieldcodec.Codec) *Relay {
	return &Relay{
		store:    store,
		keys:     keys,
		friends:  friends,
		registry: reg,
		envelope: env,
		codec:    codec,
	}
}

// Send runs the full pipeline for one message. The returned entry carries
// the final block index, hash and delivery status for the sender's ack.
//
// The latest-in-room read racing a concurrent append to the same room is
// accepted: the chain requires each prev-hash to match some persisted prior
// hash, not a strict global order.
func (r *Relay) Send(ctx context.Context, sender string, p *model.SendMessagePayload) (*model.Message, error) {
	if sender == p.To {
		return nil, appErrors.ErrSelfMessage
	}

	ok, err := r.friends.AreFriends(ctx, sender, p.To)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "friend lookup", err)
	}
	if !ok {
		return nil, appErrors.ErrNotFriends
	}

	roomID := model.RoomID(sender, p.To)

	keyRef, roomKey, err := r.keys.GetOrCreate(ctx, roomID)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "room key", err)
	}

	sealed, err := r.envelope.Seal(roomKey, []byte(p.Content))
	if err != nil {
		return nil, err
	}

	prevHash := hashchain.Genesis(roomID)
	var blockIndex int64
	latest, err := r.store.LatestInRoom(ctx, roomID)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "latest in room", err)
	}
	if latest != nil {
		prevHash = latest.Hash
		blockIndex = latest.BlockIndex + 1
	}

	now := time.Now().UTC()
	hash := hashchain.Hash(hashchain.Entry{
		RoomID:    roomID,
		Sender:    sender,
		Receiver:  p.To,
		Kind:      string(p.Kind),
		Payload:   sealed,
		CreatedAt: now,
		PrevHash:  prevHash,
	})

	encSender, err := r.codec.Encode(sender)
	if err != nil {
		return nil, err
	}
	encReceiver, err := r.codec.Encode(p.To)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Sender:     encSender,
		Receiver:   encReceiver,
		Kind:       p.Kind,
		Payload:    sealed,
		MediaRef:   p.MediaRef,
		Status:     model.StatusSent,
		BlockIndex: blockIndex,
		Hash:       hash,
		PrevHash:   prevHash,
		KeyRef:     keyRef,
		CreatedAt:  now,
	}
	if p.SelfDestruct {
		msg.Destruct = model.SelfDestruct{Enabled: true, Seconds: p.DestructSeconds}
	}

	if err := r.store.Append(ctx, msg); err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "append message", err)
	}

	// Live push and delivered-mark only when the recipient is reachable;
	// otherwise the status stays at sent.
	if delivered := r.registry.Push(p.To, model.MustEvent(model.EvMessageReceived, model.MessageReceivedPayload{
		ID:        msg.ID,
		RoomID:    roomID,
		From:      sender,
		Kind:      msg.Kind,
		Content:   p.Content,
		MediaRef:  msg.MediaRef,
		Hash:      msg.Hash,
		CreatedAt: msg.CreatedAt,
	})); delivered {
		if _, err := r.store.AdvanceStatus(ctx, msg.ID, model.StatusDelivered); err != nil {
			log.Error("advance to delivered failed", zap.String("message", msg.ID), zap.Error(err))
		} else {
			msg.Status = model.StatusDelivered
			r.registry.Push(sender, model.MustEvent(model.EvMessageDelivered, model.StatusUpdatePayload{
				MessageID: msg.ID,
				RoomID:    roomID,
				Status:    model.StatusDelivered,
			}))
		}
	}

	return msg, nil
}

// MarkSeen flips one message to seen, provided the caller is its receiver.
func (r *Relay) MarkSeen(ctx context.Context, caller, messageID string) error {
	msg, err := r.store.GetByID(ctx, messageID)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "load message", err)
	}
	if msg == nil {
		return appErrors.ErrMessageNotFound
	}
	if !r.codec.Matches(msg.Receiver, caller) {
		return appErrors.ErrMessageNotFound
	}

	moved, err := r.store.AdvanceStatus(ctx, messageID, model.StatusSeen)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "advance to seen", err)
	}
	if !moved {
		return nil
	}

	if sender, err := r.codec.Decode(msg.Sender); err == nil {
		r.registry.Push(sender, model.MustEvent(model.EvMessageStatusUpdate, model.StatusUpdatePayload{
			MessageID: messageID,
			RoomID:    msg.RoomID,
			Status:    model.StatusSeen,
		}))
	}
	return nil
}

// MarkSeenBulk locates all of the room's un-seen entries addressed to the
// caller via the candidate-then-filter read, flips them, and notifies the
// peer with the affected count. Running it twice changes nothing the second
// time and reports zero.
func (r *Relay) MarkSeenBulk(ctx context.Context, caller, peer string) (int64, error) {
	roomID := model.RoomID(caller, peer)

	candidates, err := r.store.UnseenInRoom(ctx, roomID)
	if err != nil {
		return 0, appErrors.Wrap(appErrors.CodeInternal, "unseen candidates", err)
	}

	// Receiver fields are non-deterministic ciphertext: the only valid
	// filter is decode-and-compare on each candidate.
	var ids []string
	for _, msg := range candidates {
		if r.codec.Matches(msg.Receiver, caller) {
			ids = append(ids, msg.ID)
		}
	}

	count, err := r.store.AdvanceStatusMany(ctx, ids, model.StatusSeen)
	if err != nil {
		return 0, appErrors.Wrap(appErrors.CodeInternal, "advance to seen", err)
	}

	if count > 0 {
		r.registry.Push(peer, model.MustEvent(model.EvMessagesSeenBulk, model.SeenBulkPayload{
			RoomID: roomID,
			Peer:   caller,
			Count:  count,
		}))
	}
	return count, nil
}

// DeleteForMe hides the message for the caller only.
func (r *Relay) DeleteForMe(ctx context.Context, caller, messageID string) error {
	msg, err := r.store.GetByID(ctx, messageID)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "load message", err)
	}
	if msg == nil {
		return appErrors.ErrMessageNotFound
	}
	if !r.codec.Matches(msg.Sender, caller) && !r.codec.Matches(msg.Receiver, caller) {
		return appErrors.ErrMessageNotFound
	}
	return r.store.SoftDelete(ctx, messageID, caller)
}

// DeleteForBoth physically removes the entry; only the original sender may
// do this. The peer is told if reachable.
func (r *Relay) DeleteForBoth(ctx context.Context, caller, messageID string) error {
	msg, err := r.store.GetByID(ctx, messageID)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "load message", err)
	}
	if msg == nil {
		return appErrors.ErrMessageNotFound
	}
	if !r.codec.Matches(msg.Sender, caller) {
		return appErrors.ErrNotSender
	}

	if err := r.store.HardDelete(ctx, messageID); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "hard delete", err)
	}

	if receiver, err := r.codec.Decode(msg.Receiver); err == nil {
		r.registry.Push(receiver, model.MustEvent(model.EvMessageDeleted, model.MessageDeletedPayload{
			MessageID: messageID,
			RoomID:    msg.RoomID,
			Reason:    "deleted-by-sender",
		}))
	}
	return nil
}

// MarkViewed records the view that arms a self-destruct timer. Duplicate
// invocations are rejected as an idempotent no-op.
func (r *Relay) MarkViewed(ctx context.Context, caller, messageID string) error {
	msg, err := r.store.GetByID(ctx, messageID)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "load message", err)
	}
	if msg == nil || !r.codec.Matches(msg.Receiver, caller) {
		return appErrors.ErrMessageNotFound
	}
	if !msg.Destruct.Enabled {
		return nil
	}

	// A duplicate view is a silent no-op: clients legitimately retry, and
	// the original timer must stand.
	now := time.Now().UTC()
	if _, err := r.store.MarkViewed(ctx, messageID, now, now.Add(time.Duration(msg.Destruct.Seconds)*time.Second)); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "mark viewed", err)
	}
	return nil
}

// MarkPlayback arms the timer for self-destructing audio; playback is a
// distinct trigger from "viewed".
func (r *Relay) MarkPlayback(ctx context.Context, caller, messageID string) error {
	msg, err := r.store.GetByID(ctx, messageID)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "load message", err)
	}
	if msg == nil || !r.codec.Matches(msg.Receiver, caller) {
		return appErrors.ErrMessageNotFound
	}
	if !msg.Destruct.Enabled || msg.Kind != model.KindAudio {
		return nil
	}

	now := time.Now().UTC()
	if _, err := r.store.MarkPlayback(ctx, messageID, now, now.Add(time.Duration(msg.Destruct.Seconds)*time.Second)); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "mark playback", err)
	}
	return nil
}

// History returns a page of a room's entries decrypted for display,
// chronological order. Undecryptable entries render the sentinel
// placeholder instead of failing the page.
func (r *Relay) History(ctx context.Context, caller, peer string, page, limit int64) ([]*model.MessageReceivedPayload, error) {
	roomID := model.RoomID(caller, peer)

	msgs, err := r.store.ByRoom(ctx, roomID, page, limit)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "room history", err)
	}

	out := make([]*model.MessageReceivedPayload, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsDeletedFor(caller) {
			continue
		}

		content := model.DeletedPlaceholder
		if !msg.Deleted {
			content = r.decryptOrPlaceholder(ctx, msg)
		}

		from := peer
		if r.codec.Matches(msg.Sender, caller) {
			from = caller
		}

		out = append(out, &model.MessageReceivedPayload{
			ID:        msg.ID,
			RoomID:    msg.RoomID,
			From:      from,
			Kind:      msg.Kind,
			Content:   content,
			MediaRef:  msg.MediaRef,
			Hash:      msg.Hash,
			CreatedAt: msg.CreatedAt,
		})
	}
	return out, nil
}

func (r *Relay) decryptOrPlaceholder(ctx context.Context, msg *model.Message) string {
	roomKey, err := r.keys.Get(ctx, msg.KeyRef)
	if err != nil {
		log.Warn("room key lookup failed", zap.String("message", msg.ID), zap.Error(err))
		return model.UndecryptablePlaceholder
	}
	plain, err := r.envelope.Open(roomKey, msg.Payload)
	if err != nil {
		if errors.Is(err, appErrors.ErrUndecryptable) {
			log.Warn("undecryptable payload", zap.String("message", msg.ID))
		}
		return model.UndecryptablePlaceholder
	}
	return string(plain)
}
