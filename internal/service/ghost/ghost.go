// Package ghost manages ephemeral sessions: activation with a short-lived
// join code, single-use join, per-session keys independent of any room key,
// heartbeat-gated liveness, and destruction of everything on termination.
package ghost

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"cipherchat/internal/cryptographic/envelope"
	"cipherchat/internal/cryptographic/fieldcodec"
	"cipherchat/internal/cryptographic/kdf"
	"cipherchat/internal/model"
	"cipherchat/internal/service/registry"
	"cipherchat/internal/utils/log"
	appErrors "cipherchat/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Store is the persistence slice the manager needs.
	Store interface {
		CreateSession(ctx context.Context, s *model.GhostSession) error
		GetSession(ctx context.Context, id string) (*model.GhostSession, error)
		Heartbeat(ctx context.Context, id string, at time.Time) (bool, error)
		Terminate(ctx context.Context, id, by string, at time.Time) (bool, error)
		AppendMessage(ctx context.Context, msg *model.GhostMessage) error
		GetMessage(ctx context.Context, id string) (*model.GhostMessage, error)
		MarkViewed(ctx context.Context, id string, viewedAt, deleteAt time.Time) (bool, error)
		DestroySessionMessages(ctx context.Context, sessionID string) (int64, error)
	}

	// CodeStore holds join codes with a TTL shorter than the session's own
	// expiry; consumption must be atomic and single-use.
	CodeStore interface {
		SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
		GetDel(ctx context.Context, key string) (string, error)
	}

	Manager struct {
		store      Store
		codes      CodeStore
		registry   *registry.Registry
		envelope   *envelope.Envelope
		codec      *fieldcodec.Codec
		sessionTTL time.Duration
		codeTTL    time.Duration
	}
)

const codeKeyPrefix = "ghost:code:"

func NewManager(store Store, codes CodeStore, reg *registry.Registry, env *envelope.Envelope, codec *fieldcodec.Codec, sessionTTL, codeTTL time.Duration) *Manager {
	return &Manager{
		store:      store,
		codes:      codes,
		registry:   reg,
		envelope:   env,
		codec:      codec,
		sessionTTL: sessionTTL,
		codeTTL:    codeTTL,
	}
}

// Activate creates a session keyed independently of any room key and issues
// a short numeric join code scoped to (initiator, target).
func (m *Manager) Activate(ctx context.Context, initiator string, p *model.GhostActivatePayload) (*model.GhostActivatedPayload, error) {
	if initiator == p.Target {
		return nil, appErrors.InvalidArg("cannot open a session with yourself")
	}

	key, err := kdf.NewKey("cipherchat/ghost-session-key")
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "session key", err)
	}
	wrapped, err := m.envelope.WrapKey(key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &model.GhostSession{
		ID:            uuid.NewString(),
		Initiator:     initiator,
		Target:        p.Target,
		Key:           wrapped,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.sessionTTL),
		Active:        true,
		LastHeartbeat: now,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "create session", err)
	}

	code, err := m.issueCode(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	return &model.GhostActivatedPayload{
		SessionID: session.ID,
		Code:      code,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// issueCode draws 6-digit codes until one is free in the code store. The
// code expires well before the session does.
func (m *Manager) issueCode(ctx context.Context, sessionID string) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", appErrors.Wrap(appErrors.CodeInternal, "draw join code", err)
		}
		code := fmt.Sprintf("%06d", n.Int64())

		stored, err := m.codes.SetNX(ctx, codeKeyPrefix+code, sessionID, m.codeTTL)
		if err != nil {
			return "", appErrors.Wrap(appErrors.CodeInternal, "store join code", err)
		}
		if stored {
			return code, nil
		}
	}
	return "", appErrors.Internal("could not allocate a join code")
}

// Join consumes the code (single-use) and activates the session for both
// parties. Only the session's target may join.
func (m *Manager) Join(ctx context.Context, joiner string, p *model.GhostJoinPayload) (*model.GhostSession, error) {
	sessionID, err := m.codes.GetDel(ctx, codeKeyPrefix+p.Code)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "consume join code", err)
	}
	if sessionID == "" {
		return nil, appErrors.ErrGhostCodeInvalid
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "load session", err)
	}
	if session == nil || !session.Active {
		return nil, appErrors.ErrGhostSessionClosed
	}
	if joiner != session.Target {
		return nil, appErrors.ErrGhostNotMember
	}

	joined := model.MustEvent(model.EvGhostJoined, model.GhostJoinedPayload{
		SessionID: session.ID,
		Peer:      joiner,
		ExpiresAt: session.ExpiresAt,
	})
	m.registry.Push(session.Initiator, joined)

	m.touch(ctx, session.ID)
	return session, nil
}

// SendMessage encrypts under the session key and relays live when the peer
// is reachable. The destruct timer is mandatory and arms on view, not now.
func (m *Manager) SendMessage(ctx context.Context, sender string, p *model.GhostSendPayload) (*model.GhostMessage, error) {
	session, err := m.activeSession(ctx, p.SessionID, sender)
	if err != nil {
		return nil, err
	}

	key, err := m.envelope.UnwrapKey(session.Key)
	if err != nil {
		return nil, err
	}
	sealed, err := m.envelope.Seal(key, []byte(p.Content))
	if err != nil {
		return nil, err
	}

	receiver := session.Peer(sender)
	encSender, err := m.codec.Encode(sender)
	if err != nil {
		return nil, err
	}
	encReceiver, err := m.codec.Encode(receiver)
	if err != nil {
		return nil, err
	}

	msg := &model.GhostMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Sender:    encSender,
		Receiver:  encReceiver,
		Kind:      p.Kind,
		Payload:   sealed,
		MediaRef:  p.MediaRef,
		CreatedAt: time.Now().UTC(),
		Destruct:  model.SelfDestruct{Enabled: true, Seconds: p.DestructSeconds},
	}
	if msg.Kind == "" {
		msg.Kind = model.KindText
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "append ghost message", err)
	}

	m.registry.Push(receiver, model.MustEvent(model.EvGhostMessage, model.GhostMessagePayload{
		ID:              msg.ID,
		SessionID:       session.ID,
		From:            sender,
		Kind:            msg.Kind,
		Content:         p.Content,
		DestructSeconds: p.DestructSeconds,
		CreatedAt:       msg.CreatedAt,
	}))

	m.touch(ctx, session.ID)
	return msg, nil
}

// MessageViewed arms the auto-delete timer. A repeat view of the same
// message is a silent no-op; the original timer stands.
func (m *Manager) MessageViewed(ctx context.Context, caller string, p *model.GhostViewedPayload) error {
	session, err := m.activeSession(ctx, p.SessionID, caller)
	if err != nil {
		return err
	}

	msg, err := m.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "load ghost message", err)
	}
	if msg == nil || msg.SessionID != session.ID || !m.codec.Matches(msg.Receiver, caller) {
		return appErrors.ErrMessageNotFound
	}

	now := time.Now().UTC()
	if _, err := m.store.MarkViewed(ctx, p.MessageID, now, now.Add(time.Duration(msg.Destruct.Seconds)*time.Second)); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "mark ghost viewed", err)
	}

	m.touch(ctx, session.ID)
	return nil
}

// SecurityEvent is a pure relay (screenshot detection and the like); the
// server keeps no state for it.
func (m *Manager) SecurityEvent(ctx context.Context, caller string, p *model.GhostSecurityPayload) error {
	session, err := m.activeSession(ctx, p.SessionID, caller)
	if err != nil {
		return err
	}

	ev, err := model.NewEvent(model.EvGhostSecurityEvent, map[string]string{
		"session_id": session.ID,
		"from":       caller,
		"kind":       p.Kind,
	})
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "encode security event", err)
	}
	m.registry.Push(session.Peer(caller), ev)

	m.touch(ctx, session.ID)
	return nil
}

// Terminate ends the session on explicit request from either participant,
// destroys all of its messages, and notifies both parties.
func (m *Manager) Terminate(ctx context.Context, caller string, p *model.GhostTerminatePayload) error {
	session, err := m.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "load session", err)
	}
	if session == nil {
		return appErrors.ErrGhostSessionClosed
	}
	if !session.Participant(caller) {
		return appErrors.ErrGhostNotMember
	}

	terminated, err := m.store.Terminate(ctx, session.ID, caller, time.Now().UTC())
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "terminate session", err)
	}
	if !terminated {
		return nil
	}

	if _, err := m.store.DestroySessionMessages(ctx, session.ID); err != nil {
		log.Error("destroy ghost messages failed", zap.String("session", session.ID), zap.Error(err))
	}

	ev := model.MustEvent(model.EvGhostTerminated, model.GhostTerminatedPayload{
		SessionID:    session.ID,
		TerminatedBy: caller,
		Reason:       "terminated",
	})
	m.registry.Push(session.Initiator, ev)
	m.registry.Push(session.Target, ev)
	return nil
}

// activeSession loads and gates a session for a participant action.
func (m *Manager) activeSession(ctx context.Context, sessionID, identity string) (*model.GhostSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeInternal, "load session", err)
	}
	if session == nil || !session.Active {
		return nil, appErrors.ErrGhostSessionClosed
	}
	if !session.Participant(identity) {
		return nil, appErrors.ErrGhostNotMember
	}
	return session, nil
}

// touch stamps the heartbeat; any participant activity counts as liveness.
func (m *Manager) touch(ctx context.Context, sessionID string) {
	if _, err := m.store.Heartbeat(ctx, sessionID, time.Now().UTC()); err != nil {
		log.Warn("ghost heartbeat failed", zap.String("session", sessionID), zap.Error(err))
	}
}
