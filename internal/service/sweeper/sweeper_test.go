package sweeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cipherchat/internal/cryptographic/fieldcodec"
	"cipherchat/internal/model"
	"cipherchat/internal/service/registry"

	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu     sync.Mutex
	msgs   []*model.Message
	purged []string
}

func (l *fakeLedger) Expired(ctx context.Context, now time.Time) ([]*model.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Message
	for _, m := range l.msgs {
		if !m.Deleted && m.Destruct.DeleteAt != nil && !m.Destruct.DeleteAt.After(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (l *fakeLedger) Purge(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m.ID == id {
			m.Deleted = true
			m.Payload = []byte(model.DeletedPlaceholder)
			l.purged = append(l.purged, id)
		}
	}
	return nil
}

type fakeGhosts struct {
	mu       sync.Mutex
	msgs     []*model.GhostMessage
	sessions []*model.GhostSession
	purged   []string
}

func (g *fakeGhosts) ExpiredMessages(ctx context.Context, now time.Time) ([]*model.GhostMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.GhostMessage
	for _, m := range g.msgs {
		if !m.Deleted && m.Destruct.DeleteAt != nil && !m.Destruct.DeleteAt.After(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (g *fakeGhosts) PurgeMessage(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.msgs {
		if m.ID == id {
			m.Deleted = true
			g.purged = append(g.purged, id)
		}
	}
	return nil
}

func (g *fakeGhosts) ExpiredSessions(ctx context.Context, now time.Time, heartbeatWindow time.Duration) ([]*model.GhostSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*model.GhostSession
	for _, s := range g.sessions {
		if !s.Active {
			continue
		}
		if !s.ExpiresAt.After(now) || now.Sub(s.LastHeartbeat) > heartbeatWindow {
			out = append(out, s)
		}
	}
	return out, nil
}

func (g *fakeGhosts) Terminate(ctx context.Context, id, by string, at time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sessions {
		if s.ID == id && s.Active {
			s.Active = false
			s.TerminatedBy = by
			s.TerminatedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (g *fakeGhosts) DestroySessionMessages(ctx context.Context, sessionID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var count int64
	for _, m := range g.msgs {
		if m.SessionID == sessionID && !m.Deleted {
			m.Deleted = true
			count++
		}
	}
	return count, nil
}

type fakeMedia struct {
	mu      sync.Mutex
	fail    map[string]bool
	deleted []string
}

func (m *fakeMedia) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[ref] {
		return errors.New("storage unavailable")
	}
	m.deleted = append(m.deleted, ref)
	return nil
}

type fakeConn struct {
	mu     sync.Mutex
	events []*model.Event
}

func (c *fakeConn) WriteEvent(ev *model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func decodePayload(c *fakeConn, i int, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Unmarshal(c.events[i].Payload, v)
}

func (c *fakeConn) typed() []model.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	sweeper *Sweeper
	ledger  *fakeLedger
	ghosts  *fakeGhosts
	media   *fakeMedia
	reg     *registry.Registry
	codec   *fieldcodec.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := fieldcodec.New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	ledger := &fakeLedger{}
	ghosts := &fakeGhosts{}
	media := &fakeMedia{fail: make(map[string]bool)}
	reg := registry.New()
	return &fixture{
		sweeper: New(ledger, ghosts, media, reg, codec, time.Hour, 90*time.Second),
		ledger:  ledger,
		ghosts:  ghosts,
		media:   media,
		reg:     reg,
		codec:   codec,
	}
}

func (f *fixture) encode(t *testing.T, identity string) []byte {
	t.Helper()
	enc, err := f.codec.Encode(identity)
	require.NoError(t, err)
	return enc
}

func expiredMessage(f *fixture, t *testing.T, id, mediaRef string) *model.Message {
	past := time.Now().UTC().Add(-time.Minute)
	return &model.Message{
		ID:       id,
		RoomID:   model.RoomID("alice", "bob"),
		Sender:   f.encode(t, "alice"),
		Receiver: f.encode(t, "bob"),
		Kind:     model.KindText,
		Payload:  []byte("ciphertext"),
		MediaRef: mediaRef,
		Destruct: model.SelfDestruct{Enabled: true, Seconds: 30, DeleteAt: &past},
	}
}

func TestRunOncePurgesExpiredAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.ledger.msgs = []*model.Message{expiredMessage(f, t, "m1", "")}

	alice := &fakeConn{}
	bob := &fakeConn{}
	f.reg.Register("alice", alice)
	f.reg.Register("bob", bob)

	f.sweeper.RunOnce(context.Background())

	require.Equal(t, []string{"m1"}, f.ledger.purged)
	require.Equal(t, []model.EventType{model.EvMessageDeleted}, alice.typed())
	require.Equal(t, []model.EventType{model.EvMessageDeleted}, bob.typed())

	// The purged entry no longer matches; a second pass changes nothing.
	f.sweeper.RunOnce(context.Background())
	require.Equal(t, []string{"m1"}, f.ledger.purged)
	require.Len(t, alice.typed(), 1)
}

func TestRunOnceWithNobodyConnected(t *testing.T) {
	f := newFixture(t)
	f.ledger.msgs = []*model.Message{expiredMessage(f, t, "m1", "")}

	f.sweeper.RunOnce(context.Background())
	require.Equal(t, []string{"m1"}, f.ledger.purged)
}

func TestMediaDeleteFailureDefersPurge(t *testing.T) {
	f := newFixture(t)
	f.ledger.msgs = []*model.Message{expiredMessage(f, t, "m1", "blob-1")}
	f.media.fail["blob-1"] = true

	f.sweeper.RunOnce(context.Background())
	require.Empty(t, f.ledger.purged, "purge must wait until the media is gone")

	// Storage recovers; the next pass completes the unit.
	f.media.fail["blob-1"] = false
	f.sweeper.RunOnce(context.Background())
	require.Equal(t, []string{"m1"}, f.ledger.purged)
	require.Equal(t, []string{"blob-1"}, f.media.deleted)
}

func TestGhostMessageSweep(t *testing.T) {
	f := newFixture(t)
	past := time.Now().UTC().Add(-time.Second)
	f.ghosts.msgs = []*model.GhostMessage{{
		ID:        "g1",
		SessionID: "s1",
		Sender:    f.encode(t, "alice"),
		Receiver:  f.encode(t, "bob"),
		Kind:      model.KindText,
		Destruct:  model.SelfDestruct{Enabled: true, Seconds: 10, DeleteAt: &past},
	}}

	bob := &fakeConn{}
	f.reg.Register("bob", bob)

	f.sweeper.RunOnce(context.Background())
	require.Equal(t, []string{"g1"}, f.ghosts.purged)
	require.Equal(t, []model.EventType{model.EvGhostMessageDeleted}, bob.typed())
}

func TestGhostSessionExpiry(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.ghosts.sessions = []*model.GhostSession{{
		ID:            "s1",
		Initiator:     "alice",
		Target:        "bob",
		Active:        true,
		ExpiresAt:     now.Add(-time.Minute),
		LastHeartbeat: now,
	}}
	f.ghosts.msgs = []*model.GhostMessage{{ID: "g1", SessionID: "s1"}}

	alice := &fakeConn{}
	f.reg.Register("alice", alice)

	f.sweeper.RunOnce(context.Background())

	require.False(t, f.ghosts.sessions[0].Active)
	require.True(t, f.ghosts.msgs[0].Deleted, "session teardown destroys its messages")

	events := alice.typed()
	require.Equal(t, []model.EventType{model.EvGhostTerminated}, events)
	var p model.GhostTerminatedPayload
	require.NoError(t, decodePayload(alice, 0, &p))
	require.Equal(t, "expired", p.Reason)

	// Terminated sessions drop out of the expired set.
	f.sweeper.RunOnce(context.Background())
	require.Len(t, alice.typed(), 1)
}

func TestGhostSessionHeartbeatLoss(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.ghosts.sessions = []*model.GhostSession{{
		ID:            "s1",
		Initiator:     "alice",
		Target:        "bob",
		Active:        true,
		ExpiresAt:     now.Add(time.Hour),
		LastHeartbeat: now.Add(-5 * time.Minute),
	}}

	bob := &fakeConn{}
	f.reg.Register("bob", bob)

	f.sweeper.RunOnce(context.Background())

	var p model.GhostTerminatedPayload
	require.NoError(t, decodePayload(bob, 0, &p))
	require.Equal(t, "heartbeat-lost", p.Reason)
}

func TestStartIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.sweeper.Start(ctx))
	require.ErrorIs(t, f.sweeper.Start(ctx), ErrAlreadyStarted)
	f.sweeper.Stop()
}
