package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cipherchat/internal/model"
	"cipherchat/internal/service/registry"
	appErrors "cipherchat/pkg/errors"

	"github.com/stretchr/testify/require"
)

// fakeMissedStore keeps missed-call records in memory.
type fakeMissedStore struct {
	mu      sync.Mutex
	records []*model.MissedCall
}

func (s *fakeMissedStore) Record(ctx context.Context, caller, callee string, kind model.CallKind) (*model.MissedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := &model.MissedCall{
		Caller:    caller,
		Callee:    callee,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	s.records = append(s.records, mc)
	return mc, nil
}

func (s *fakeMissedStore) UnseenFor(ctx context.Context, callee string) ([]*model.MissedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.MissedCall
	for _, mc := range s.records {
		if mc.Callee == callee && !mc.Seen {
			out = append(out, mc)
		}
	}
	return out, nil
}

func (s *fakeMissedStore) MarkSeen(ctx context.Context, callee string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, mc := range s.records {
		if mc.Callee == callee && !mc.Seen {
			mc.Seen = true
			count++
		}
	}
	return count, nil
}

func (s *fakeMissedStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeConn captures pushed events.
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

func (c *fakeConn) relayed(t *testing.T, i int) (model.EventType, *model.CallRelayPayload) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.events), i, "expected at least %d events", i+1)
	ev := c.events[i]
	var p model.CallRelayPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return ev.Type, &p
}

func (c *fakeConn) waitFor(t *testing.T, typ model.EventType) *model.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, ev := range c.events {
			if ev.Type == typ {
				c.mu.Unlock()
				return ev
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never arrived", typ)
	return nil
}

func newCoordinator(timeout time.Duration) (*Coordinator, *registry.Registry, *fakeMissedStore) {
	reg := registry.New()
	missed := &fakeMissedStore{}
	return New(reg, missed, timeout), reg, missed
}

func offer(t *testing.T, c *Coordinator, caller, callee string) {
	t.Helper()
	require.NoError(t, c.Offer(context.Background(), caller, &model.CallOfferPayload{
		To: callee, Kind: model.CallAudio, Offer: "sdp-offer",
	}))
}

func TestOfferToOnlineCallee(t *testing.T) {
	c, reg, missed := newCoordinator(time.Minute)
	bob := &fakeConn{}
	reg.Register("bob", bob)

	offer(t, c, "alice", "bob")

	require.Equal(t, model.CallCalling, c.State("alice"))
	require.Equal(t, model.CallRinging, c.State("bob"))
	typ, p := bob.relayed(t, 0)
	require.Equal(t, model.EvCallOffer, typ)
	require.Equal(t, "alice", p.From)
	require.Equal(t, "sdp-offer", p.SDP)
	require.Zero(t, missed.count(), "a ringing call is not missed yet")
}

func TestOfferToOfflineCalleeBuffersAndRecordsMiss(t *testing.T) {
	c, _, missed := newCoordinator(time.Minute)

	offer(t, c, "alice", "bob")

	pc, ok := c.PendingFor("bob", "alice")
	require.True(t, ok)
	require.Equal(t, "sdp-offer", pc.Offer)
	require.False(t, pc.Canceled)
	require.Equal(t, 1, missed.count())
}

func TestOfferToBusyCallee(t *testing.T) {
	c, reg, _ := newCoordinator(time.Minute)
	alice := &fakeConn{}
	bob := &fakeConn{}
	carol := &fakeConn{}
	reg.Register("alice", alice)
	reg.Register("bob", bob)
	reg.Register("carol", carol)

	offer(t, c, "alice", "bob")

	err := c.Offer(context.Background(), "carol", &model.CallOfferPayload{
		To: "bob", Kind: model.CallVideo, Offer: "sdp2",
	})
	require.ErrorIs(t, err, appErrors.ErrCalleeBusy)

	typ, p := carol.relayed(t, 0)
	require.Equal(t, model.EvCallReject, typ)
	require.Equal(t, "busy", p.Reason)
	require.Equal(t, model.CallRinging, c.State("bob"), "busy rejection must not disturb the callee")
}

func TestSecondOfferFromSameCaller(t *testing.T) {
	c, _, _ := newCoordinator(time.Minute)

	offer(t, c, "alice", "bob")
	err := c.Offer(context.Background(), "alice", &model.CallOfferPayload{
		To: "carol", Kind: model.CallAudio, Offer: "sdp2",
	})
	require.ErrorIs(t, err, appErrors.ErrAlreadyInCall)
}

func TestAnswerConnectsAndClearsTimeout(t *testing.T) {
	c, reg, missed := newCoordinator(50 * time.Millisecond)
	alice := &fakeConn{}
	bob := &fakeConn{}
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	offer(t, c, "alice", "bob")
	require.NoError(t, c.Answer(context.Background(), "bob", &model.CallAnswerPayload{
		To: "alice", Answer: "sdp-answer",
	}))

	require.Equal(t, model.CallConnecting, c.State("alice"))
	require.Equal(t, model.CallConnecting, c.State("bob"))
	typ, p := alice.relayed(t, 0)
	require.Equal(t, model.EvCallAnswer, typ)
	require.Equal(t, "sdp-answer", p.SDP)

	// Well past the timeout: the disarmed timer must not fire.
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, model.CallConnecting, c.State("alice"))
	require.Zero(t, missed.count())
}

func TestAnswerWithoutRingingCall(t *testing.T) {
	c, _, _ := newCoordinator(time.Minute)

	err := c.Answer(context.Background(), "bob", &model.CallAnswerPayload{To: "alice", Answer: "sdp"})
	require.ErrorIs(t, err, appErrors.ErrNoActiveCall)
}

func TestCandidatePromotesToConnected(t *testing.T) {
	c, reg, _ := newCoordinator(time.Minute)
	alice := &fakeConn{}
	bob := &fakeConn{}
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	offer(t, c, "alice", "bob")
	require.NoError(t, c.Answer(context.Background(), "bob", &model.CallAnswerPayload{To: "alice", Answer: "sdp"}))
	require.NoError(t, c.Candidate(context.Background(), "alice", &model.CallCandidatePayload{
		To: "bob", Candidate: "cand-1",
	}))

	require.Equal(t, model.CallConnected, c.State("alice"))
	require.Equal(t, model.CallConnected, c.State("bob"))
	typ, p := bob.relayed(t, 1)
	require.Equal(t, model.EvCallCandidate, typ)
	require.Equal(t, "cand-1", p.Candidate)
}

func TestCandidateBufferedForOfflineCallee(t *testing.T) {
	c, _, _ := newCoordinator(time.Minute)

	offer(t, c, "alice", "bob")
	require.NoError(t, c.Candidate(context.Background(), "alice", &model.CallCandidatePayload{
		To: "bob", Candidate: "cand-1",
	}))
	require.NoError(t, c.Candidate(context.Background(), "alice", &model.CallCandidatePayload{
		To: "bob", Candidate: "cand-2",
	}))

	pc, ok := c.PendingFor("bob", "alice")
	require.True(t, ok)
	require.Equal(t, []string{"cand-1", "cand-2"}, pc.Candidates)
}

func TestCancelWhileCalleeOffline(t *testing.T) {
	c, _, missed := newCoordinator(time.Minute)

	offer(t, c, "alice", "bob")
	require.Equal(t, 1, missed.count())

	require.NoError(t, c.Cancel(context.Background(), "alice", &model.CallControlPayload{To: "bob"}))

	// The offline offer already recorded the miss; cancel must not double it.
	require.Equal(t, 1, missed.count())
	pc, ok := c.PendingFor("bob", "alice")
	require.True(t, ok, "flagged entry survives for the reconnect drain")
	require.True(t, pc.Canceled)
	require.Equal(t, model.CallIdle, c.State("alice"))
}

func TestCancelWhileCalleeRinging(t *testing.T) {
	c, reg, missed := newCoordinator(time.Minute)
	bob := &fakeConn{}
	reg.Register("bob", bob)

	offer(t, c, "alice", "bob")
	require.Zero(t, missed.count())

	require.NoError(t, c.Cancel(context.Background(), "alice", &model.CallControlPayload{To: "bob"}))
	require.Equal(t, 1, missed.count())
	require.Equal(t, model.CallIdle, c.State("bob"))

	typ, p := bob.relayed(t, 1)
	require.Equal(t, model.EvCallCancel, typ)
	require.Equal(t, "canceled", p.Reason)
}

func TestRejectClearsBothSides(t *testing.T) {
	c, reg, missed := newCoordinator(time.Minute)
	alice := &fakeConn{}
	bob := &fakeConn{}
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	offer(t, c, "alice", "bob")
	require.NoError(t, c.Reject(context.Background(), "bob", &model.CallControlPayload{To: "alice"}))

	require.Equal(t, model.CallIdle, c.State("alice"))
	require.Equal(t, model.CallIdle, c.State("bob"))
	require.Zero(t, missed.count(), "a reject is not a missed call")

	typ, p := alice.relayed(t, 0)
	require.Equal(t, model.EvCallReject, typ)
	require.Equal(t, "rejected", p.Reason)
}

func TestTimeoutCancelsBothSides(t *testing.T) {
	c, reg, missed := newCoordinator(30 * time.Millisecond)
	alice := &fakeConn{}
	bob := &fakeConn{}
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	offer(t, c, "alice", "bob")

	ev := alice.waitFor(t, model.EvCallCancel)
	var p model.CallRelayPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "timeout", p.Reason)

	bob.waitFor(t, model.EvCallCancel)
	require.Equal(t, model.CallIdle, c.State("alice"))
	require.Equal(t, model.CallIdle, c.State("bob"))
	require.Equal(t, 1, missed.count())
}

func TestHandleConnectDrainsPendingCalls(t *testing.T) {
	c, reg, _ := newCoordinator(time.Minute)
	alice := &fakeConn{}
	reg.Register("alice", alice)

	offer(t, c, "alice", "bob")
	require.NoError(t, c.Candidate(context.Background(), "alice", &model.CallCandidatePayload{
		To: "bob", Candidate: "cand-1",
	}))

	bob := &fakeConn{}
	reg.Register("bob", bob)
	c.HandleConnect(context.Background(), "bob")

	typ, p := bob.relayed(t, 0)
	require.Equal(t, model.EvCallOffer, typ)
	require.Equal(t, "alice", p.From)
	typ, p = bob.relayed(t, 1)
	require.Equal(t, model.EvCallCandidate, typ)
	require.Equal(t, "cand-1", p.Candidate)

	// The deferred miss from the offline offer replays as an update.
	bob.waitFor(t, model.EvMissedCallUpdate)

	// The caller learns the callee came up.
	alice.waitFor(t, model.EvRecipientOnline)
	require.Equal(t, model.CallRinging, c.State("bob"))

	_, ok := c.PendingFor("bob", "alice")
	require.False(t, ok, "drained entries are consumed")
}

func TestHandleConnectDeliversCancelNotice(t *testing.T) {
	c, reg, _ := newCoordinator(time.Minute)

	offer(t, c, "alice", "bob")
	require.NoError(t, c.Cancel(context.Background(), "alice", &model.CallControlPayload{To: "bob"}))

	bob := &fakeConn{}
	reg.Register("bob", bob)
	c.HandleConnect(context.Background(), "bob")

	typ, p := bob.relayed(t, 0)
	require.Equal(t, model.EvCallCancel, typ)
	require.Equal(t, "canceled-while-offline", p.Reason)
	require.Equal(t, model.CallIdle, c.State("bob"))
}

func TestDisconnectEndsLiveCall(t *testing.T) {
	c, reg, _ := newCoordinator(time.Minute)
	aliceConn := &fakeConn{}
	bobConn := &fakeConn{}
	reg.Register("alice", aliceConn)
	reg.Register("bob", bobConn)

	offer(t, c, "alice", "bob")
	require.NoError(t, c.Answer(context.Background(), "bob", &model.CallAnswerPayload{To: "alice", Answer: "sdp"}))

	reg.Deregister("alice", aliceConn)

	ev := bobConn.waitFor(t, model.EvCallEnd)
	var p model.CallRelayPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "peer-disconnected", p.Reason)
	bobConn.waitFor(t, model.EvRecipientOffline)
	require.Equal(t, model.CallIdle, c.State("bob"))
}

func TestDisconnectPurgesAuthoredPending(t *testing.T) {
	c, reg, _ := newCoordinator(time.Minute)
	aliceConn := &fakeConn{}
	reg.Register("alice", aliceConn)

	offer(t, c, "alice", "bob")
	_, ok := c.PendingFor("bob", "alice")
	require.True(t, ok)

	reg.Deregister("alice", aliceConn)

	_, ok = c.PendingFor("bob", "alice")
	require.False(t, ok, "a vanished caller cannot complete a deferred call")
}
