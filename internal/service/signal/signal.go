// Package signal coordinates audio/video call setup between two parties:
// offer/answer/candidate relay, a pending-call buffer for offline callees,
// the caller-side unanswered timeout, and missed-call recording.
package signal

import (
	"context"
	"sync"
	"time"

	"cipherchat/internal/model"
	"cipherchat/internal/service/registry"
	"cipherchat/internal/utils/log"
	appErrors "cipherchat/pkg/errors"

	"go.uber.org/zap"
)

type (
	// MissedCallStore records calls that were never answered.
	MissedCallStore interface {
		Record(ctx context.Context, caller, callee string, kind model.CallKind) (*model.MissedCall, error)
		UnseenFor(ctx context.Context, callee string) ([]*model.MissedCall, error)
		MarkSeen(ctx context.Context, callee string) (int64, error)
	}

	// callEntry tracks one identity's position in the call state machine.
	// timerGen is the cancellable timeout token: a fired timer acts only if
	// its generation still matches, so a stale timer can never touch a
	// newer call.
	callEntry struct {
		state         model.CallState
		peer          string
		kind          model.CallKind
		peerReachable bool
		timer         *time.Timer
		timerGen      uint64
	}

	Coordinator struct {
		registry *registry.Registry
		missed   MissedCallStore
		timeout  time.Duration

		// now is split out so tests can pin time.
		now func() time.Time

		mu      sync.Mutex
		calls   map[string]*callEntry
		pending map[string]map[string]*model.PendingCall // callee → caller → entry
	}
)

func New(reg *registry.Registry, missed MissedCallStore, timeout time.Duration) *Coordinator {
	c := &Coordinator{
		registry: reg,
		missed:   missed,
		timeout:  timeout,
		now:      time.Now,
		calls:    make(map[string]*callEntry),
		pending:  make(map[string]map[string]*model.PendingCall),
	}
	reg.OnDeregister(c.handleDisconnect)
	return c
}

func (c *Coordinator) entry(identity string) *callEntry {
	e, ok := c.calls[identity]
	if !ok {
		e = &callEntry{state: model.CallIdle}
		c.calls[identity] = e
	}
	return e
}

// State reports an identity's current call state.
func (c *Coordinator) State(identity string) model.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.calls[identity]; ok {
		return e.state
	}
	return model.CallIdle
}

// PendingFor returns the buffered pending call from caller to callee, if
// one exists. Exposed for tests and the reconnect drain.
func (c *Coordinator) PendingFor(callee, caller string) (*model.PendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[callee][caller]
	return p, ok
}

// Offer handles a caller's call-offer. Reachable callee: relay live and
// start ringing. Unreachable callee: buffer a pending call and record the
// miss immediately. A callee already mid-call is rejected with "busy"
// without touching their state.
func (c *Coordinator) Offer(ctx context.Context, caller string, p *model.CallOfferPayload) error {
	c.mu.Lock()

	ce := c.entry(caller)
	if ce.state != model.CallIdle {
		c.mu.Unlock()
		return appErrors.ErrAlreadyInCall
	}

	if te, ok := c.calls[p.To]; ok && te.state != model.CallIdle {
		c.mu.Unlock()
		c.registry.Push(caller, model.MustEvent(model.EvCallReject, model.CallRelayPayload{
			From:   p.To,
			Reason: "busy",
		}))
		return appErrors.ErrCalleeBusy
	}

	reachable := c.registry.Reachable(p.To)

	ce.state = model.CallCalling
	ce.peer = p.To
	ce.kind = p.Kind
	ce.peerReachable = reachable
	c.armTimeout(caller, ce)

	if reachable {
		c.entry(p.To).state = model.CallRinging
		c.calls[p.To].peer = caller
		c.calls[p.To].kind = p.Kind
		c.mu.Unlock()

		c.registry.Push(p.To, model.MustEvent(model.EvCallOffer, model.CallRelayPayload{
			From: caller,
			Kind: p.Kind,
			SDP:  p.Offer,
		}))
		return nil
	}

	if c.pending[p.To] == nil {
		c.pending[p.To] = make(map[string]*model.PendingCall)
	}
	c.pending[p.To][caller] = &model.PendingCall{
		Caller:    caller,
		Callee:    p.To,
		Kind:      p.Kind,
		Offer:     p.Offer,
		CreatedAt: c.now().UTC(),
	}
	c.mu.Unlock()

	if _, err := c.missed.Record(ctx, caller, p.To, p.Kind); err != nil {
		log.Error("record missed call failed", zap.String("caller", caller), zap.Error(err))
	}
	return nil
}

// Answer relays the callee's answer and moves both parties to connecting,
// clearing the caller's timeout.
func (c *Coordinator) Answer(ctx context.Context, callee string, p *model.CallAnswerPayload) error {
	c.mu.Lock()

	te := c.entry(callee)
	if te.state != model.CallRinging || te.peer != p.To {
		c.mu.Unlock()
		return appErrors.ErrNoActiveCall
	}

	caller, ok := c.calls[p.To]
	if !ok || caller.state != model.CallCalling || caller.peer != callee {
		c.mu.Unlock()
		return appErrors.ErrNoActiveCall
	}

	c.disarmTimeout(caller)
	caller.state = model.CallConnecting
	te.state = model.CallConnecting

	// An answered call consumes any pending entry for this pair.
	c.deletePending(callee, p.To)
	c.mu.Unlock()

	c.registry.Push(p.To, model.MustEvent(model.EvCallAnswer, model.CallRelayPayload{
		From: callee,
		SDP:  p.Answer,
	}))
	return nil
}

// Candidate relays a signaling candidate. Candidates for an offline
// recipient with a pending call are appended to its buffer rather than
// dropped. The first candidate exchanged after connecting promotes both
// parties to connected.
func (c *Coordinator) Candidate(ctx context.Context, from string, p *model.CallCandidatePayload) error {
	c.mu.Lock()

	if !c.registry.Reachable(p.To) {
		if pc, ok := c.pending[p.To][from]; ok && !pc.Canceled {
			pc.Candidates = append(pc.Candidates, p.Candidate)
		}
		c.mu.Unlock()
		return nil
	}

	if fe, ok := c.calls[from]; ok && fe.state == model.CallConnecting && fe.peer == p.To {
		fe.state = model.CallConnected
		if pe, ok := c.calls[p.To]; ok && pe.peer == from {
			pe.state = model.CallConnected
		}
	}
	c.mu.Unlock()

	c.registry.Push(p.To, model.MustEvent(model.EvCallCandidate, model.CallRelayPayload{
		From:      from,
		Candidate: p.Candidate,
	}))
	return nil
}

// Reject handles the callee declining; both parties reset and the caller's
// timeout is cleared. A reject is not a missed call.
func (c *Coordinator) Reject(ctx context.Context, callee string, p *model.CallControlPayload) error {
	c.mu.Lock()
	if caller, ok := c.calls[p.To]; ok {
		c.disarmTimeout(caller)
	}
	c.resetPair(callee, p.To)
	c.deletePending(callee, p.To)
	c.mu.Unlock()

	reason := p.Reason
	if reason == "" {
		reason = "rejected"
	}
	c.registry.Push(p.To, model.MustEvent(model.EvCallReject, model.CallRelayPayload{
		From:   callee,
		Reason: reason,
	}))
	return nil
}

// End terminates an established call from either side.
func (c *Coordinator) End(ctx context.Context, from string, p *model.CallControlPayload) error {
	c.mu.Lock()
	if peer, ok := c.calls[p.To]; ok {
		c.disarmTimeout(peer)
	}
	if fe, ok := c.calls[from]; ok {
		c.disarmTimeout(fe)
	}
	c.resetPair(from, p.To)
	c.mu.Unlock()

	c.registry.Push(p.To, model.MustEvent(model.EvCallEnd, model.CallRelayPayload{
		From: from,
	}))
	return nil
}

// Cancel handles the caller giving up before an answer: record the miss,
// tell the callee (live, or flag the pending entry for the reconnect
// drain), and reset.
func (c *Coordinator) Cancel(ctx context.Context, caller string, p *model.CallControlPayload) error {
	c.mu.Lock()

	ce := c.entry(caller)
	if ce.state != model.CallCalling || ce.peer != p.To {
		c.mu.Unlock()
		return appErrors.ErrNoActiveCall
	}
	kind := ce.kind
	wasReachable := ce.peerReachable
	c.disarmTimeout(ce)
	c.resetPair(caller, p.To)

	if pc, ok := c.pending[p.To][caller]; ok {
		// Canceled while offline: keep the flagged entry so the callee
		// still learns about the call on reconnect.
		pc.Canceled = true
	}
	c.mu.Unlock()

	// Offline offers already recorded the miss at pending-creation time.
	if wasReachable {
		if _, err := c.missed.Record(ctx, caller, p.To, kind); err != nil {
			log.Error("record missed call failed", zap.String("caller", caller), zap.Error(err))
		}
	}

	c.registry.Push(p.To, model.MustEvent(model.EvCallCancel, model.CallRelayPayload{
		From:   caller,
		Reason: "canceled",
	}))
	return nil
}

// RecordMissed handles an explicit record-missed-call command and pushes
// the update to the callee if reachable.
func (c *Coordinator) RecordMissed(ctx context.Context, caller string, p *model.RecordMissedCallPayload) error {
	mc, err := c.missed.Record(ctx, caller, p.Callee, p.Kind)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "record missed call", err)
	}
	c.registry.Push(p.Callee, model.MustEvent(model.EvMissedCallUpdate, model.MissedCallUpdatePayload{
		Caller: caller,
		Kind:   mc.Kind,
		At:     mc.CreatedAt.UnixMilli(),
	}))
	return nil
}

// HandleConnect drains the identity's pending calls on reconnect and
// replays unseen missed-call records. Pending entries are consumed either
// way: live offers for active ones, a cancel notice for flagged ones.
func (c *Coordinator) HandleConnect(ctx context.Context, identity string) {
	c.mu.Lock()
	buffered := c.pending[identity]
	delete(c.pending, identity)

	type drained struct {
		pc       *model.PendingCall
		callerUp bool
	}
	var drain []drained
	for caller, pc := range buffered {
		d := drained{pc: pc}
		if !pc.Canceled {
			if ce, ok := c.calls[caller]; ok && ce.state == model.CallCalling && ce.peer == identity {
				ce.peerReachable = true
				d.callerUp = true
			}
			te := c.entry(identity)
			if te.state == model.CallIdle {
				te.state = model.CallRinging
				te.peer = caller
				te.kind = pc.Kind
			}
		}
		drain = append(drain, d)
	}
	c.mu.Unlock()

	for _, d := range drain {
		pc := d.pc
		if pc.Canceled {
			c.registry.Push(identity, model.MustEvent(model.EvCallCancel, model.CallRelayPayload{
				From:   pc.Caller,
				Reason: "canceled-while-offline",
			}))
			continue
		}

		c.registry.Push(identity, model.MustEvent(model.EvCallOffer, model.CallRelayPayload{
			From: pc.Caller,
			Kind: pc.Kind,
			SDP:  pc.Offer,
		}))
		for _, cand := range pc.Candidates {
			c.registry.Push(identity, model.MustEvent(model.EvCallCandidate, model.CallRelayPayload{
				From:      pc.Caller,
				Candidate: cand,
			}))
		}
		if d.callerUp {
			c.registry.Push(pc.Caller, model.MustEvent(model.EvRecipientOnline, model.PresencePayload{
				Identity: identity,
			}))
		}
	}

	missed, err := c.missed.UnseenFor(ctx, identity)
	if err != nil {
		log.Error("load missed calls failed", zap.String("identity", identity), zap.Error(err))
		return
	}
	for _, mc := range missed {
		c.registry.Push(identity, model.MustEvent(model.EvMissedCallUpdate, model.MissedCallUpdatePayload{
			Caller: mc.Caller,
			Kind:   mc.Kind,
			At:     mc.CreatedAt.UnixMilli(),
		}))
	}
}

// handleDisconnect runs as a registry deregister hook. A vanished caller
// has no path to ever receive a deferred answer, so its authored pending
// calls are purged; a live call it was part of is ended for the peer.
func (c *Coordinator) handleDisconnect(identity string) {
	c.mu.Lock()

	for callee, byCaller := range c.pending {
		if _, ok := byCaller[identity]; ok {
			delete(byCaller, identity)
			if len(byCaller) == 0 {
				delete(c.pending, callee)
			}
		}
	}

	var peer string
	if e, ok := c.calls[identity]; ok {
		peer = e.peer
		c.disarmTimeout(e)
		delete(c.calls, identity)
	}
	if peer != "" {
		if pe, ok := c.calls[peer]; ok && pe.peer == identity {
			c.disarmTimeout(pe)
			delete(c.calls, peer)
		}
	}
	c.mu.Unlock()

	if peer != "" {
		c.registry.Push(peer, model.MustEvent(model.EvCallEnd, model.CallRelayPayload{
			From:   identity,
			Reason: "peer-disconnected",
		}))
		c.registry.Push(peer, model.MustEvent(model.EvRecipientOffline, model.PresencePayload{
			Identity: identity,
		}))
	}
}

// armTimeout starts the caller-side unanswered timer. The generation bump
// invalidates any previously armed timer for this entry.
func (c *Coordinator) armTimeout(caller string, e *callEntry) {
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(c.timeout, func() {
		c.timeoutFired(caller, gen)
	})
}

func (c *Coordinator) disarmTimeout(e *callEntry) {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// timeoutFired is the only automatic call termination. It re-checks the
// generation and state under the lock so a timer that lost a race with
// answer/cancel/disconnect does nothing.
func (c *Coordinator) timeoutFired(caller string, gen uint64) {
	c.mu.Lock()
	e, ok := c.calls[caller]
	if !ok || e.timerGen != gen || e.state != model.CallCalling {
		c.mu.Unlock()
		return
	}
	callee := e.peer
	kind := e.kind
	wasReachable := e.peerReachable
	c.resetPair(caller, callee)
	if pc, ok := c.pending[callee][caller]; ok {
		pc.Canceled = true
	}
	c.mu.Unlock()

	if wasReachable {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.missed.Record(ctx, caller, callee, kind); err != nil {
			log.Error("record missed call failed", zap.String("caller", caller), zap.Error(err))
		}
	}

	c.registry.Push(callee, model.MustEvent(model.EvCallCancel, model.CallRelayPayload{
		From:   caller,
		Reason: "timeout",
	}))
	c.registry.Push(caller, model.MustEvent(model.EvCallCancel, model.CallRelayPayload{
		From:   callee,
		Reason: "timeout",
	}))
}

// resetPair returns both identities to idle. Callers hold the lock.
func (c *Coordinator) resetPair(a, b string) {
	for _, id := range []string{a, b} {
		if e, ok := c.calls[id]; ok {
			e.state = model.CallIdle
			e.peer = ""
			e.peerReachable = false
		}
	}
}

// deletePending removes the caller→callee buffered entry. Callers hold the
// lock.
func (c *Coordinator) deletePending(callee, caller string) {
	if byCaller, ok := c.pending[callee]; ok {
		delete(byCaller, caller)
		if len(byCaller) == 0 {
			delete(c.pending, callee)
		}
	}
}
