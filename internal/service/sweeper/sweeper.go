// Package sweeper is the periodic deletion pass: it finds self-destruct
// ledger entries, ghost messages, and ghost sessions whose time is up, and
// irreversibly purges their content. It runs decoupled from any connection
// and tolerates zero connected parties.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"cipherchat/internal/cryptographic/fieldcodec"
	"cipherchat/internal/model"
	"cipherchat/internal/service/registry"
	"cipherchat/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// LedgerStore is the slice of the message repository the sweep uses.
	LedgerStore interface {
		Expired(ctx context.Context, now time.Time) ([]*model.Message, error)
		Purge(ctx context.Context, id string) error
	}

	// GhostStore covers ghost messages and session expiry.
	GhostStore interface {
		ExpiredMessages(ctx context.Context, now time.Time) ([]*model.GhostMessage, error)
		PurgeMessage(ctx context.Context, id string) error
		ExpiredSessions(ctx context.Context, now time.Time, heartbeatWindow time.Duration) ([]*model.GhostSession, error)
		Terminate(ctx context.Context, id, by string, at time.Time) (bool, error)
		DestroySessionMessages(ctx context.Context, sessionID string) (int64, error)
	}

	// MediaDeleter removes the media resource referenced by a purged entry.
	MediaDeleter interface {
		Delete(ctx context.Context, ref string) error
	}

	Sweeper struct {
		ledger          LedgerStore
		ghosts          GhostStore
		media           MediaDeleter
		registry        *registry.Registry
		codec           *fieldcodec.Codec
		interval        time.Duration
		heartbeatWindow time.Duration

		mu      sync.Mutex
		started bool
		cancel  context.CancelFunc
		done    chan struct{}
	}
)

var ErrAlreadyStarted = errors.New("sweeper: already started")

func New(ledger LedgerStore, ghosts GhostStore, media MediaDeleter, reg *registry.Registry, codec *fieldcodec.Codec, interval, heartbeatWindow time.Duration) *Sweeper {
	return &Sweeper{
		ledger:          ledger,
		ghosts:          ghosts,
		media:           media,
		registry:        reg,
		codec:           codec,
		interval:        interval,
		heartbeatWindow: heartbeatWindow,
	}
}

// Start launches the sweep loop. Only one instance may ever be started;
// a second call is a hard error, not a silent no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep pass. Every query selects only entries
// whose deleted flag is clear, so running the pass again over the same
// entries is a no-op; failures are logged and naturally retried on the
// next interval.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.sweepLedger(ctx, now)
	s.sweepGhostMessages(ctx, now)
	s.sweepGhostSessions(ctx, now)
}

func (s *Sweeper) sweepLedger(ctx context.Context, now time.Time) {
	expired, err := s.ledger.Expired(ctx, now)
	if err != nil {
		log.Error("sweep: expired query failed", zap.Error(err))
		return
	}

	for _, msg := range expired {
		if msg.MediaRef != "" {
			if err := s.media.Delete(ctx, msg.MediaRef); err != nil {
				// Leave the entry intact; next sweep retries the whole unit.
				log.Error("sweep: media delete failed", zap.String("message", msg.ID), zap.Error(err))
				continue
			}
		}
		if err := s.ledger.Purge(ctx, msg.ID); err != nil {
			log.Error("sweep: purge failed", zap.String("message", msg.ID), zap.Error(err))
			continue
		}

		reason := "self-destruct"
		if msg.Kind == model.KindAudio && msg.Destruct.PlaybackAt != nil {
			reason = "playback-expired"
		}
		ev := model.MustEvent(model.EvMessageDeleted, model.MessageDeletedPayload{
			MessageID: msg.ID,
			RoomID:    msg.RoomID,
			Reason:    reason,
		})
		s.notifyParticipants(msg.Sender, msg.Receiver, ev)
	}
}

func (s *Sweeper) sweepGhostMessages(ctx context.Context, now time.Time) {
	expired, err := s.ghosts.ExpiredMessages(ctx, now)
	if err != nil {
		log.Error("sweep: ghost expired query failed", zap.Error(err))
		return
	}

	for _, msg := range expired {
		if msg.MediaRef != "" {
			if err := s.media.Delete(ctx, msg.MediaRef); err != nil {
				log.Error("sweep: ghost media delete failed", zap.String("message", msg.ID), zap.Error(err))
				continue
			}
		}
		if err := s.ghosts.PurgeMessage(ctx, msg.ID); err != nil {
			log.Error("sweep: ghost purge failed", zap.String("message", msg.ID), zap.Error(err))
			continue
		}

		ev := model.MustEvent(model.EvGhostMessageDeleted, model.MessageDeletedPayload{
			MessageID: msg.ID,
			SessionID: msg.SessionID,
			Reason:    "self-destruct",
		})
		s.notifyParticipants(msg.Sender, msg.Receiver, ev)
	}
}

func (s *Sweeper) sweepGhostSessions(ctx context.Context, now time.Time) {
	expired, err := s.ghosts.ExpiredSessions(ctx, now, s.heartbeatWindow)
	if err != nil {
		log.Error("sweep: ghost session query failed", zap.Error(err))
		return
	}

	for _, session := range expired {
		terminated, err := s.ghosts.Terminate(ctx, session.ID, "", now)
		if err != nil {
			log.Error("sweep: ghost terminate failed", zap.String("session", session.ID), zap.Error(err))
			continue
		}
		if !terminated {
			continue
		}
		if _, err := s.ghosts.DestroySessionMessages(ctx, session.ID); err != nil {
			log.Error("sweep: ghost destroy messages failed", zap.String("session", session.ID), zap.Error(err))
		}

		reason := "expired"
		if now.Sub(session.LastHeartbeat) > s.heartbeatWindow && session.ExpiresAt.After(now) {
			reason = "heartbeat-lost"
		}
		ev := model.MustEvent(model.EvGhostTerminated, model.GhostTerminatedPayload{
			SessionID: session.ID,
			Reason:    reason,
		})
		s.registry.Push(session.Initiator, ev)
		s.registry.Push(session.Target, ev)
	}
}

// notifyParticipants decodes the encrypted identity fields and pushes the
// event to whichever parties are currently reachable. Undecodable fields
// are logged and skipped; the purge itself already happened.
func (s *Sweeper) notifyParticipants(encSender, encReceiver []byte, ev *model.Event) {
	for _, enc := range [][]byte{encSender, encReceiver} {
		identity, err := s.codec.Decode(enc)
		if err != nil {
			log.Warn("sweep: identity decode failed", zap.Error(err))
			continue
		}
		s.registry.Push(identity, ev)
	}
}
