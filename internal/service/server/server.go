package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"cipherchat/internal/model"
	ghostSvc "cipherchat/internal/service/ghost"
	"cipherchat/internal/service/registry"
	"cipherchat/internal/service/relay"
	"cipherchat/internal/service/signal"
	"cipherchat/internal/utils/log"
	appErrors "cipherchat/pkg/errors"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type (
	HttpServer struct {
		addr     string
		registry *registry.Registry
		relay    *relay.Relay
		signal   *signal.Coordinator
		ghosts   *ghostSvc.Manager
		missed   signal.MissedCallStore
		metrics  *serverMetrics

		httpServer *http.Server
	}
)

func NewHttpServer(addr string, reg *registry.Registry, rel *relay.Relay, sig *signal.Coordinator, ghosts *ghostSvc.Manager, missed signal.MissedCallStore, promReg prometheus.Registerer) *HttpServer {
	return &HttpServer{
		addr:     addr,
		registry: reg,
		relay:    rel,
		signal:   sig,
		ghosts:   ghosts,
		missed:   missed,
		metrics:  newServerMetrics(promReg),
	}
}

func (s *HttpServer) Run() error {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/history/{peer}", s.HandleHistory()).Methods(http.MethodGet)
	r.HandleFunc("/missed-calls", s.HandleMissedCalls()).Methods(http.MethodGet)
	r.HandleFunc("/missed-calls/seen", s.HandleMissedCallsSeen()).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{Addr: s.addr, Handler: r}
	log.Info("server listening", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity cannot be empty", http.StatusBadRequest)
			return
		}

		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		conn := newWSConn(raw)
		if prev, had := s.registry.Register(identity, conn); had {
			// Last-registered wins; the stale connection is closed out.
			prev.Close()
		} else {
			s.metrics.activeConnections.Inc()
		}
		s.metrics.connectionsTotal.Inc()
		log.Info("connection registered", zap.String("identity", identity))

		go s.processEvents(identity, conn, raw)

		// Drain buffered call state and missed-call records for the
		// reconnecting party.
		s.signal.HandleConnect(r.Context(), identity)
	}
}

func (s *HttpServer) processEvents(identity string, conn *wsConn, raw *websocket.Conn) {
	defer func() {
		if s.registry.Deregister(identity, conn) {
			s.metrics.activeConnections.Dec()
		}
		conn.Close()
		log.Debug("connection closed", zap.String("identity", identity))
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			log.Debug("websocket read failed", zap.String("identity", identity), zap.Error(err))
			return
		}

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.writeError(conn, "", appErrors.InvalidArg("malformed event envelope"))
			continue
		}

		s.metrics.eventsTotal.WithLabelValues(string(ev.Type)).Inc()

		payload, err := model.DecodeInbound(&ev)
		if err != nil {
			s.writeError(conn, ev.Type, appErrors.Wrap(appErrors.CodeInvalidArgument, "invalid payload", err))
			continue
		}

		if err := s.dispatch(context.Background(), identity, conn, ev.Type, payload); err != nil {
			s.writeError(conn, ev.Type, err)
		}
	}
}

// dispatch routes a validated inbound event to its service. Every failure
// comes back as an error on the triggering connection, never as a dropped
// connection.
func (s *HttpServer) dispatch(ctx context.Context, identity string, conn *wsConn, evType model.EventType, payload model.Validator) error {
	switch p := payload.(type) {
	case *model.SendMessagePayload:
		msg, err := s.relay.Send(ctx, identity, p)
		if err != nil {
			return err
		}
		return conn.WriteEvent(model.MustEvent(model.EvMessageSentAck, model.MessageAckPayload{
			ID:         msg.ID,
			RoomID:     msg.RoomID,
			BlockIndex: msg.BlockIndex,
			Hash:       msg.Hash,
			Status:     msg.Status,
		}))

	case *model.MarkSeenPayload:
		return s.relay.MarkSeen(ctx, identity, p.MessageID)

	case *model.MarkSeenBulkPayload:
		_, err := s.relay.MarkSeenBulk(ctx, identity, p.Peer)
		return err

	case *model.DeleteMessagePayload:
		if evType == model.EvDeleteForBoth {
			return s.relay.DeleteForBoth(ctx, identity, p.MessageID)
		}
		return s.relay.DeleteForMe(ctx, identity, p.MessageID)

	case *model.CallOfferPayload:
		return s.signal.Offer(ctx, identity, p)

	case *model.CallAnswerPayload:
		return s.signal.Answer(ctx, identity, p)

	case *model.CallCandidatePayload:
		return s.signal.Candidate(ctx, identity, p)

	case *model.CallControlPayload:
		switch evType {
		case model.EvCallReject:
			return s.signal.Reject(ctx, identity, p)
		case model.EvCallEnd:
			return s.signal.End(ctx, identity, p)
		default:
			return s.signal.Cancel(ctx, identity, p)
		}

	case *model.RecordMissedCallPayload:
		return s.signal.RecordMissed(ctx, identity, p)

	case *model.ScreenshotPayload:
		// Pure relay; no state is kept.
		ev, err := model.NewEvent(model.EvScreenshotDetected, map[string]string{"from": identity})
		if err != nil {
			return appErrors.Wrap(appErrors.CodeInternal, "encode screenshot event", err)
		}
		s.registry.Push(p.Peer, ev)
		return nil

	case *model.GhostActivatePayload:
		activated, err := s.ghosts.Activate(ctx, identity, p)
		if err != nil {
			return err
		}
		return conn.WriteEvent(model.MustEvent(model.EvGhostActivated, activated))

	case *model.GhostJoinPayload:
		session, err := s.ghosts.Join(ctx, identity, p)
		if err != nil {
			return err
		}
		return conn.WriteEvent(model.MustEvent(model.EvGhostJoined, model.GhostJoinedPayload{
			SessionID: session.ID,
			Peer:      session.Initiator,
			ExpiresAt: session.ExpiresAt,
		}))

	case *model.GhostSendPayload:
		_, err := s.ghosts.SendMessage(ctx, identity, p)
		return err

	case *model.GhostViewedPayload:
		return s.ghosts.MessageViewed(ctx, identity, p)

	case *model.GhostSecurityPayload:
		return s.ghosts.SecurityEvent(ctx, identity, p)

	case *model.GhostTerminatePayload:
		return s.ghosts.Terminate(ctx, identity, p)

	default:
		return appErrors.InvalidArg("unhandled event type")
	}
}

func (s *HttpServer) writeError(conn *wsConn, source model.EventType, err error) {
	code := appErrors.CodeOf(err)
	s.metrics.eventErrors.WithLabelValues(string(code)).Inc()
	log.Warn("event failed", zap.String("source", string(source)), zap.Error(err))

	ev := model.MustEvent(model.EvError, model.ErrorPayload{
		Code:    string(code),
		Message: err.Error(),
		Source:  source,
	})
	if writeErr := conn.WriteEvent(ev); writeErr != nil {
		s.metrics.pushFailures.Inc()
	}
}

func (s *HttpServer) HandleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity cannot be empty", http.StatusBadRequest)
			return
		}
		peer := mux.Vars(r)["peer"]

		page, _ := strconv.ParseInt(r.URL.Query().Get("page"), 10, 64)
		limit, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
		if err != nil || limit <= 0 || limit > 200 {
			limit = 50
		}

		msgs, err := s.relay.History(ctx, identity, peer, page, limit)
		if err != nil {
			log.Error("history failed", zap.String("identity", identity), zap.Error(err))
			http.Error(w, "history failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, msgs)
	}
}

func (s *HttpServer) HandleMissedCalls() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity cannot be empty", http.StatusBadRequest)
			return
		}

		calls, err := s.missed.UnseenFor(r.Context(), identity)
		if err != nil {
			log.Error("missed calls lookup failed", zap.String("identity", identity), zap.Error(err))
			http.Error(w, "missed calls lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, calls)
	}
}

func (s *HttpServer) HandleMissedCallsSeen() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity cannot be empty", http.StatusBadRequest)
			return
		}

		count, err := s.missed.MarkSeen(r.Context(), identity)
		if err != nil {
			log.Error("missed calls seen failed", zap.String("identity", identity), zap.Error(err))
			http.Error(w, "missed calls seen failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int64{"updated": count})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		log.Debug("write response failed", zap.Error(err))
	}
}
