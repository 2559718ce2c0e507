package gameserver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/blukai/explora/internal/debug"
	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type clientSession struct {
	id       protocol.SessionID
	connID   uuid.UUID
	conn     *transport.Conn
	username string
	joinedAt time.Time

	logger *log.Logger

	// outbox is drained by the session's writer. It is never closed; the
	// writer stops when cancel is called.
	outbox chan protocol.ServerPacket
	cancel context.CancelFunc
}

func (sess *clientSession) info() SessionInfo {
	return SessionInfo{
		ID:         sess.id,
		ConnID:     sess.connID.String(),
		Username:   sess.username,
		RemoteAddr: sess.conn.RemoteAddr().String(),
		JoinedAt:   sess.joinedAt,
	}
}

// sessionTable must only ever be touched by the actor goroutine.
type sessionTable struct {
	sessions map[protocol.SessionID]*clientSession
	lastID   protocol.SessionID
}

// nextID returns false once every id has been handed out.
func (t *sessionTable) nextID() (protocol.SessionID, bool) {
	if t.lastID == math.MaxUint32 {
		return 0, false
	}
	t.lastID++
	return t.lastID, true
}

func (t *sessionTable) snapshot() []SessionInfo {
	infos := make([]SessionInfo, 0, len(t.sessions))
	for _, sess := range t.sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (s *Server) runActor(ctx context.Context) error {
	defer close(s.actorDone)

	t := &sessionTable{
		sessions: make(map[protocol.SessionID]*clientSession),
	}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(t)
		case ev := <-s.events:
			s.metrics.events.WithLabelValues(ev.Type()).Inc()
			s.handleEvent(ctx, t, ev)
		case q := <-s.queries:
			q(t)
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, t *sessionTable, ev Event) {
	switch ev := ev.(type) {
	case PlayerJoined:
		s.handlePlayerJoined(ctx, t, ev)
	case PlayerLeft:
		s.handlePlayerLeft(t, ev)
	case PacketReceived:
		s.handlePacketReceived(t, ev)
	default:
		debug.Assertf(false, "unhandled event: %T", ev)
	}
}

func (s *Server) handlePlayerJoined(ctx context.Context, t *sessionTable, ev PlayerJoined) {
	if limit := s.opts.Config.MaxPlayers; limit > 0 && uint32(len(t.sessions)) >= limit {
		s.logger.Warn().
			Str("conn_id", ev.ConnID.String()).
			Uint32("max_players", limit).
			Msg("server full, refusing player")
		ev.reply <- 0
		return
	}

	id, ok := t.nextID()
	if !ok {
		s.logger.Error().
			Str("conn_id", ev.ConnID.String()).
			Msg("session ids exhausted, refusing player")
		ev.reply <- 0
		return
	}
	_, exists := t.sessions[id]
	debug.Assertf(!exists, "session id %d reused", id)

	sess := &clientSession{
		id:       id,
		connID:   ev.ConnID,
		conn:     ev.Conn,
		username: ev.Username,
		joinedAt: time.Now(),

		logger: s.connLogger(func(e *log.Entry) *log.Entry {
			return e.
				Str("conn_id", ev.ConnID.String()).
				Uint32("session_id", uint32(id)).
				Str("username", ev.Username)
		}),

		outbox: make(chan protocol.ServerPacket, s.opts.OutboxSize),
	}
	t.sessions[id] = sess

	sessCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	s.spawn(func() {
		s.runSessionReader(sessCtx, sess)
	})
	s.spawn(func() {
		s.runSessionWriter(sessCtx, sess)
	})

	// NOTE: reply has room for exactly one id, this never blocks.
	ev.reply <- id

	s.metrics.sessionsTotal.Inc()
	s.metrics.activeSessions.Inc()

	sess.logger.Info().
		Str("remote_addr", ev.Conn.RemoteAddr().String()).
		Int("sessions", len(t.sessions)).
		Msg("player joined")
}

func (s *Server) handlePlayerLeft(t *sessionTable, ev PlayerLeft) {
	sess, ok := t.sessions[ev.SessionID]
	if !ok {
		s.logger.Debug().
			Uint32("session_id", uint32(ev.SessionID)).
			Msg("player left twice or never joined")
		return
	}

	delete(t.sessions, ev.SessionID)
	sess.cancel()

	s.metrics.activeSessions.Dec()

	sess.logger.Info().
		Err(ev.Err).
		Int("sessions", len(t.sessions)).
		Msg("player left")
}

func (s *Server) handlePacketReceived(t *sessionTable, ev PacketReceived) {
	sess, ok := t.sessions[ev.SessionID]
	if !ok {
		// already disconnected; the packet raced with PlayerLeft
		s.logger.Debug().
			Uint32("session_id", uint32(ev.SessionID)).
			Str("packet", ev.Packet.Tag().String()).
			Msg("packet from unknown session")
		return
	}

	switch p := ev.Packet.(type) {
	case protocol.ClientPing:
		s.enqueue(sess, protocol.ServerPong{Nonce: p.Nonce})
	case protocol.ClientHello:
		err := protocol.Expect(p, protocol.TagCPing)
		sess.logger.Warn().
			Err(err).
			Msg("hello after handshake")
		s.spawn(func() {
			sess.conn.Close(transport.CodeProtocolViolation, "unexpected hello")
		})
	default:
		debug.Assertf(false, "unhandled client packet: %s", p.Tag())
	}
}

// enqueue hands p to the session's writer without blocking the actor.
func (s *Server) enqueue(sess *clientSession, p protocol.ServerPacket) {
	select {
	case sess.outbox <- p:
	default:
		s.metrics.droppedPackets.Inc()
		sess.logger.Warn().
			Str("packet", p.Tag().String()).
			Msg("outbox full, dropping packet")
	}
}

func (s *Server) shutdown(t *sessionTable) error {
	var errs error
	for id, sess := range t.sessions {
		sess.cancel()
		if err := sess.conn.Close(transport.CodeServerShutdown, "server shutdown"); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not close session %d: %w", id, err))
		}
		delete(t.sessions, id)
	}
	s.metrics.activeSessions.Set(0)

	if errs != nil {
		return fmt.Errorf("could not shut down cleanly: %w", errs)
	}
	return nil
}
