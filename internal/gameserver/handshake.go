package gameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// ConnState is the lifecycle of one connection as seen by the server. A
// connection only reaches Active after both hellos were exchanged; any
// failure before that goes straight to Closed.
type ConnState uint8

const (
	Connecting ConnState = iota
	Handshaking
	Active
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var errServerFull = errors.New("gameserver: server full")

func logTransition(logger *log.Logger, from, to ConnState) {
	logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("connection state changed")
}

// handshake runs the server side of the hello exchange for one freshly
// accepted connection. Whatever goes wrong only ever affects conn.
func (s *Server) handshake(ctx context.Context, conn *transport.Conn) {
	start := time.Now()
	connID := uuid.New()
	logger := s.connLogger(func(e *log.Entry) *log.Entry {
		return e.
			Str("conn_id", connID.String()).
			Str("remote_addr", conn.RemoteAddr().String())
	})

	logTransition(logger, Connecting, Handshaking)

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	id, err := s.exchangeHellos(hctx, connID, conn)
	if err != nil {
		code, result := transport.CodeHandshakeFailed, handshakeFailed
		switch {
		case ctx.Err() != nil:
			code, result = transport.CodeServerShutdown, handshakeShutdown
		case errors.Is(hctx.Err(), context.DeadlineExceeded):
			code, result = transport.CodeHandshakeTimeout, handshakeTimeout
		case errors.Is(err, errServerFull):
			code = transport.CodeServerBusy
		}
		s.metrics.handshakes.WithLabelValues(result).Inc()

		logger.Warn().
			Err(err).
			Str("code", code.String()).
			Msg("handshake failed")

		// NOTE: if the actor already registered a session for conn, its
		// reader observes this close and the session is removed.
		conn.Close(code, code.String())
		logTransition(logger, Handshaking, Closed)
		return
	}

	s.metrics.handshakes.WithLabelValues(handshakeOK).Inc()
	s.metrics.handshakeDuration.Observe(time.Since(start).Seconds())

	logger.Debug().
		Uint32("session_id", uint32(id)).
		Msg("handshake complete")
	logTransition(logger, Handshaking, Active)
}

func (s *Server) exchangeHellos(
	ctx context.Context,
	connID uuid.UUID,
	conn *transport.Conn,
) (protocol.SessionID, error) {
	data, err := conn.ReadMessage(ctx, protocol.ClientPacketLimit)
	if err != nil {
		return 0, fmt.Errorf("could not read client hello: %w", err)
	}
	p, err := protocol.DecodeClientPacket(data, protocol.ClientPacketLimit)
	if err != nil {
		return 0, fmt.Errorf("could not decode client hello: %w", err)
	}
	if err := protocol.Expect(p, protocol.TagCHello); err != nil {
		return 0, fmt.Errorf("could not decode client hello: %w", err)
	}
	hello := p.(protocol.ClientHello)

	reply := make(chan protocol.SessionID, 1)
	err = s.publish(ctx, PlayerJoined{
		ConnID:   connID,
		Conn:     conn,
		Username: hello.Username,
		reply:    reply,
	})
	if err != nil {
		return 0, fmt.Errorf("could not publish player joined: %w", err)
	}

	var id protocol.SessionID
	select {
	case id = <-reply:
	case <-ctx.Done():
		return 0, fmt.Errorf("could not get session id: %w", ctx.Err())
	case <-s.actorDone:
		return 0, fmt.Errorf("could not get session id: %w", errActorStopped)
	}
	if id == 0 {
		return 0, errServerFull
	}

	serverHello := protocol.ServerHello{SessionID: id, Config: s.opts.Config}
	if err := conn.WriteMessage(ctx, protocol.Encode(serverHello)); err != nil {
		return 0, fmt.Errorf("could not write server hello: %w", err)
	}

	return id, nil
}
