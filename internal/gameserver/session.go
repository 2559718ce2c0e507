package gameserver

import (
	"context"

	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
)

// runSessionReader forwards packets of an active session to the actor. It is
// the task that observes the connection going away and reports PlayerLeft.
func (s *Server) runSessionReader(ctx context.Context, sess *clientSession) {
	for {
		stream, err := sess.conn.AcceptStream(ctx)
		if err != nil {
			logTransition(sess.logger, Active, Closed)

			// NOTE: when ctx is done the actor is either gone or has already
			// removed the session, there is nobody to tell.
			if err := s.publish(ctx, PlayerLeft{SessionID: sess.id, Err: sess.conn.Err()}); err != nil {
				sess.logger.Debug().
					Err(err).
					Msg("could not publish player left")
			}
			return
		}

		// NOTE: every stream gets its own reader so that a stream the peer
		// never finishes does not hold up the ones behind it. The transport
		// caps how many incoming streams may be open at once.
		s.spawn(func() {
			s.readPacket(ctx, sess, stream)
		})
	}
}

func (s *Server) readPacket(ctx context.Context, sess *clientSession, stream *transport.RecvStream) {
	data, err := stream.ReadAll(ctx, protocol.ClientPacketLimit)
	if err != nil {
		// stream level; if the connection is gone the accept loop notices
		sess.logger.Warn().
			Err(err).
			Msg("could not read packet")
		return
	}

	p, err := protocol.DecodeClientPacket(data, protocol.ClientPacketLimit)
	if err != nil {
		sess.logger.Warn().
			Err(err).
			Msg("could not decode packet")
		sess.conn.Close(transport.CodeProtocolViolation, "malformed packet")
		return
	}

	if err := s.publish(ctx, PacketReceived{SessionID: sess.id, Packet: p}); err != nil {
		sess.logger.Debug().
			Err(err).
			Str("packet", p.Tag().String()).
			Msg("could not publish packet")
	}
}

// runSessionWriter sends queued packets, one stream per packet.
func (s *Server) runSessionWriter(ctx context.Context, sess *clientSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-sess.outbox:
			if err := sess.conn.WriteMessage(ctx, protocol.Encode(p)); err != nil {
				sess.logger.Warn().
					Err(err).
					Str("packet", p.Tag().String()).
					Msg("could not send packet")
			}
		}
	}
}
