package gameserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/blukai/explora/internal/transport"
)

// runAcceptor never waits on a peer: every accepted connection gets its own
// handshake task and the loop goes straight back to Accept.
func (s *Server) runAcceptor(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("could not accept: %w", err)
			}

			s.logger.Error().
				Err(err).
				Msg("could not accept connection")
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.connectionsRejected.Inc()
			s.logger.Warn().
				Str("remote_addr", conn.RemoteAddr().String()).
				Msg("accept rate exceeded, rejecting connection")
			s.spawn(func() {
				conn.Close(transport.CodeServerBusy, "server busy")
			})
			continue
		}

		s.metrics.connectionsAccepted.Inc()
		s.spawn(func() {
			s.handshake(ctx, conn)
		})
	}
}
