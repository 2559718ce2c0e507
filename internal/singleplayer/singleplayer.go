package singleplayer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/blukai/explora/internal/gameserver"
	"github.com/blukai/explora/internal/transport"
	"github.com/phuslu/log"
)

const serverName = "localhost"

// Singleplayer manages the integrated server of a singleplayer game: a
// regular game server bound to loopback with a throwaway certificate that
// only the local client trusts.
type Singleplayer struct {
	server    *gameserver.Server
	clientTLS *tls.Config

	logger *log.Logger

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

func Start(ctx context.Context, opts gameserver.Options, logger *log.Logger) (*Singleplayer, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	logger.Info().Msg("starting singleplayer server")

	cert, err := transport.GenerateSelfSigned(serverName, "127.0.0.1")
	if err != nil {
		return nil, fmt.Errorf("could not generate certificate: %w", err)
	}
	roots, err := transport.CertPool(cert)
	if err != nil {
		return nil, err
	}

	server, err := gameserver.New("127.0.0.1:0", transport.ServerTLSConfig(cert), opts, logger)
	if err != nil {
		return nil, fmt.Errorf("could not construct game server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sp := &Singleplayer{
		server:    server,
		clientTLS: transport.ClientTLSConfig(transport.VerifyStrict, serverName, roots),

		logger: logger,

		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sp.done)
		sp.runErr = server.Run(ctx)
	}()

	return sp, nil
}

// Addr is what the local client should connect to.
func (sp *Singleplayer) Addr() string {
	return sp.server.Addr().String()
}

// ClientTLSConfig trusts exactly the integrated server's certificate.
func (sp *Singleplayer) ClientTLSConfig() *tls.Config {
	return sp.clientTLS.Clone()
}

func (sp *Singleplayer) Server() *gameserver.Server {
	return sp.server
}

// Stop shuts the integrated server down and waits for it.
func (sp *Singleplayer) Stop() error {
	sp.cancel()
	<-sp.done
	if sp.runErr != nil {
		return fmt.Errorf("singleplayer server run failed: %w", sp.runErr)
	}
	sp.logger.Info().Msg("singleplayer server stopped")
	return nil
}
