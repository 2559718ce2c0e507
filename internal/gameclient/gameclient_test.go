package gameclient_test

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/blukai/explora/internal/gameclient"
	"github.com/blukai/explora/internal/gameserver"
	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/matryer/is"
)

func startServer(t *testing.T, opts gameserver.Options) (addr string, clientTLS *tls.Config, stop func()) {
	t.Helper()
	is := is.New(t)

	cert, err := transport.GenerateSelfSigned("localhost", "127.0.0.1")
	is.NoErr(err)
	roots, err := transport.CertPool(cert)
	is.NoErr(err)

	server, err := gameserver.New("127.0.0.1:0", transport.ServerTLSConfig(cert), opts, nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx)
	}()
	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)

	return server.Addr().String(), transport.ClientTLSConfig(transport.VerifyStrict, "localhost", roots), stop
}

func connect(t *testing.T, ctx context.Context, addr string, tlsConf *tls.Config, username string) *gameclient.Client {
	t.Helper()
	is := is.New(t)

	opts := gameclient.DefaultOptions()
	opts.Username = username
	client, err := gameclient.Connect(ctx, addr, tlsConf, opts, nil)
	is.NoErr(err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := gameserver.DefaultOptions()
	opts.Config.WorldSeed = -1337
	addr, tlsConf, _ := startServer(t, opts)

	client := connect(t, ctx, addr, tlsConf, "Alice")
	is.Equal(client.SessionID(), protocol.SessionID(1))
	is.Equal(client.Config(), opts.Config)
	is.Equal(client.Config().Fingerprint(), opts.Config.Fingerprint())
}

func TestPing(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr, tlsConf, _ := startServer(t, gameserver.DefaultOptions())
	client := connect(t, ctx, addr, tlsConf, "Alice")

	runCtx, runCancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(runCtx)
	}()

	for i := 0; i < 5; i++ {
		rtt, err := client.Ping(ctx)
		is.NoErr(err)
		is.True(rtt > 0)
	}

	runCancel()
	is.NoErr(<-runErr) // cancelling is a clean exit
}

func TestRunReportsServerShutdown(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr, tlsConf, stop := startServer(t, gameserver.DefaultOptions())
	client := connect(t, ctx, addr, tlsConf, "Alice")

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(ctx)
	}()

	stop()

	err := <-runErr
	is.True(err != nil)
	code, ok := transport.RemoteCode(err)
	is.True(ok)
	is.Equal(code, transport.CodeServerShutdown)

	_, err = client.Ping(ctx)
	is.True(errors.Is(err, gameclient.ErrClosed))
}

func TestConnectFailsWithoutServer(t *testing.T) {
	is := is.New(t)

	addr, tlsConf, stop := startServer(t, gameserver.DefaultOptions())
	stop()

	opts := gameclient.DefaultOptions()
	opts.Username = "Alice"
	opts.HandshakeTimeout = 200 * time.Millisecond

	_, err := gameclient.Connect(context.Background(), addr, tlsConf, opts, nil)
	is.True(err != nil)

	var handshakeErr *gameclient.HandshakeError
	is.True(errors.As(err, &handshakeErr))
	is.Equal(handshakeErr.Stage, gameclient.StageDial)
}

func TestConnectRejectsUntrustedServer(t *testing.T) {
	is := is.New(t)

	addr, _, _ := startServer(t, gameserver.DefaultOptions())

	// a client that only trusts some other certificate
	other, err := transport.GenerateSelfSigned("localhost")
	is.NoErr(err)
	roots, err := transport.CertPool(other)
	is.NoErr(err)

	opts := gameclient.DefaultOptions()
	opts.Username = "Alice"
	opts.HandshakeTimeout = 2 * time.Second

	_, err = gameclient.Connect(context.Background(), addr, transport.ClientTLSConfig(transport.VerifyStrict, "localhost", roots), opts, nil)

	var handshakeErr *gameclient.HandshakeError
	is.True(errors.As(err, &handshakeErr))
	is.Equal(handshakeErr.Stage, gameclient.StageDial)
}
