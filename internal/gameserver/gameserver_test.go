package gameserver_test

import (
	"context"
	"crypto/tls"
	"io"
	"testing"
	"time"

	"github.com/blukai/explora/internal/gameserver"
	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
)

type testServer struct {
	*gameserver.Server
	clientTLS *tls.Config
	stop      func() error
}

func startServer(t *testing.T, opts gameserver.Options) *testServer {
	t.Helper()
	is := is.New(t)

	cert, err := transport.GenerateSelfSigned("localhost", "127.0.0.1")
	is.NoErr(err)
	roots, err := transport.CertPool(cert)
	is.NoErr(err)

	server, err := gameserver.New("127.0.0.1:0", transport.ServerTLSConfig(cert), opts, nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- server.Run(ctx)
	}()

	stopped := false
	var stopErr error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			stopErr = <-runErr
		}
		return stopErr
	}
	t.Cleanup(func() { stop() })

	return &testServer{
		Server:    server,
		clientTLS: transport.ClientTLSConfig(transport.VerifyStrict, "localhost", roots),
		stop:      stop,
	}
}

func (ts *testServer) dial(t *testing.T, ctx context.Context) *transport.Conn {
	t.Helper()
	is := is.New(t)

	conn, err := transport.Dial(ctx, ts.Addr().String(), ts.clientTLS, transport.DefaultOptions())
	is.NoErr(err)
	t.Cleanup(func() { conn.Close(transport.CodeNoError, "") })
	return conn
}

// hello does the client side of the handshake by hand.
func hello(t *testing.T, ctx context.Context, conn *transport.Conn, username string) protocol.ServerHello {
	t.Helper()
	is := is.New(t)

	is.NoErr(conn.WriteMessage(ctx, protocol.Encode(protocol.ClientHello{Username: username})))

	data, err := conn.ReadMessage(ctx, protocol.ServerPacketLimit)
	is.NoErr(err)
	p, err := protocol.DecodeServerPacket(data, protocol.ServerPacketLimit)
	is.NoErr(err)
	is.NoErr(protocol.Expect(p, protocol.TagSHello))
	return p.(protocol.ServerHello)
}

func waitClosed(t *testing.T, ctx context.Context, conn *transport.Conn) transport.ErrorCode {
	t.Helper()
	is := is.New(t)

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("connection was not closed in time")
	}
	code, ok := transport.RemoteCode(conn.Err())
	is.True(ok)
	return code
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition was not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func gathered(t *testing.T, reg prometheus.Gatherer, name string) float64 {
	t.Helper()
	is := is.New(t)

	families, err := reg.Gather()
	is.NoErr(err)

	var sum float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func TestHandshake(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startServer(t, gameserver.DefaultOptions())
	conn := ts.dial(t, ctx)

	sh := hello(t, ctx, conn, "Alice")
	is.Equal(sh.SessionID, protocol.SessionID(1))
	is.Equal(sh.Config, protocol.DefaultGameConfig())

	info, ok := ts.Lookup(ctx, 1)
	is.True(ok)
	is.Equal(info.ID, protocol.SessionID(1))
	is.Equal(info.Username, "Alice")
	is.True(info.ConnID != "")

	_, ok = ts.Lookup(ctx, 42)
	is.True(!ok) // unknown ids are not an error

	sessions, err := ts.Sessions(ctx)
	is.NoErr(err)
	is.Equal(len(sessions), 1)

	is.Equal(gathered(t, ts.Registry(), "explora_server_active_sessions"), 1.0)
	is.Equal(gathered(t, ts.Registry(), "explora_server_sessions_total"), 1.0)
	// the server counts the handshake after its hello went out
	eventually(t, func() bool {
		return gathered(t, ts.Registry(), "explora_server_handshakes_total") == 1
	})
}

func TestPingPong(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startServer(t, gameserver.DefaultOptions())
	conn := ts.dial(t, ctx)
	hello(t, ctx, conn, "Alice")

	for nonce := uint64(1); nonce <= 3; nonce++ {
		is.NoErr(conn.WriteMessage(ctx, protocol.Encode(protocol.ClientPing{Nonce: nonce})))

		data, err := conn.ReadMessage(ctx, protocol.ServerPacketLimit)
		is.NoErr(err)
		p, err := protocol.DecodeServerPacket(data, protocol.ServerPacketLimit)
		is.NoErr(err)
		is.Equal(p, protocol.ServerPong{Nonce: nonce})
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startServer(t, gameserver.DefaultOptions())
	conn := ts.dial(t, ctx)
	sh := hello(t, ctx, conn, "Alice")

	_, ok := ts.Lookup(ctx, sh.SessionID)
	is.True(ok)

	is.NoErr(conn.Close(transport.CodeNoError, "bye"))

	eventually(t, func() bool {
		_, ok := ts.Lookup(ctx, sh.SessionID)
		return !ok
	})
	is.Equal(gathered(t, ts.Registry(), "explora_server_active_sessions"), 0.0)

	// ids are never reused
	next := hello(t, ctx, ts.dial(t, ctx), "Alice")
	is.Equal(next.SessionID, sh.SessionID+1)
}

// sendRaw writes one message on a raw quic connection.
func sendRaw(t *testing.T, ctx context.Context, qc quic.Connection, data []byte) {
	t.Helper()
	is := is.New(t)

	str, err := qc.OpenUniStreamSync(ctx)
	is.NoErr(err)
	_, err = str.Write(data)
	is.NoErr(err)
	is.NoErr(str.Close())
}

func recvRaw(t *testing.T, ctx context.Context, qc quic.Connection) protocol.ServerPacket {
	t.Helper()
	is := is.New(t)

	str, err := qc.AcceptUniStream(ctx)
	is.NoErr(err)
	data, err := io.ReadAll(io.LimitReader(str, protocol.ServerPacketLimit+1))
	is.NoErr(err)
	p, err := protocol.DecodeServerPacket(data, protocol.ServerPacketLimit)
	is.NoErr(err)
	return p
}

func TestUnfinishedStreamDoesNotBlockSession(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startServer(t, gameserver.DefaultOptions())

	qc, err := quic.DialAddr(ctx, ts.Addr().String(), ts.clientTLS, nil)
	is.NoErr(err)
	defer qc.CloseWithError(0, "")

	sendRaw(t, ctx, qc, protocol.Encode(protocol.ClientHello{Username: "Mallory"}))
	sh, ok := recvRaw(t, ctx, qc).(protocol.ServerHello)
	is.True(ok)

	// start a ping and never finish its stream
	stalled, err := qc.OpenUniStreamSync(ctx)
	is.NoErr(err)
	_, err = stalled.Write([]byte{byte(protocol.TagCPing)})
	is.NoErr(err)

	sendRaw(t, ctx, qc, protocol.Encode(protocol.ClientPing{Nonce: 7}))

	pongCtx, pongCancel := context.WithTimeout(ctx, 2*time.Second)
	defer pongCancel()
	is.Equal(recvRaw(t, pongCtx, qc), protocol.ServerPong{Nonce: 7})

	_, ok = ts.Lookup(ctx, sh.SessionID)
	is.True(ok)
}

func TestHelloAfterHandshake(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startServer(t, gameserver.DefaultOptions())
	conn := ts.dial(t, ctx)
	sh := hello(t, ctx, conn, "Alice")

	is.NoErr(conn.WriteMessage(ctx, protocol.Encode(protocol.ClientHello{Username: "Alice again"})))
	is.Equal(waitClosed(t, ctx, conn), transport.CodeProtocolViolation)

	eventually(t, func() bool {
		_, ok := ts.Lookup(ctx, sh.SessionID)
		return !ok
	})
}

func TestMalformedPacketAfterHandshake(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startServer(t, gameserver.DefaultOptions())
	conn := ts.dial(t, ctx)
	hello(t, ctx, conn, "Alice")

	is.NoErr(conn.WriteMessage(ctx, []byte{0x02, 0x00}))
	is.Equal(waitClosed(t, ctx, conn), transport.CodeProtocolViolation)
}

func TestAcceptRateLimit(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := gameserver.DefaultOptions()
	opts.AcceptRate = 0.001
	opts.AcceptBurst = 1
	ts := startServer(t, opts)

	first := ts.dial(t, ctx)
	hello(t, ctx, first, "Alice")

	second := ts.dial(t, ctx)
	is.Equal(waitClosed(t, ctx, second), transport.CodeServerBusy)

	is.Equal(gathered(t, ts.Registry(), "explora_server_connections_rejected_total"), 1.0)
}

func TestServerFull(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := gameserver.DefaultOptions()
	opts.Config.MaxPlayers = 1
	ts := startServer(t, opts)

	hello(t, ctx, ts.dial(t, ctx), "Alice")

	bob := ts.dial(t, ctx)
	is.NoErr(bob.WriteMessage(ctx, protocol.Encode(protocol.ClientHello{Username: "Bob"})))
	is.Equal(waitClosed(t, ctx, bob), transport.CodeServerBusy)

	sessions, err := ts.Sessions(ctx)
	is.NoErr(err)
	is.Equal(len(sessions), 1)
	is.Equal(sessions[0].Username, "Alice")
}

func TestHandshakeTimeout(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := gameserver.DefaultOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond
	ts := startServer(t, opts)

	// connect and never say hello
	conn := ts.dial(t, ctx)
	is.Equal(waitClosed(t, ctx, conn), transport.CodeHandshakeTimeout)

	sessions, err := ts.Sessions(ctx)
	is.NoErr(err)
	is.Equal(len(sessions), 0)
	is.Equal(gathered(t, ts.Registry(), "explora_server_events_total"), 0.0)
}

func TestShutdownClosesSessions(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts := startServer(t, gameserver.DefaultOptions())
	alice := ts.dial(t, ctx)
	hello(t, ctx, alice, "Alice")
	bob := ts.dial(t, ctx)
	hello(t, ctx, bob, "Bob")

	is.NoErr(ts.stop())

	is.Equal(waitClosed(t, ctx, alice), transport.CodeServerShutdown)
	is.Equal(waitClosed(t, ctx, bob), transport.CodeServerShutdown)

	// the actor is gone, queries fail instead of hanging
	_, ok := ts.Lookup(ctx, 1)
	is.True(!ok)
	_, err := ts.Sessions(ctx)
	is.True(err != nil)
}

func TestConnStateString(t *testing.T) {
	is := is.New(t)

	is.Equal(gameserver.Connecting.String(), "connecting")
	is.Equal(gameserver.Handshaking.String(), "handshaking")
	is.Equal(gameserver.Active.String(), "active")
	is.Equal(gameserver.Closed.String(), "closed")
}
