package gameclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/phuslu/log"
)

type Options struct {
	Username string
	// HandshakeTimeout bounds Connect as a whole, dial included.
	HandshakeTimeout time.Duration
	// OutboxSize is how many packets Send may queue ahead of the writer.
	OutboxSize int
	Transport  transport.Options
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		OutboxSize:       32,
		Transport:        transport.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = def.OutboxSize
	}
	if o.Transport == (transport.Options{}) {
		o.Transport = def.Transport
	}
	return o
}

type HandshakeStage uint8

const (
	StageDial HandshakeStage = iota
	StageSendHello
	StageRecvHello
)

func (s HandshakeStage) String() string {
	switch s {
	case StageDial:
		return "dial"
	case StageSendHello:
		return "send hello"
	case StageRecvHello:
		return "receive hello"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// HandshakeError is the one error Connect fails with. There is no retry; it
// is up to the caller to connect again.
type HandshakeError struct {
	Stage HandshakeStage
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

var ErrClosed = errors.New("gameclient: connection closed")

type sendChPayload struct {
	packet protocol.ClientPacket
	errCh  chan error
}

type Client struct {
	conn *transport.Conn

	logger *log.Logger

	sessionID protocol.SessionID
	config    protocol.GameConfig

	sendCh chan sendChPayload

	nonce   atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan struct{}
}

// Connect dials address and performs the hello exchange. On failure the
// connection is closed and a *HandshakeError is returned.
func Connect(
	ctx context.Context,
	address string,
	tlsConf *tls.Config,
	opts Options,
	logger *log.Logger,
) (*Client, error) {
	opts = opts.withDefaults()

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, address, tlsConf, opts.Transport)
	if err != nil {
		return nil, &HandshakeError{Stage: StageDial, Err: err}
	}

	hello, err := exchangeHellos(ctx, conn, opts.Username)
	if err != nil {
		conn.Close(transport.CodeHandshakeFailed, "handshake failed")
		return nil, err
	}

	c := &Client{
		conn: conn,

		logger: logger,

		sessionID: hello.SessionID,
		config:    hello.Config,

		sendCh: make(chan sendChPayload, opts.OutboxSize),

		pending: make(map[uint64]chan struct{}),
	}

	logger.Info().
		Str("addr", address).
		Uint32("session_id", uint32(hello.SessionID)).
		Uint64("config_fingerprint", hello.Config.Fingerprint()).
		Msg("connected")

	return c, nil
}

func exchangeHellos(ctx context.Context, conn *transport.Conn, username string) (protocol.ServerHello, error) {
	clientHello := protocol.Encode(protocol.ClientHello{Username: username})
	if err := conn.WriteMessage(ctx, clientHello); err != nil {
		return protocol.ServerHello{}, &HandshakeError{Stage: StageSendHello, Err: err}
	}

	data, err := conn.ReadMessage(ctx, protocol.ServerPacketLimit)
	if err != nil {
		return protocol.ServerHello{}, &HandshakeError{Stage: StageRecvHello, Err: err}
	}
	p, err := protocol.DecodeServerPacket(data, protocol.ServerPacketLimit)
	if err != nil {
		return protocol.ServerHello{}, &HandshakeError{Stage: StageRecvHello, Err: err}
	}
	if err := protocol.Expect(p, protocol.TagSHello); err != nil {
		return protocol.ServerHello{}, &HandshakeError{Stage: StageRecvHello, Err: err}
	}

	return p.(protocol.ServerHello), nil
}

func (c *Client) SessionID() protocol.SessionID {
	return c.sessionID
}

func (c *Client) Config() protocol.GameConfig {
	return c.config
}

func (c *Client) runSendCh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.sendCh:
			c.logger.Debug().
				Str("packet", payload.packet.Tag().String()).
				Msg("send packet")

			err := c.conn.WriteMessage(ctx, protocol.Encode(payload.packet))
			if err != nil {
				c.logger.Error().
					Err(err).
					Msg("could not send packet")
			}
			payload.errCh <- err
		}
	}
}

func (c *Client) runRecv(ctx context.Context) error {
	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			return err
		}

		data, err := stream.ReadAll(ctx, protocol.ServerPacketLimit)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Msg("could not read packet")
			continue
		}

		p, err := protocol.DecodeServerPacket(data, protocol.ServerPacketLimit)
		if err != nil {
			c.conn.Close(transport.CodeProtocolViolation, "malformed packet")
			return fmt.Errorf("could not decode packet: %w", err)
		}

		c.logger.Debug().
			Str("packet", p.Tag().String()).
			Msg("recv packet")

		switch p := p.(type) {
		case protocol.ServerPong:
			c.resolvePing(p.Nonce)
		case protocol.ServerHello:
			// the session already has its hello
			err := protocol.Expect(p, protocol.TagSPong)
			c.conn.Close(transport.CodeProtocolViolation, "unexpected hello")
			return err
		}
	}
}

// Run drives the connection until ctx is done or the connection goes away.
// It returns nil only in the former case.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runSendCh(runCtx)
	}()

	var recvErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		recvErr = c.runRecv(runCtx)
	}()

	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("connection terminated: %w", recvErr)
}

// Send queues p and waits until it was written. Run must be running for the
// packet to leave.
func (c *Client) Send(ctx context.Context, p protocol.ClientPacket) error {
	errCh := make(chan error, 1)
	select {
	case c.sendCh <- sendChPayload{packet: p, errCh: errCh}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.Done():
		return ErrClosed
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("could not send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.Done():
		return ErrClosed
	}
}

// Ping measures the time until the server echoes a fresh nonce back.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	nonce := c.nonce.Add(1)
	pongCh := make(chan struct{}, 1)

	c.mu.Lock()
	c.pending[nonce] = pongCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
	}()

	start := time.Now()
	if err := c.Send(ctx, protocol.ClientPing{Nonce: nonce}); err != nil {
		return 0, err
	}

	select {
	case <-pongCh:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.conn.Done():
		return 0, ErrClosed
	}
}

func (c *Client) resolvePing(nonce uint64) {
	c.mu.Lock()
	pongCh, ok := c.pending[nonce]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().
			Uint64("nonce", nonce).
			Msg("pong for unknown ping")
		return
	}
	// a duplicate pong must not stall the reader
	select {
	case pongCh <- struct{}{}:
	default:
	}
}

func (c *Client) Close() error {
	return c.conn.Close(transport.CodeNoError, "bye")
}
