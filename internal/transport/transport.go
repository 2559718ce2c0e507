package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrorCode is sent to the peer when a connection is closed on purpose.
type ErrorCode uint64

const (
	CodeNoError ErrorCode = iota
	CodeHandshakeFailed
	CodeHandshakeTimeout
	CodeProtocolViolation
	CodeServerBusy
	CodeServerShutdown
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNoError:
		return "no error"
	case CodeHandshakeFailed:
		return "handshake failed"
	case CodeHandshakeTimeout:
		return "handshake timeout"
	case CodeProtocolViolation:
		return "protocol violation"
	case CodeServerBusy:
		return "server busy"
	case CodeServerShutdown:
		return "server shutdown"
	default:
		return fmt.Sprintf("code(%d)", uint64(c))
	}
}

const (
	streamCodeCanceled quic.StreamErrorCode = iota + 1
	streamCodeTooLarge
)

var ErrListenerClosed = errors.New("transport: listener closed")

// Error wraps every failure coming out of the transport. Such failures are
// scoped to one connection (or one stream) and never to the process.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: could not %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RemoteCode extracts the code the peer closed the connection with, if err
// was caused by such a close.
func RemoteCode(err error) (ErrorCode, bool) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		return ErrorCode(appErr.ErrorCode), true
	}
	return 0, false
}

type Options struct {
	// MaxIdleTimeout closes connections that have been silent for this long.
	MaxIdleTimeout time.Duration
	// KeepAlivePeriod makes the transport send keep-alives on idle
	// connections so that a healthy peer is never evicted.
	KeepAlivePeriod time.Duration
	// HandshakeIdleTimeout bounds the crypto handshake. It is unrelated to the
	// session handshake that happens on top of an established connection.
	HandshakeIdleTimeout time.Duration
	// MaxIncomingStreams is how many streams the peer may have open towards
	// us at once.
	MaxIncomingStreams int64
}

func DefaultOptions() Options {
	return Options{
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      5 * time.Second,
		HandshakeIdleTimeout: 5 * time.Second,
		MaxIncomingStreams:   100,
	}
}

func (o Options) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        o.MaxIdleTimeout,
		KeepAlivePeriod:       o.KeepAlivePeriod,
		HandshakeIdleTimeout:  o.HandshakeIdleTimeout,
		MaxIncomingUniStreams: o.MaxIncomingStreams,
	}
}

type Listener struct {
	ql     *quic.Listener
	closed atomic.Bool
}

func Listen(address string, tlsConf *tls.Config, opts Options) (*Listener, error) {
	ql, err := quic.ListenAddr(address, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, &Error{Op: "listen", Err: err}
	}
	return &Listener{ql: ql}, nil
}

// Addr can be useful to retreive listener's address when it was constructed
// with ":0".
func (l *Listener) Addr() net.Addr {
	return l.ql.Addr()
}

// Accept blocks until the next inbound connection. Once the listener is
// closed or ctx is done it returns ErrListenerClosed; any other error only
// concerns the connection that failed to establish.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		if l.closed.Load() || ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, &Error{Op: "accept", Err: err}
	}
	return &Conn{qc: qc}, nil
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ql.Close()
}

func Dial(ctx context.Context, address string, tlsConf *tls.Config, opts Options) (*Conn, error) {
	qc, err := quic.DialAddr(ctx, address, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return &Conn{qc: qc}, nil
}

// Conn is one live secure connection. It is safe for concurrent use; every
// message travels on its own unidirectional stream.
type Conn struct {
	qc quic.Connection
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.qc.RemoteAddr()
}

// Done is closed once the connection has terminated, for whatever reason.
func (c *Conn) Done() <-chan struct{} {
	return c.qc.Context().Done()
}

// Err reports why the connection terminated, or nil while it is alive.
func (c *Conn) Err() error {
	ctx := c.qc.Context()
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func (c *Conn) Close(code ErrorCode, reason string) error {
	if err := c.qc.CloseWithError(quic.ApplicationErrorCode(code), reason); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

func (c *Conn) OpenStream(ctx context.Context) (*SendStream, error) {
	qs, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, &Error{Op: "open stream", Err: err}
	}
	return &SendStream{qs: qs}, nil
}

// AcceptStream fails only when ctx is done or the connection is gone.
func (c *Conn) AcceptStream(ctx context.Context) (*RecvStream, error) {
	qs, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, &Error{Op: "accept stream", Err: err}
	}
	return &RecvStream{qs: qs}, nil
}

// WriteMessage sends data as the whole contents of a new stream.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	s, err := c.OpenStream(ctx)
	if err != nil {
		return err
	}
	return s.WriteAll(ctx, data)
}

// ReadMessage accepts the next stream and reads it to completion; see
// RecvStream.ReadAll for how limit applies.
func (c *Conn) ReadMessage(ctx context.Context, limit int) ([]byte, error) {
	s, err := c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s.ReadAll(ctx, limit)
}

type SendStream struct {
	qs quic.SendStream
}

// WriteAll writes data and closes the stream, which tells the peer the
// message is complete.
func (s *SendStream) WriteAll(ctx context.Context, data []byte) error {
	stop := context.AfterFunc(ctx, func() {
		s.qs.CancelWrite(streamCodeCanceled)
	})
	defer stop()

	if _, err := s.qs.Write(data); err != nil {
		s.qs.CancelWrite(streamCodeCanceled)
		return &Error{Op: "write stream", Err: err}
	}
	if err := s.qs.Close(); err != nil {
		return &Error{Op: "close stream", Err: err}
	}
	return nil
}

type RecvStream struct {
	qs quic.ReceiveStream
}

// ReadAll reads until the peer closes the stream. It never buffers more than
// limit+1 bytes: when the peer sends more than limit, the stream is aborted
// and the first limit+1 bytes are returned so that the decoder can reject
// them for their size.
func (s *RecvStream) ReadAll(ctx context.Context, limit int) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		s.qs.CancelRead(streamCodeCanceled)
	})
	defer stop()

	data, err := io.ReadAll(io.LimitReader(s.qs, int64(limit)+1))
	if err != nil {
		return nil, &Error{Op: "read stream", Err: err}
	}
	if len(data) > limit {
		s.qs.CancelRead(streamCodeTooLarge)
	}
	return data, nil
}
