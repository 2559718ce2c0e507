package gameserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	// Config is sent to every client in the server hello.
	Config protocol.GameConfig
	// HandshakeTimeout bounds the hello exchange of one connection. Peers that
	// stall past it are closed with CodeHandshakeTimeout.
	HandshakeTimeout time.Duration
	// AcceptRate limits how many new connections per second are handed to a
	// handshake task; zero means unlimited. Connections over the limit are
	// closed with CodeServerBusy.
	AcceptRate  rate.Limit
	AcceptBurst int
	// OutboxSize is the number of outgoing packets a session may have queued
	// before new ones are dropped.
	OutboxSize int
	Transport  transport.Options
}

func DefaultOptions() Options {
	return Options{
		Config:           protocol.DefaultGameConfig(),
		HandshakeTimeout: 10 * time.Second,
		AcceptBurst:      16,
		OutboxSize:       32,
		Transport:        transport.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = def.AcceptBurst
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = def.OutboxSize
	}
	if o.Transport == (transport.Options{}) {
		o.Transport = def.Transport
	}
	return o
}

// SessionInfo is a read-only copy of a session taken by the actor.
type SessionInfo struct {
	ID         protocol.SessionID `json:"id"`
	ConnID     string             `json:"conn_id"`
	Username   string             `json:"username"`
	RemoteAddr string             `json:"remote_addr"`
	JoinedAt   time.Time          `json:"joined_at"`
}

// Server is the authoritative side of the session protocol. The client table
// is owned by a single actor goroutine; everything else talks to it through
// the event bus or the query channel.
type Server struct {
	listener *transport.Listener
	opts     Options

	logger *log.Logger

	limiter  *rate.Limiter
	registry *prometheus.Registry
	metrics  *metrics

	events    chan Event
	queries   chan query
	actorDone chan struct{}

	// tracks handshake and session tasks
	wg sync.WaitGroup
}

func New(address string, tlsConf *tls.Config, opts Options, logger *log.Logger) (*Server, error) {
	opts = opts.withDefaults()

	listener, err := transport.Listen(address, tlsConf, opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	registry := prometheus.NewRegistry()

	s := &Server{
		listener: listener,
		opts:     opts,

		logger: logger,

		registry: registry,
		metrics:  newMetrics(registry),

		events:    make(chan Event, EventBusCapacity),
		queries:   make(chan query),
		actorDone: make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(opts.AcceptRate, opts.AcceptBurst)
	}

	return s, nil
}

// Addr can be useful to retreive server's address when Server was constructed
// with ":0".
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry holds the server's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) Config() protocol.GameConfig {
	return s.opts.Config
}

// Run serves until ctx is done or the listener fails. On return every
// session has been closed with CodeServerShutdown and every task spawned by
// the server has exited. Run must be called once.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("addr", s.Addr().String()).
		Uint64("config_fingerprint", s.opts.Config.Fingerprint()).
		Msg("game server listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runActor(ctx)
	})
	g.Go(func() error {
		return s.runAcceptor(ctx)
	})

	var errs error
	if err := g.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}
	s.wg.Wait()
	if err := s.listener.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close listener: %w", err))
	}
	return errs
}

func (s *Server) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

type query func(t *sessionTable)

// ask runs q on the actor. It blocks until the actor picks q up, so it only
// returns nil once q has run.
func (s *Server) ask(ctx context.Context, q query) error {
	done := make(chan struct{})
	wrapped := func(t *sessionTable) {
		q(t)
		close(done)
	}
	select {
	case s.queries <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.actorDone:
		return errActorStopped
	}
	<-done
	return nil
}

// Lookup returns false for ids that are unknown, which covers sessions that
// have already disconnected as well as ids that were never assigned.
func (s *Server) Lookup(ctx context.Context, id protocol.SessionID) (SessionInfo, bool) {
	var (
		info SessionInfo
		ok   bool
	)
	err := s.ask(ctx, func(t *sessionTable) {
		var sess *clientSession
		if sess, ok = t.sessions[id]; ok {
			info = sess.info()
		}
	})
	if err != nil {
		return SessionInfo{}, false
	}
	return info, ok
}

// Sessions returns every live session ordered by id.
func (s *Server) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var infos []SessionInfo
	err := s.ask(ctx, func(t *sessionTable) {
		infos = t.snapshot()
	})
	if err != nil {
		return nil, fmt.Errorf("could not list sessions: %w", err)
	}
	return infos, nil
}

func (s *Server) connLogger(fields func(e *log.Entry) *log.Entry) *log.Logger {
	logger := *s.logger
	logger.Context = fields(log.NewContext(nil)).Value()
	return &logger
}
