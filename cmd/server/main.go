package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/explora/internal/admin"
	"github.com/blukai/explora/internal/gameserver"
	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// NOTE: every variable is prefixed with EXPLORA_, e.g. EXPLORA_ADDR.
type Config struct {
	Addr     string `envconfig:"ADDR" required:"true" default:"0.0.0.0:60123"`
	CertPath string `envconfig:"CERT_PATH"`
	KeyPath  string `envconfig:"KEY_PATH"`

	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	AcceptRate       float64       `envconfig:"ACCEPT_RATE" default:"0"`
	AcceptBurst      int           `envconfig:"ACCEPT_BURST" default:"16"`

	AdminAddr string `envconfig:"ADMIN_ADDR"`

	WorldSeed  int32  `envconfig:"WORLD_SEED" default:"0"`
	MaxPlayers uint32 `envconfig:"MAX_PLAYERS" default:"64"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("explora", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = log.ParseLevel(level)
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func loadTLSConfig(config *Config, logger *log.Logger) (*tls.Config, error) {
	if config.CertPath != "" || config.KeyPath != "" {
		return transport.LoadServerTLSConfig(config.CertPath, config.KeyPath)
	}

	logger.Warn().Msg("no certificate configured, generating a self signed one for localhost")
	cert, err := transport.GenerateSelfSigned("localhost", "127.0.0.1")
	if err != nil {
		return nil, err
	}
	return transport.ServerTLSConfig(cert), nil
}

func serveAdmin(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info().Msgf("started admin server on %s", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("could not serve admin: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down admin server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	tlsConf, err := loadTLSConfig(config, logger)
	if err != nil {
		return fmt.Errorf("could not load tls config: %w", err)
	}

	opts := gameserver.DefaultOptions()
	opts.Config = protocol.DefaultGameConfig()
	opts.Config.WorldSeed = config.WorldSeed
	opts.Config.MaxPlayers = config.MaxPlayers
	opts.HandshakeTimeout = config.HandshakeTimeout
	opts.AcceptRate = rate.Limit(config.AcceptRate)
	opts.AcceptBurst = config.AcceptBurst

	gameServer, err := gameserver.New(config.Addr, tlsConf, opts, logger)
	if err != nil {
		return fmt.Errorf("could not construct game server: %w", err)
	}
	logger.Info().Msgf("started game server on %s", gameServer.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gameServer.Run(ctx)
	})

	if config.AdminAddr != "" {
		registry := gameServer.Registry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		handler := admin.NewRouter(gameServer, registry, logger)

		g.Go(func() error {
			return serveAdmin(ctx, config.AdminAddr, handler, logger)
		})
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	case <-ctx.Done():
	}

	cancel()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("game server run failed: %w", err)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
