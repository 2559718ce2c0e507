package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/explora/internal/gameclient"
	"github.com/blukai/explora/internal/gameserver"
	"github.com/blukai/explora/internal/singleplayer"
	"github.com/blukai/explora/internal/transport"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
)

// Config holds the defaults for the flags, e.g. EXPLORA_SERVER_ADDR.
type Config struct {
	ServerAddr string `envconfig:"SERVER_ADDR" default:"127.0.0.1:60123"`
	Username   string `envconfig:"USERNAME" default:"player"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

type flags struct {
	server       string
	username     string
	caCert       string
	singleplayer bool
	insecure     bool
	pings        int
	stay         bool
	logLevel     string
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

func clientTLSConfig(f *flags, logger *log.Logger) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(f.server)
	if err != nil {
		return nil, fmt.Errorf("could not parse server address: %w", err)
	}

	if f.insecure {
		logger.Warn().Msg("server certificate verification is disabled")
		return transport.ClientTLSConfig(transport.VerifyInsecure, host, nil), nil
	}

	var roots *x509.CertPool
	if f.caCert != "" {
		pem, err := os.ReadFile(f.caCert)
		if err != nil {
			return nil, fmt.Errorf("could not read ca certificate: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.New("could not parse ca certificate")
		}
	}
	return transport.ClientTLSConfig(transport.VerifyStrict, host, roots), nil
}

func run(ctx context.Context, f *flags) error {
	logger := configureLogger(f.logLevel)

	var tlsConf *tls.Config
	if f.singleplayer {
		sp, err := singleplayer.Start(ctx, gameserver.DefaultOptions(), logger)
		if err != nil {
			return fmt.Errorf("could not start singleplayer server: %w", err)
		}
		defer func() {
			if err := sp.Stop(); err != nil {
				logger.Error().Err(err).Msg("could not stop singleplayer server")
			}
		}()

		f.server = sp.Addr()
		tlsConf = sp.ClientTLSConfig()
	} else {
		var err error
		tlsConf, err = clientTLSConfig(f, logger)
		if err != nil {
			return err
		}
	}

	opts := gameclient.DefaultOptions()
	opts.Username = f.username
	client, err := gameclient.Connect(ctx, f.server, tlsConf, opts, logger)
	if err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}
	defer client.Close()

	fmt.Printf("session %d (world seed %d)\n", client.SessionID(), client.Config().WorldSeed)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(runCtx)
	}()

	for i := 0; i < f.pings; i++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		rtt, err := client.Ping(pingCtx)
		pingCancel()
		if err != nil {
			return fmt.Errorf("could not ping: %w", err)
		}
		fmt.Printf("pong: %s\n", rtt)
	}

	if f.stay {
		select {
		case <-ctx.Done():
		case err := <-runErr:
			return err
		}
	}

	cancel()
	return <-runErr
}

func rootCmd() *cobra.Command {
	config := new(Config)
	if err := envconfig.Process("explora", config); err != nil {
		fmt.Fprintf(os.Stderr, "could not process config: %v\n", err)
	}

	f := &flags{}
	cmd := &cobra.Command{
		Use:   "explora-client",
		Short: "Connect to an explora server",
		Long: `Connects to an explora server, performs the hello exchange and
measures the round trip time with a few pings.

With --singleplayer an integrated server is started on loopback first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return run(ctx, f)
		},
	}

	cmd.Flags().StringVar(&f.server, "server", config.ServerAddr, "server address (host:port)")
	cmd.Flags().StringVar(&f.username, "username", config.Username, "username sent in the hello")
	cmd.Flags().StringVar(&f.caCert, "ca-cert", "", "pem file with the certificate to trust instead of the system roots")
	cmd.Flags().BoolVar(&f.singleplayer, "singleplayer", false, "start an integrated server and connect to it")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "accept any server certificate")
	cmd.Flags().IntVar(&f.pings, "pings", 3, "number of pings to send")
	cmd.Flags().BoolVar(&f.stay, "stay", false, "keep the session open until interrupted")
	cmd.Flags().StringVar(&f.logLevel, "log-level", config.LogLevel, "log level")

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
