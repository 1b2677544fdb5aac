package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/remdev/hostd/backend"
	"github.com/remdev/hostd/rpc"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	app := &cli.App{
		Name:  "hostd",
		Usage: "the remote-development backend serving editor clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the server to listen on.",
				Value: "0.0.0.0:9090",
			},
			&cli.StringFlag{
				Name:     "schema",
				Usage:    "Path to the service schema JSON.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "ca-cert",
				Usage: "Path to the CA certificate PEM. Supplying CA, cert, and key enables mTLS.",
			},
			&cli.StringFlag{
				Name:  "cert",
				Usage: "Path to the server certificate PEM.",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "Path to the server key PEM.",
			},
			&cli.DurationFlag{
				Name:  "session-retention",
				Usage: "How long to keep a disconnected client's state before tearing it down.",
				Value: rpc.DefaultSessionRetention,
			},
			&cli.IntFlag{
				Name:  "queue-cap",
				Usage: "Per-client outbound queue cap in frames.",
				Value: rpc.DefaultQueueCap,
			},
			&cli.BoolFlag{
				Name:  "track-event-loop",
				Usage: "Log a warning when the scheduler lags.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	schemaFile, err := os.Open(ctx.String("schema"))
	if err != nil {
		return fmt.Errorf("opening schema: %w", err)
	}
	schema, err := rpc.LoadSchema(schemaFile)
	schemaFile.Close()
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	opts := []backend.Option{
		backend.WithListenAddr(ctx.String("listen-addr")),
		backend.WithRPCOptions(
			rpc.WithSessionRetention(ctx.Duration("session-retention")),
			rpc.WithQueueCap(ctx.Int("queue-cap")),
		),
	}
	if !ctx.Bool("debug") {
		opts = append(opts, backend.WithLogLevel(zapcore.InfoLevel))
	}
	if ctx.Bool("track-event-loop") {
		opts = append(opts, backend.WithLagTracking())
	}

	caPath, certPath, keyPath := ctx.String("ca-cert"), ctx.String("cert"), ctx.String("key")
	if caPath != "" || certPath != "" || keyPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return fmt.Errorf("reading CA cert: %w", err)
		}
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return fmt.Errorf("reading cert: %w", err)
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		opts = append(opts, backend.WithTLS(caPEM, certPEM, keyPEM))
	}

	b, err := backend.New(Version, schema, opts...)
	if err != nil {
		return fmt.Errorf("building backend: %w", err)
	}

	// the process serves until killed; handler registration happens in the
	// embedding build, so a bare hostd only answers heartbeats
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-waitForSignal():
	}

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop() }()
	select {
	case err := <-stopped:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out stopping")
	}
}

func waitForSignal() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
