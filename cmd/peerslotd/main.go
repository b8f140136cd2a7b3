package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipfs/go-log/v2"
	"github.com/kaonet/peerslot"
	"github.com/urfave/cli/v2"
)

var logger = log.Logger("peerslot/cmd")

func main() {
	app := &cli.App{
		Name:  "peerslotd",
		Usage: "stake-weighted peer sampling service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "address the administrative HTTP server listens on",
				Value: "0.0.0.0:40090",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "logging level: debug, info, warn or error",
				Value: "info",
			},
			&cli.DurationFlag{
				Name:  "compact-interval",
				Usage: "how often to compact the peer set; 0 disables periodic compaction",
				Value: 5 * time.Minute,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorw("Daemon failed.", "err", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	level, err := log.LevelFromString(cctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetAllLoggers(level)

	service, err := peerslot.New(
		peerslot.WithHTTPServerListenAddr(cctx.String("listen-addr")),
		peerslot.WithCompactInterval(cctx.Duration("compact-interval")),
	)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	logger.Infow("Service started.", "addr", cctx.String("listen-addr"))

	<-ctx.Done()
	logger.Info("Shutting down.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return service.Shutdown(shutdownCtx)
}
