package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fzft/go-evloop/evloop"
	"github.com/fzft/go-evloop/log"
)

func main() {
	app := &cli.App{
		Name:  "echod",
		Usage: "echo server driven by a single evloop reactor",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 7000,
				Usage: "TCP port to listen on",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Value: ":9100",
				Usage: "address serving Prometheus metrics",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := log.InitLogger(c.Bool("debug")); err != nil {
		return err
	}

	loop, err := evloop.NewLoop()
	if err != nil {
		return err
	}

	m := newMetrics(c.String("metrics-addr"))

	srv, err := newEchoServer(loop, c.Int("port"), m)
	if err != nil {
		return err
	}

	// Signals arrive on their own goroutine; the async handle carries the
	// stop request onto the loop.
	stop, err := evloop.NewAsync(loop, func(*evloop.Async) {
		log.Logger.Info("stop requested")
		loop.Stop()
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigCh
		stop.Send()
	}()

	log.Logger.Info("echod listening",
		zap.Int("port", c.Int("port")),
		zap.Int("loop", loop.ID()),
		zap.String("git_sha1", evloop.GitSHA1()),
		zap.String("git_dirty", evloop.GitDirty()),
		zap.String("build_id", evloop.BuildIDRaw()))

	loop.Run(evloop.RunDefault)

	srv.shutdown()
	stop.Close(nil)
	loop.Run(evloop.RunNoWait)

	if err := loop.Close(); err != nil {
		log.Logger.Warn("loop close", zap.Error(err))
	}
	log.Logger.Info("echod stopped")
	return nil
}
