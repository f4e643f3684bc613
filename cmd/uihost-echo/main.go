// Command uihost-echo is a minimal UI host. It attaches to a session and answers events by
// forwarding their payloads back under other names, which is enough to exercise a controller
// without a real UI runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/guseggert/uipipe/config"
	"github.com/guseggert/uipipe/host"
	"github.com/guseggert/uipipe/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:      "uihost-echo",
		Usage:     "a UI host that echoes events back to the controller",
		ArgsUsage: "<target> <session-dir>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "reply",
				Usage: "Answer event <in> with event <out> carrying the same payload, as in=out. May be repeated.",
				Value: cli.NewStringSlice("ping=pong"),
			},
			&cli.StringFlag{
				Name:  "greeting",
				Usage: "If set, emit this event with the target as payload once attached.",
				Value: "loaded",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 2 {
				return cli.Exit("usage: uihost-echo <target> <session-dir>", 2)
			}
			target, dir := ctx.Args().Get(0), ctx.Args().Get(1)

			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			log := logger.WithOptions(zap.IncreaseLevel(cfg.LogLevel)).Sugar()
			defer log.Sync()

			tr, err := transport.New(cfg.Transport, transport.WithLogger(log))
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
			defer stop()

			h, err := host.Attach(sigCtx, dir,
				host.WithLogger(log),
				host.WithTransport(tr),
				host.WithMaxBuffer(cfg.MaxBuffer),
			)
			if err != nil {
				return err
			}
			defer h.Close()

			for _, r := range ctx.StringSlice("reply") {
				in, out, ok := strings.Cut(r, "=")
				if !ok {
					return fmt.Errorf("reply %q must be in=out", r)
				}
				fwd, err := h.Forward(out)
				if err != nil {
					return err
				}
				if err := h.Register(in, fwd); err != nil {
					return err
				}
			}

			group, groupCtx := errgroup.WithContext(sigCtx)
			group.Go(func() error {
				return h.Serve(groupCtx)
			})
			if greeting := ctx.String("greeting"); greeting != "" {
				group.Go(func() error {
					return h.Emit(greeting, target)
				})
			}

			err = group.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
