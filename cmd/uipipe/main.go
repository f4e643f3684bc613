package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/guseggert/uipipe/config"
	"github.com/guseggert/uipipe/envelope"
	"github.com/guseggert/uipipe/framer"
	"github.com/guseggert/uipipe/internal/metrics"
	"github.com/guseggert/uipipe/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:      "uipipe",
		Usage:     "open a UI host on an application and exchange events with it",
		ArgsUsage: "<target>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a JSON config file (comments allowed).",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Path or command name of the UI host executable. Overrides $" + config.EnvHost + ".",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Stream transport. One of [fifo,websocket].",
			},
			&cli.StringFlag{
				Name:  "session-root",
				Usage: "Directory in which session directories are created.",
			},
			&cli.DurationFlag{
				Name:  "attach-timeout",
				Usage: "How long to wait for the UI host to become ready. Zero waits forever.",
			},
			&cli.DurationFlag{
				Name:  "stop-timeout",
				Usage: "How long the UI host gets to exit after an interrupt before it is killed.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
			},
			&cli.StringSliceFlag{
				Name:  "emit",
				Usage: "Event to send once open, as name=<json payload>. May be repeated.",
			},
			&cli.StringSliceFlag{
				Name:  "listen",
				Usage: "Event to print to stdout as a JSON envelope when received. May be repeated.",
			},
			&cli.BoolFlag{
				Name:  "stdin",
				Usage: "Send envelopes read from stdin.",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "If set, serve Prometheus metrics on this address.",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return cli.Exit("exactly one target is required", 2)
			}
			target := ctx.Args().First()

			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			if err := applyFlags(ctx, &cfg); err != nil {
				return err
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			log := logger.WithOptions(zap.IncreaseLevel(cfg.LogLevel)).Sugar()
			defer log.Sync()

			emits, err := parseEmits(ctx.StringSlice("emit"))
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			if addr := ctx.String("metrics-addr"); addr != "" {
				server := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warnw("metrics server stopped", "Error", err)
					}
				}()
				defer server.Close()
			}

			c := session.New(
				session.WithLogger(log),
				session.WithConfig(cfg),
				session.WithMetrics(m),
				session.WithLauncher(&session.ExecLauncher{Log: log}),
			)

			out := &envelopeWriter{w: os.Stdout}
			for _, name := range ctx.StringSlice("listen") {
				name := name
				err := c.Register(name, func(payload json.RawMessage) error {
					return out.write(name, payload)
				})
				if err != nil {
					return fmt.Errorf("listening for %q: %w", name, err)
				}
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
			defer stop()

			err = c.Run(runCtx, target, func(runCtx context.Context) error {
				for _, e := range emits {
					if err := c.Emit(e.Event, e.Payload); err != nil {
						return err
					}
				}
				if ctx.Bool("stdin") {
					go func() {
						if err := pipeStdin(runCtx, log, c, os.Stdin); err != nil {
							log.Warnw("reading stdin", "Error", err)
						}
					}()
				}
				return c.Wait()
			})
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

func applyFlags(ctx *cli.Context, cfg *config.Config) error {
	if ctx.IsSet("host") {
		cfg.HostExecutable = ctx.String("host")
	}
	if ctx.IsSet("transport") {
		cfg.Transport = ctx.String("transport")
	}
	if ctx.IsSet("session-root") {
		cfg.SessionRoot = ctx.String("session-root")
	}
	if ctx.IsSet("attach-timeout") {
		cfg.AttachTimeout = config.Duration(ctx.Duration("attach-timeout"))
	}
	if ctx.IsSet("stop-timeout") {
		cfg.StopTimeout = config.Duration(ctx.Duration("stop-timeout"))
	}
	if ctx.IsSet("log-level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(ctx.String("log-level"))); err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
	}
	return cfg.Validate()
}

// parseEmits turns name=<json> arguments into envelopes. A missing payload is null.
func parseEmits(args []string) ([]envelope.Envelope, error) {
	var envs []envelope.Envelope
	for _, arg := range args {
		name, payload, _ := strings.Cut(arg, "=")
		if err := envelope.ValidateName(name); err != nil {
			return nil, err
		}
		if payload == "" {
			payload = "null"
		}
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("payload for %q is not valid JSON: %s", name, payload)
		}
		envs = append(envs, envelope.Envelope{Event: name, Payload: json.RawMessage(payload)})
	}
	return envs, nil
}

// pipeStdin emits every envelope read from r, until r ends or ctx is done.
func pipeStdin(ctx context.Context, log *zap.SugaredLogger, c *session.Controller, r io.Reader) error {
	f := framer.New(framer.WithLogger(log))
	br := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		n, err := br.Read(buf)
		values, ferr := f.Feed(buf[:n])
		if ferr != nil {
			log.Warnw("discarding unreadable input", "Error", ferr)
		}
		for _, v := range values {
			e, derr := envelope.Decode(v)
			if derr != nil {
				log.Warnw("skipping input", "Error", derr)
				continue
			}
			if eerr := c.Emit(e.Event, e.Payload); eerr != nil {
				return eerr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

type envelopeWriter struct {
	mut sync.Mutex
	w   io.Writer
}

func (e *envelopeWriter) write(name string, payload json.RawMessage) error {
	b, err := envelope.Encode(name, payload)
	if err != nil {
		return err
	}
	e.mut.Lock()
	defer e.mut.Unlock()
	_, err = e.w.Write(b)
	return err
}
