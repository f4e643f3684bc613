// Package host is the UI-host side of a session. It attaches to the streams a controller
// prepared, announces readiness, and then exchanges envelopes the same way the controller does.
package host

import (
	"context"
	"fmt"
	"os"

	"github.com/guseggert/uipipe/dispatch"
	"github.com/guseggert/uipipe/envelope"
	"github.com/guseggert/uipipe/internal/metrics"
	"github.com/guseggert/uipipe/registry"
	"github.com/guseggert/uipipe/transport"
	"go.uber.org/zap"
)

type Host struct {
	Log *zap.SugaredLogger

	dir  string
	reg  *registry.Registry
	conn *transport.Conn
	disp *dispatch.Dispatcher
}

type options struct {
	log       *zap.SugaredLogger
	transport transport.Transport
	reg       *registry.Registry
	metrics   *metrics.Metrics
	onError   func(error)
	maxBuffer int
}

type Option func(o *options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithTransport selects how to reach the controller. The default is the FIFO transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithRegistry uses handlers registered before attaching.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) {
		o.reg = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithErrorHandler(f func(error)) Option {
	return func(o *options) {
		o.onError = f
	}
}

func WithMaxBuffer(n int) Option {
	return func(o *options) {
		o.maxBuffer = n
	}
}

// Attach connects to the session in dir and sends the readiness handshake.
// Envelopes are not read until Serve is called.
func Attach(ctx context.Context, dir string, opts ...Option) (*Host, error) {
	o := &options{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		o.transport = transport.NewFIFO(transport.WithLogger(o.log))
	}
	if o.reg == nil {
		o.reg = registry.New()
	}
	log := o.log.Named("host")

	conn, err := o.transport.Dial(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("attaching to %q: %w", dir, err)
	}

	h := &Host{
		Log:  log,
		dir:  dir,
		reg:  o.reg,
		conn: conn,
	}
	h.disp = dispatch.New(o.reg, conn.Out,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithErrorHandler(o.onError),
		dispatch.WithMaxBuffer(o.maxBuffer),
	)

	ready := envelope.Ready{SessionID: transport.SessionID(dir), PID: os.Getpid()}
	if err := h.disp.SendReady(ready); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending ready: %w", err)
	}
	log.Debugw("attached", "Dir", dir, "SessionID", ready.SessionID)
	return h, nil
}

// Serve dispatches inbound envelopes until the controller closes the stream or ctx is done.
func (h *Host) Serve(ctx context.Context) error {
	return h.disp.Serve(ctx, h.conn.In)
}

func (h *Host) Close() error {
	return h.conn.Close()
}

func (h *Host) Dir() string { return h.dir }

func (h *Host) Registry() *registry.Registry { return h.reg }

func (h *Host) Register(name string, handler registry.Handler) error {
	return h.reg.Register(name, handler)
}

func (h *Host) Clear(name string) { h.reg.Clear(name) }

func (h *Host) ClearAll() { h.reg.ClearAll() }

func (h *Host) Emit(name string, payload any) error {
	return h.disp.Emit(name, payload)
}

func (h *Host) Curry(name string) (dispatch.Sender, error) {
	return h.disp.Curry(name)
}

func (h *Host) Forward(name string) (registry.Handler, error) {
	return h.disp.Forward(name)
}

// ForwardInteraction reports a UI interaction to the controller under its reserved name,
// where handlers bound with RegisterInteraction receive it.
func (h *Host) ForwardInteraction(elementID, interaction string, payload any) error {
	return h.disp.EmitInteraction(elementID, interaction, payload)
}
