// Package dispatch connects a registry to a pair of streams: inbound bytes are framed, decoded
// and routed to handlers, and outbound events are encoded and written.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/guseggert/uipipe/envelope"
	"github.com/guseggert/uipipe/framer"
	"github.com/guseggert/uipipe/internal/metrics"
	"github.com/guseggert/uipipe/registry"
	"go.uber.org/zap"
)

const readBufSize = 32768

// HandlerError is reported when a handler returns an error or panics.
type HandlerError struct {
	Event string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q: %s", e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Sender emits a payload under a name bound in advance.
type Sender func(payload any) error

type Dispatcher struct {
	log       *zap.SugaredLogger
	reg       *registry.Registry
	metrics   *metrics.Metrics
	onError   func(error)
	hook      func(envelope.Envelope) bool
	maxBuffer int

	writeMut sync.Mutex
	w        io.Writer
}

type Option func(d *Dispatcher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) {
		d.log = l.Named("dispatcher")
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithErrorHandler receives every non-fatal protocol and handler error.
// It is called on the reading goroutine.
func WithErrorHandler(f func(error)) Option {
	return func(d *Dispatcher) {
		d.onError = f
	}
}

// WithEnvelopeHook observes every decoded envelope, including reserved ones, before handler lookup.
// An envelope for which f returns true is consumed: no handler is looked up for it.
func WithEnvelopeHook(f func(envelope.Envelope) bool) Option {
	return func(d *Dispatcher) {
		d.hook = f
	}
}

func WithMaxBuffer(n int) Option {
	return func(d *Dispatcher) {
		d.maxBuffer = n
	}
}

func New(reg *registry.Registry, w io.Writer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log: zap.NewNop().Sugar(),
		reg: reg,
		w:   w,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Emit writes one envelope to the outbound stream. Reserved names are rejected.
func (d *Dispatcher) Emit(name string, payload any) error {
	if err := envelope.ValidateName(name); err != nil {
		return err
	}
	return d.write(name, payload)
}

// EmitInteraction forwards a UI interaction under its reserved synthesized name.
func (d *Dispatcher) EmitInteraction(elementID, interaction string, payload any) error {
	if elementID == "" || interaction == "" {
		return fmt.Errorf("element ID and interaction are required, got %q and %q", elementID, interaction)
	}
	return d.write(envelope.InteractionEvent(elementID, interaction), payload)
}

// SendReady writes the readiness handshake.
func (d *Dispatcher) SendReady(r envelope.Ready) error {
	return d.write(envelope.ReadyEvent, r)
}

// Curry returns a Sender bound to name, for emitting later or from another handler.
func (d *Dispatcher) Curry(name string) (Sender, error) {
	if err := envelope.ValidateName(name); err != nil {
		return nil, err
	}
	return func(payload any) error { return d.Emit(name, payload) }, nil
}

// Forward returns a handler that re-emits whatever payload it receives under name.
func (d *Dispatcher) Forward(name string) (registry.Handler, error) {
	send, err := d.Curry(name)
	if err != nil {
		return nil, err
	}
	return func(payload json.RawMessage) error {
		return send(payload)
	}, nil
}

func (d *Dispatcher) write(name string, payload any) error {
	b, err := envelope.Encode(name, payload)
	if err != nil {
		return err
	}
	d.writeMut.Lock()
	defer d.writeMut.Unlock()
	if _, err := d.w.Write(b); err != nil {
		return fmt.Errorf("writing envelope %q: %w", name, err)
	}
	d.metrics.Sent()
	d.log.Debugw("sent envelope", "Event", name, "Bytes", len(b))
	return nil
}

// Dispatch decodes one framed value and invokes the matching handler, if any.
// Envelopes without a handler are dropped silently.
func (d *Dispatcher) Dispatch(raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		d.metrics.Malformed()
		d.report(err, "Data", string(raw))
		return
	}
	d.metrics.Received()
	d.log.Debugw("received envelope", "Event", env.Event)

	if d.hook != nil && d.hook(env) {
		return
	}

	h, ok := d.reg.Lookup(env.Event)
	if !ok {
		d.metrics.Dropped()
		d.log.Debugw("no handler registered, dropping", "Event", env.Event)
		return
	}
	if err := invoke(h, env); err != nil {
		d.metrics.HandlerError()
		d.report(&HandlerError{Event: env.Event, Err: err}, "Data", string(env.Payload))
	}
}

func invoke(h registry.Handler, env envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(env.Payload)
}

// Serve reads r until it is exhausted or closed, dispatching envelopes in arrival order
// on the calling goroutine. Framing, decoding and handler errors are reported and reading continues.
//
// If r is an io.Closer it is closed when ctx is done, so that a blocked read returns.
// Serve returns nil when the stream ends, ctx.Err() when canceled, and the read error otherwise.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	f := framer.New(framer.WithLogger(d.log), framer.WithMaxBuffer(d.maxBuffer))
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			values, ferr := f.Feed(buf[:n])
			for _, v := range values {
				d.Dispatch(v)
			}
			if ferr != nil {
				d.metrics.FramingError()
				d.report(ferr)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isClosed(err) {
				if f.Buffered() > 0 {
					d.log.Debugf("stream ended with %d unframed bytes", f.Buffered())
				}
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}

func (d *Dispatcher) report(err error, kv ...any) {
	d.log.Warnw("dispatch error", append([]any{"Error", err}, kv...)...)
	if d.onError != nil {
		d.onError(err)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
