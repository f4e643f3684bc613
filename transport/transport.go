// Package transport provides the pair of byte streams that connect a controller to its UI host.
//
// The controller side listens before the UI host is started; the UI host dials once it is
// running. Both sides address the streams by the session directory.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// HostToUI carries envelopes from the controller to the UI host.
	HostToUI = "host_to_ui"
	// UIToHost carries envelopes from the UI host to the controller.
	UIToHost = "ui_to_host"
	// EndpointFile holds the base URL of a WebSocket listener.
	EndpointFile = "endpoint"
)

// SessionDirPrefix starts the base name of every session directory; the rest is the session ID.
const SessionDirPrefix = "uipipe-"

// SessionID extracts the session ID from a session directory path.
func SessionID(dir string) string {
	return strings.TrimPrefix(filepath.Base(dir), SessionDirPrefix)
}

const (
	KindFIFO      = "fifo"
	KindWebSocket = "websocket"
	KindMemory    = "memory"
)

var (
	ErrListenerClosed = errors.New("uipipe: listener closed")
	ErrUnknownKind    = errors.New("uipipe: unknown transport")
)

// Conn is one side of an attached stream pair.
type Conn struct {
	In  io.ReadCloser
	Out io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

func NewConn(in io.ReadCloser, out io.WriteCloser) *Conn {
	return &Conn{In: in, Out: out}
}

// Close closes both streams. Only the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = multierr.Combine(c.Out.Close(), c.In.Close())
	})
	return c.closeErr
}

type Transport interface {
	// Listen prepares the endpoints in dir. It does not wait for the peer.
	Listen(ctx context.Context, dir string) (Listener, error)
	// Dial attaches to the endpoints a Listen call prepared in dir.
	Dial(ctx context.Context, dir string) (*Conn, error)
}

type Listener interface {
	// Accept returns the controller side of the streams once they are usable.
	Accept(ctx context.Context) (*Conn, error)
	// Close releases the endpoints. Conns already accepted are not closed.
	Close() error
}

type options struct {
	log                      *zap.SugaredLogger
	customizeRetryableClient func(*retryablehttp.Client)
}

type Option func(o *options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithCustomizeRetryableClient adjusts the HTTP client used to dial WebSocket endpoints.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(o *options) {
		o.customizeRetryableClient = f
	}
}

func buildOptions(opts []Option) *options {
	o := &options{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("transport")
	return o
}

var sharedMemory = NewMemory()

// New returns the transport of the given kind. All "memory" transports in a process share
// one set of endpoints, so a controller and an in-process UI host can find each other.
func New(kind string, opts ...Option) (Transport, error) {
	switch kind {
	case KindFIFO:
		return NewFIFO(opts...), nil
	case KindWebSocket:
		return NewWebSocket(opts...), nil
	case KindMemory:
		return sharedMemory, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}
