// Package session runs the controller side of a UI session: it starts the UI host, attaches
// the two streams, waits for the readiness handshake, and tears everything down on close.
//
// A Controller can be opened, closed and opened again. Its handler registry survives across
// sessions; everything else belongs to a single session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/uipipe/config"
	"github.com/guseggert/uipipe/dispatch"
	"github.com/guseggert/uipipe/envelope"
	"github.com/guseggert/uipipe/internal/metrics"
	"github.com/guseggert/uipipe/registry"
	"github.com/guseggert/uipipe/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrAlreadyOpen   = errors.New("uipipe: session is not closed")
	ErrNotOpen       = errors.New("uipipe: session is not open")
	ErrClosed        = errors.New("uipipe: session closed while opening")
	ErrPeerExited    = errors.New("uipipe: UI host exited")
	ErrAttachTimeout = errors.New("uipipe: UI host did not become ready in time")
	ErrHostNotFound  = config.ErrHostNotFound
)

const (
	// EnvSessionDir and EnvTransport tell a launched UI host where and how to attach.
	EnvSessionDir = "UIPIPE_SESSION_DIR"
	EnvTransport  = config.EnvTransport
)

type Controller struct {
	log       *zap.SugaredLogger
	cfg       config.Config
	reg       *registry.Registry
	launcher  Launcher
	transport transport.Transport
	metrics   *metrics.Metrics
	onError   func(error)

	mut   sync.Mutex
	state State
	sess  *session
}

// session is everything that lives from one Open to the matching teardown.
type session struct {
	id  string
	dir string

	// ctx ends when teardown starts
	ctx    context.Context
	cancel context.CancelFunc

	listener transport.Listener
	conn     *transport.Conn
	disp     *dispatch.Dispatcher
	peer     Peer

	ready     chan struct{}
	readyOnce sync.Once
	peerInfo  envelope.Ready

	teardownOnce sync.Once
	// requested is set when Close started the teardown
	requested bool
	done      chan struct{}
	cause     error
	closeErr  error
}

type Option func(c *Controller)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) {
		c.log = l.Named("controller")
	}
}

func WithConfig(cfg config.Config) Option {
	return func(c *Controller) {
		c.cfg = cfg
	}
}

func WithLauncher(l Launcher) Option {
	return func(c *Controller) {
		c.launcher = l
	}
}

// WithTransport overrides the transport named by the config.
func WithTransport(t transport.Transport) Option {
	return func(c *Controller) {
		c.transport = t
	}
}

func WithRegistry(r *registry.Registry) Option {
	return func(c *Controller) {
		c.reg = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithErrorHandler receives framing, decoding and handler errors from the inbound stream.
func WithErrorHandler(f func(error)) Option {
	return func(c *Controller) {
		c.onError = f
	}
}

func New(opts ...Option) *Controller {
	c := &Controller{
		log: zap.NewNop().Sugar(),
		cfg: config.Default(),
		reg: registry.New(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.launcher == nil {
		c.launcher = &ExecLauncher{Log: c.log}
	}
	return c
}

func (c *Controller) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// Dir returns the current session directory, or "" when closed.
func (c *Controller) Dir() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.dir
}

// SessionID returns the current session ID, or "" when closed.
func (c *Controller) SessionID() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

func (c *Controller) setState(s State) {
	c.state = s
	c.metrics.State(int(s))
	c.log.Debugw("state changed", "State", s)
}

// Open starts the UI host on target and blocks until it reports ready.
//
// Open is only valid when the controller is Closed. If the host executable cannot be resolved,
// Open fails with ErrHostNotFound before anything is started. If the UI host exits first,
// Open fails with ErrPeerExited; if Close is called meanwhile, with ErrClosed. Without an
// attach timeout, a UI host that never becomes ready blocks Open until ctx is done.
// On any failure the controller is Closed again when Open returns.
func (c *Controller) Open(ctx context.Context, target string) error {
	c.mut.Lock()
	if c.state != Closed {
		state := c.state
		c.mut.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, state)
	}
	exe, err := config.ResolveHost(c.cfg.HostExecutable)
	if err != nil {
		c.mut.Unlock()
		return err
	}
	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     id,
		dir:    filepath.Join(c.cfg.SessionRoot, transport.SessionDirPrefix+id),
		ctx:    sessCtx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.sess = sess
	c.setState(Opening)
	c.mut.Unlock()

	c.log.Debugw("opening session", "ID", id, "Target", target, "Host", exe)

	openCtx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()
	stop := context.AfterFunc(sessCtx, cancelOpen)
	defer stop()
	if c.cfg.AttachTimeout > 0 {
		var cancelTimeout context.CancelFunc
		openCtx, cancelTimeout = context.WithTimeout(openCtx, time.Duration(c.cfg.AttachTimeout))
		defer cancelTimeout()
	}

	if err := c.start(openCtx, sess, exe, target); err != nil {
		return c.failOpen(ctx, openCtx, sess, err)
	}

	select {
	case <-sess.ready:
		c.mut.Lock()
		if c.sess != sess || c.state != Opening {
			c.mut.Unlock()
			return c.openFailure(sess)
		}
		c.setState(Open)
		c.mut.Unlock()
		c.log.Infow("session open", "ID", id, "PeerPID", sess.peerInfo.PID)
		return nil
	case <-openCtx.Done():
		return c.failOpen(ctx, openCtx, sess, openCtx.Err())
	}
}

// failOpen tears down a session that did not become ready and works out why.
func (c *Controller) failOpen(ctx, openCtx context.Context, sess *session, err error) error {
	switch {
	case sess.ctx.Err() != nil:
		// teardown already started elsewhere
		<-sess.done
		return c.openFailure(sess)
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.Is(openCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s", ErrAttachTimeout, time.Duration(c.cfg.AttachTimeout))
	}
	c.teardown(sess, err)
	return err
}

func (c *Controller) openFailure(sess *session) error {
	<-sess.done
	switch {
	case sess.requested:
		return ErrClosed
	case errors.Is(sess.cause, ErrPeerExited):
		return fmt.Errorf("before becoming ready: %w", sess.cause)
	case sess.cause != nil:
		return fmt.Errorf("%w before becoming ready: %s", ErrPeerExited, sess.cause)
	default:
		return fmt.Errorf("%w before becoming ready", ErrPeerExited)
	}
}

func (c *Controller) start(ctx context.Context, sess *session, exe, target string) error {
	if err := os.MkdirAll(c.cfg.SessionRoot, 0o755); err != nil {
		return fmt.Errorf("creating session root: %w", err)
	}
	if err := os.Mkdir(sess.dir, 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	if !c.claim(sess, func() {}) {
		os.RemoveAll(sess.dir)
		return ErrClosed
	}

	tr := c.transport
	if tr == nil {
		var err error
		tr, err = transport.New(c.cfg.Transport, transport.WithLogger(c.log))
		if err != nil {
			return err
		}
	}
	listener, err := tr.Listen(ctx, sess.dir)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	if !c.claim(sess, func() { sess.listener = listener }) {
		listener.Close()
		os.RemoveAll(sess.dir)
		return ErrClosed
	}

	peer, err := c.launcher.Launch(ctx, LaunchRequest{
		Executable: exe,
		Target:     target,
		SessionDir: sess.dir,
		Env: []string{
			EnvSessionDir + "=" + sess.dir,
			EnvTransport + "=" + c.cfg.Transport,
		},
	})
	if err != nil {
		return fmt.Errorf("launching UI host: %w", err)
	}
	if !c.claim(sess, func() { sess.peer = peer }) {
		c.stopPeer(peer)
		return ErrClosed
	}

	go func() {
		err := peer.Wait()
		c.log.Debugw("UI host exited", "ID", sess.id, "Error", err)
		if err != nil {
			err = fmt.Errorf("%w: %s", ErrPeerExited, err)
		}
		c.teardown(sess, err)
	}()

	conn, err := listener.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accepting streams: %w", err)
	}
	disp := dispatch.New(c.reg, conn.Out,
		dispatch.WithLogger(c.log),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithErrorHandler(c.onError),
		dispatch.WithMaxBuffer(c.cfg.MaxBuffer),
		dispatch.WithEnvelopeHook(func(e envelope.Envelope) bool { return c.observe(sess, e) }),
	)
	if !c.claim(sess, func() { sess.conn, sess.disp = conn, disp }) {
		conn.Close()
		return ErrClosed
	}

	go func() {
		err := disp.Serve(sess.ctx, conn.In)
		if errors.Is(err, context.Canceled) && sess.ctx.Err() != nil {
			return
		}
		c.log.Debugw("inbound stream ended", "ID", sess.id, "Error", err)
		c.teardown(sess, err)
	}()
	return nil
}

// claim runs set under the lock unless teardown has begun. Resources recorded this way are
// released by teardown; when claim reports false the caller must release them itself.
func (c *Controller) claim(sess *session, set func()) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	if sess.ctx.Err() != nil {
		return false
	}
	set()
	return true
}

func (c *Controller) stopPeer(peer Peer) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.cfg.StopTimeout))
	defer cancel()
	return peer.Stop(ctx)
}

// observe completes the handshake when the UI host announces itself. It consumes every ready
// envelope; one naming another session is ignored.
func (c *Controller) observe(sess *session, e envelope.Envelope) bool {
	if e.Event != envelope.ReadyEvent {
		return false
	}
	var r envelope.Ready
	if err := e.Unmarshal(&r); err != nil {
		c.log.Warnw("invalid ready payload", "Error", err)
	}
	if r.SessionID != "" && r.SessionID != sess.id {
		c.log.Warnw("ignoring ready for a different session", "Expected", sess.id, "Got", r.SessionID)
		return true
	}
	sess.readyOnce.Do(func() {
		sess.peerInfo = r
		close(sess.ready)
	})
	return true
}

// teardown stops the peer, releases the streams and the session dir, and moves the controller
// to Closed. Only the first call for a session has an effect; later calls wait for it to finish.
// It never waits for the reader goroutine, so it may run inside a handler.
func (c *Controller) teardown(sess *session, cause error) {
	sess.teardownOnce.Do(func() {
		c.mut.Lock()
		if c.sess == sess {
			c.setState(Closing)
		}
		sess.cancel()
		peer, conn, listener := sess.peer, sess.conn, sess.listener
		c.mut.Unlock()

		var err error
		if peer != nil {
			err = multierr.Append(err, c.stopPeer(peer))
		}
		if conn != nil {
			if cerr := conn.Close(); cerr != nil && !isClosedErr(cerr) {
				err = multierr.Append(err, cerr)
			}
		}
		if listener != nil {
			err = multierr.Append(err, listener.Close())
		}
		if rerr := os.RemoveAll(sess.dir); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("removing session dir: %w", rerr))
		}
		if err != nil {
			c.log.Warnw("errors closing session", "ID", sess.id, "Error", err)
		}

		c.mut.Lock()
		sess.cause = cause
		sess.closeErr = err
		if c.sess == sess {
			c.sess = nil
			c.setState(Closed)
		}
		c.mut.Unlock()

		c.log.Infow("session closed", "ID", sess.id, "Cause", cause)
		close(sess.done)
	})
	<-sess.done
}

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed)
}

// Close stops the UI host and releases the session. It is a no-op when already closed and
// may be called from inside a handler.
func (c *Controller) Close() error {
	c.mut.Lock()
	sess := c.sess
	c.mut.Unlock()
	if sess == nil {
		return nil
	}
	return c.closeSession(sess)
}

func (c *Controller) closeSession(sess *session) error {
	c.mut.Lock()
	if c.sess == sess && c.state != Closing {
		sess.requested = true
	}
	c.mut.Unlock()

	c.teardown(sess, nil)
	return sess.closeErr
}

// Wait blocks until the controller is Closed. It returns the reason the session ended: nil
// after Close or a clean exit of the UI host, otherwise ErrPeerExited or the read error.
func (c *Controller) Wait() error {
	c.mut.Lock()
	sess := c.sess
	c.mut.Unlock()
	if sess == nil {
		return nil
	}
	<-sess.done
	return sess.result()
}

func (sess *session) result() error {
	if sess.requested {
		return nil
	}
	return sess.cause
}

// Run opens the session, calls fn, and closes the session when fn returns, fails or panics,
// or when ctx is done. fn's context ends when the session closes; fn may call Wait to keep the
// session open until the UI host or a handler ends it. The controller is Closed when Run returns.
func (c *Controller) Run(ctx context.Context, target string, fn func(ctx context.Context) error) (err error) {
	if err := c.Open(ctx, target); err != nil {
		return err
	}

	c.mut.Lock()
	sess := c.sess
	c.mut.Unlock()
	if sess == nil {
		return c.Wait()
	}

	stop := context.AfterFunc(ctx, func() { c.closeSession(sess) })
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRun := context.AfterFunc(sess.ctx, cancel)
	defer stopRun()

	defer func() {
		if r := recover(); r != nil {
			c.closeSession(sess)
			panic(r)
		}
	}()

	if fn != nil {
		if err := fn(runCtx); err != nil {
			return multierr.Append(err, c.closeSession(sess))
		}
	}

	closeErr := c.closeSession(sess)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return multierr.Append(sess.result(), closeErr)
}

func (c *Controller) dispatcher() (*dispatch.Dispatcher, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if (c.state != Opening && c.state != Open) || c.sess == nil || c.sess.disp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, c.state)
	}
	return c.sess.disp, nil
}

// Emit sends an event to the UI host. Streams are usable once attached, so Emit also works
// while Opening.
func (c *Controller) Emit(name string, payload any) error {
	if err := envelope.ValidateName(name); err != nil {
		return err
	}
	d, err := c.dispatcher()
	if err != nil {
		return err
	}
	return d.Emit(name, payload)
}

// Curry binds name for a later Emit. The returned Sender checks the state when it is called,
// so it may be created before Open and used across sessions.
func (c *Controller) Curry(name string) (dispatch.Sender, error) {
	if err := envelope.ValidateName(name); err != nil {
		return nil, err
	}
	return func(payload any) error { return c.Emit(name, payload) }, nil
}

// Forward returns a handler that re-emits its payload under name.
func (c *Controller) Forward(name string) (registry.Handler, error) {
	send, err := c.Curry(name)
	if err != nil {
		return nil, err
	}
	return func(payload json.RawMessage) error {
		return send(payload)
	}, nil
}

func (c *Controller) Registry() *registry.Registry { return c.reg }

func (c *Controller) Register(name string, h registry.Handler) error {
	return c.reg.Register(name, h)
}

func (c *Controller) RegisterInteraction(elementID, interaction string, h registry.Handler) error {
	return c.reg.RegisterInteraction(elementID, interaction, h)
}

func (c *Controller) Clear(name string) { c.reg.Clear(name) }

func (c *Controller) ClearAll() { c.reg.ClearAll() }

func (c *Controller) Lookup(name string) (registry.Handler, bool) {
	return c.reg.Lookup(name)
}
