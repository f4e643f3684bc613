package host

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/uipipe/dispatch"
	"github.com/guseggert/uipipe/envelope"
	"github.com/guseggert/uipipe/registry"
	"github.com/guseggert/uipipe/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type controllerSide struct {
	conn  *transport.Conn
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
	envs  chan envelope.Envelope
	group *errgroup.Group
}

// attach plays the controller: it listens, attaches a Host and serves the controller's inbound stream.
func attach(t *testing.T) (*Host, *controllerSide) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	mem := transport.NewMemory()
	dir := filepath.Join("sessions", transport.SessionDirPrefix+"abc")
	l, err := mem.Listen(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	var h *Host
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		h, err = Attach(gctx, dir, WithTransport(mem))
		return err
	})
	conn, err := l.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, group.Wait())

	c := &controllerSide{
		conn: conn,
		reg:  registry.New(),
		envs: make(chan envelope.Envelope, 100),
	}
	c.disp = dispatch.New(c.reg, conn.Out, dispatch.WithEnvelopeHook(func(e envelope.Envelope) bool {
		c.envs <- e
		return false
	}))
	c.group = &errgroup.Group{}
	c.group.Go(func() error { return c.disp.Serve(ctx, conn.In) })
	t.Cleanup(func() {
		conn.Close()
		h.Close()
	})
	return h, c
}

func next(t *testing.T, c *controllerSide) envelope.Envelope {
	t.Helper()
	select {
	case e := <-c.envs:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return envelope.Envelope{}
	}
}

func TestAttachSendsReady(t *testing.T) {
	_, c := attach(t)

	e := next(t, c)
	require.Equal(t, envelope.ReadyEvent, e.Event)
	var ready envelope.Ready
	require.NoError(t, e.Unmarshal(&ready))
	assert.Equal(t, "abc", ready.SessionID)
	assert.NotZero(t, ready.PID)
}

func TestHostForwardsAndEmits(t *testing.T) {
	h, c := attach(t)
	assert.Equal(t, envelope.ReadyEvent, next(t, c).Event)

	pong, err := h.Forward("pong")
	require.NoError(t, err)
	require.NoError(t, h.Register("ping", pong))

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(context.Background()) }()

	require.NoError(t, c.disp.Emit("ping", map[string]int{"n": 1}))
	e := next(t, c)
	assert.Equal(t, "pong", e.Event)
	assert.JSONEq(t, `{"n":1}`, string(e.Payload))

	require.NoError(t, h.Emit("status", "ready"))
	e = next(t, c)
	assert.Equal(t, "status", e.Event)
	assert.JSONEq(t, `"ready"`, string(e.Payload))

	// the controller going away ends Serve cleanly
	require.NoError(t, c.conn.Close())
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestForwardInteraction(t *testing.T) {
	h, c := attach(t)
	assert.Equal(t, envelope.ReadyEvent, next(t, c).Event)

	clicked := make(chan string, 1)
	require.NoError(t, c.reg.RegisterInteraction("save-button", "click", registry.Typed(func(p struct{ X int }) error {
		clicked <- "clicked"
		return nil
	})))

	require.NoError(t, h.ForwardInteraction("save-button", "click", map[string]int{"X": 3}))
	e := next(t, c)
	assert.Equal(t, envelope.InteractionEvent("save-button", "click"), e.Event)
	select {
	case <-clicked:
	case <-time.After(5 * time.Second):
		t.Fatal("interaction handler not invoked")
	}

	assert.Error(t, h.ForwardInteraction("", "click", nil))
}

func TestHostRejectsReservedNames(t *testing.T) {
	h, _ := attach(t)
	assert.ErrorIs(t, h.Emit("__ready__", nil), envelope.ErrReservedEventName)
	assert.ErrorIs(t, h.Register("__x", func(json.RawMessage) error { return nil }), envelope.ErrReservedEventName)
}

func TestAttachFailsWithoutListener(t *testing.T) {
	_, err := Attach(context.Background(), "nowhere", WithTransport(transport.NewMemory()))
	assert.ErrorIs(t, err, transport.ErrNoListener)
}
