package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/uipipe/config"
	"github.com/guseggert/uipipe/envelope"
	"github.com/guseggert/uipipe/host"
	"github.com/guseggert/uipipe/transport"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	cfg := config.Default()
	cfg.HostExecutable = exe
	cfg.Transport = transport.KindMemory
	cfg.SessionRoot = t.TempDir()
	cfg.StopTimeout = config.Duration(5 * time.Second)
	return cfg
}

// fakePeer is a UI host running on a goroutine.
type fakePeer struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newFakePeer() (*fakePeer, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakePeer{cancel: cancel, done: make(chan struct{})}, ctx
}

func (p *fakePeer) exit(err error) {
	p.err = err
	close(p.done)
}

func (p *fakePeer) Wait() error {
	<-p.done
	return p.err
}

func (p *fakePeer) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return nil
}

func (p *fakePeer) PID() int { return os.Getpid() }

// hostLauncher runs a host.Host over mem. setup runs after attaching and before serving.
type hostLauncher struct {
	mem   *transport.Memory
	setup func(h *host.Host) error

	mut      sync.Mutex
	launches int
}

func (l *hostLauncher) Launch(_ context.Context, req LaunchRequest) (Peer, error) {
	l.mut.Lock()
	l.launches++
	l.mut.Unlock()

	p, ctx := newFakePeer()
	go func() {
		h, err := host.Attach(ctx, req.SessionDir, host.WithTransport(l.mem))
		if err != nil {
			p.exit(err)
			return
		}
		defer h.Close()
		if l.setup != nil {
			if err := l.setup(h); err != nil {
				p.exit(err)
				return
			}
		}
		err = h.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		p.exit(err)
	}()
	return p, nil
}

func (l *hostLauncher) count() int {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.launches
}

// rawLauncher attaches with the bare transport and writes chunk, which should include the
// ready envelope, in a single write.
func rawLauncher(mem *transport.Memory, chunk func(req LaunchRequest) []byte) Launcher {
	return LauncherFunc(func(_ context.Context, req LaunchRequest) (Peer, error) {
		p, ctx := newFakePeer()
		go func() {
			conn, err := mem.Dial(ctx, req.SessionDir)
			if err != nil {
				p.exit(err)
				return
			}
			defer conn.Close()
			if _, err := conn.Out.Write(chunk(req)); err != nil {
				p.exit(err)
				return
			}
			<-ctx.Done()
			p.exit(nil)
		}()
		return p, nil
	})
}

func readyBytes(req LaunchRequest) []byte {
	b, err := envelope.Encode(envelope.ReadyEvent, envelope.Ready{SessionID: transport.SessionID(req.SessionDir), PID: 1})
	if err != nil {
		panic(err)
	}
	return b
}

// silentLauncher starts a peer that never attaches. launched receives each session dir.
func silentLauncher(launched chan<- string) Launcher {
	return LauncherFunc(func(_ context.Context, req LaunchRequest) (Peer, error) {
		p, ctx := newFakePeer()
		go func() {
			<-ctx.Done()
			p.exit(nil)
		}()
		if launched != nil {
			launched <- req.SessionDir
		}
		return p, nil
	})
}
