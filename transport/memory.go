package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
)

var (
	ErrNoListener    = errors.New("uipipe: no listener for directory")
	ErrAlreadyDialed = errors.New("uipipe: endpoints already dialed")
	ErrAddressInUse  = errors.New("uipipe: directory already has a listener")
)

// Memory connects both sides inside one process using OS pipes, keyed by directory.
// Nothing is created on disk.
type Memory struct {
	mut       sync.Mutex
	listeners map[string]*memoryListener
}

func NewMemory() *Memory {
	return &Memory{listeners: map[string]*memoryListener{}}
}

func (m *Memory) Listen(ctx context.Context, dir string) (Listener, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if _, ok := m.listeners[dir]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAddressInUse, dir)
	}

	hostToUIRead, hostToUIWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	uiToHostRead, uiToHostWrite, err := os.Pipe()
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("creating pipe: %w", err), hostToUIRead.Close(), hostToUIWrite.Close())
	}

	l := &memoryListener{
		mem:    m,
		dir:    dir,
		local:  NewConn(uiToHostRead, hostToUIWrite),
		remote: NewConn(hostToUIRead, uiToHostWrite),
		dialed: make(chan struct{}),
		closed: make(chan struct{}),
	}
	m.listeners[dir] = l
	return l, nil
}

func (m *Memory) Dial(ctx context.Context, dir string) (*Conn, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	l, ok := m.listeners[dir]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoListener, dir)
	}
	if l.wasDialed {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyDialed, dir)
	}
	l.wasDialed = true
	close(l.dialed)
	return l.remote, nil
}

type memoryListener struct {
	mem    *Memory
	dir    string
	local  *Conn
	remote *Conn

	// guarded by mem.mut
	wasDialed bool
	accepted  bool
	isClosed  bool

	dialed chan struct{}
	closed chan struct{}
}

// Accept waits for the peer to dial.
func (l *memoryListener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-l.dialed:
	}
	l.mem.mut.Lock()
	defer l.mem.mut.Unlock()
	if l.isClosed {
		return nil, ErrListenerClosed
	}
	l.accepted = true
	return l.local, nil
}

// Close unregisters the directory. Pipe ends nobody took ownership of are closed.
func (l *memoryListener) Close() error {
	l.mem.mut.Lock()
	defer l.mem.mut.Unlock()
	if l.isClosed {
		return nil
	}
	l.isClosed = true
	close(l.closed)
	delete(l.mem.listeners, l.dir)

	var err error
	if !l.accepted {
		err = multierr.Append(err, l.local.Close())
	}
	if !l.wasDialed {
		err = multierr.Append(err, l.remote.Close())
	}
	return err
}
