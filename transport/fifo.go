//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FIFO connects the two sides through a pair of named pipes in the session directory.
type FIFO struct {
	log *zap.SugaredLogger
}

func NewFIFO(opts ...Option) *FIFO {
	return &FIFO{log: buildOptions(opts).log}
}

func (f *FIFO) Listen(ctx context.Context, dir string) (Listener, error) {
	l := &fifoListener{log: f.log, dir: dir}
	for _, name := range []string{HostToUI, UIToHost} {
		path := filepath.Join(dir, name)
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return nil, multierr.Append(fmt.Errorf("creating fifo %q: %w", path, err), l.Close())
		}
		l.created = append(l.created, path)
	}
	f.log.Debugw("created fifos", "Dir", dir)
	return l, nil
}

// Dial opens host_to_ui for reading and ui_to_host for writing. Each open blocks until
// the listening side has accepted.
func (f *FIFO) Dial(ctx context.Context, dir string) (*Conn, error) {
	if err := WaitForFiles(ctx, dir, HostToUI, UIToHost); err != nil {
		return nil, fmt.Errorf("waiting for fifos: %w", err)
	}
	in, err := os.OpenFile(filepath.Join(dir, HostToUI), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", HostToUI, err)
	}
	out, err := os.OpenFile(filepath.Join(dir, UIToHost), os.O_WRONLY, 0)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("opening %s: %w", UIToHost, err)
	}
	f.log.Debugw("dialed fifos", "Dir", dir)
	return NewConn(in, out), nil
}

type fifoListener struct {
	log     *zap.SugaredLogger
	dir     string
	created []string

	mut    sync.Mutex
	closed bool
}

// Accept opens both pipes read-write, which never blocks on the peer. Because the controller
// then holds a writer on its own inbound pipe, it does not see EOF when the peer goes away;
// peer exit has to be observed through the process.
func (l *fifoListener) Accept(ctx context.Context) (*Conn, error) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.closed {
		return nil, ErrListenerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := os.OpenFile(filepath.Join(l.dir, HostToUI), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", HostToUI, err)
	}
	in, err := os.OpenFile(filepath.Join(l.dir, UIToHost), os.O_RDWR, 0)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("opening %s: %w", UIToHost, err)
	}
	return NewConn(in, out), nil
}

func (l *fifoListener) Close() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	for _, path := range l.created {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}
