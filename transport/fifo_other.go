//go:build !unix

package transport

import (
	"context"
	"errors"
)

var errFIFOUnsupported = errors.New("uipipe: fifo transport requires a unix system")

type FIFO struct{}

func NewFIFO(opts ...Option) *FIFO { return &FIFO{} }

func (f *FIFO) Listen(ctx context.Context, dir string) (Listener, error) {
	return nil, errFIFOUnsupported
}

func (f *FIFO) Dial(ctx context.Context, dir string) (*Conn, error) {
	return nil, errFIFOUnsupported
}
