// Package framer recovers message boundaries from a stream of concatenated JSON values.
// No length prefix or delimiter is required: a value ends where its JSON structure is complete.
package framer

import (
	"fmt"

	"go.uber.org/zap"
)

// FramingError reports buffered bytes that could not be resolved into a value.
// The buffer is discarded and framing resumes with the next chunk.
type FramingError struct {
	// Offset is where scanning failed, relative to the start of the discarded data.
	Offset int
	// Discarded is the number of bytes dropped.
	Discarded int
	// Reason is a short description of the failure.
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error at offset %d (%d bytes discarded): %s", e.Offset, e.Discarded, e.Reason)
}

// Framer turns arbitrarily chunked bytes from one stream into complete JSON values.
// A value split across chunks is scanned once: the scan resumes where the previous chunk ended.
// A Framer is owned by the single goroutine that reads its stream and is not safe for concurrent use.
type Framer struct {
	log       *zap.SugaredLogger
	maxBuffer int
	buf       []byte
	sc        scanner
	// scanned is how many bytes of buf the scanner has consumed; zero between values.
	scanned int
}

type Option func(f *Framer)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(f *Framer) {
		f.log = l.Named("framer")
	}
}

// WithMaxBuffer limits how many bytes of an incomplete value may be buffered.
// Zero means no limit.
func WithMaxBuffer(n int) Option {
	return func(f *Framer) {
		f.maxBuffer = n
	}
}

func New(opts ...Option) *Framer {
	f := &Framer{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Buffered returns the number of bytes held waiting for the rest of a value.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any buffered bytes.
func (f *Framer) Reset() {
	f.buf = nil
	f.restart()
}

func (f *Framer) restart() {
	f.sc.reset()
	f.scanned = 0
}

// Feed appends chunk to the buffer and returns every value that is now complete, in order.
// Each returned slice is a copy owned by the caller.
//
// If the buffer holds bytes that can never form a value, the values found before them are
// returned along with a *FramingError, and the rest of the buffer is discarded.
func (f *Framer) Feed(chunk []byte) ([][]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	f.buf = append(f.buf, chunk...)

	var out [][]byte
	start := 0
	for {
		if f.scanned == 0 {
			for start < len(f.buf) && isSpace(f.buf[start]) {
				start++
			}
			if start == len(f.buf) {
				f.buf = f.buf[:0]
				return out, nil
			}
		}

		pending := f.buf[start:]
		n, status := f.sc.scan(pending, f.scanned)
		switch status {
		case Complete:
			v := make([]byte, n)
			copy(v, pending[:n])
			out = append(out, v)
			start += n
			f.restart()
		case Incomplete:
			f.scanned = len(pending)
			f.compact(start)
			if f.maxBuffer > 0 && len(f.buf) > f.maxBuffer {
				err := &FramingError{Offset: len(f.buf), Discarded: len(f.buf), Reason: fmt.Sprintf("incomplete value exceeds %d bytes", f.maxBuffer)}
				f.log.Debugw("discarding oversized buffer", "Bytes", len(f.buf))
				f.Reset()
				return out, err
			}
			f.log.Debugf("waiting for more bytes, %d buffered", len(f.buf))
			return out, nil
		default:
			discarded := len(pending)
			err := &FramingError{Offset: n, Discarded: discarded, Reason: fmt.Sprintf("unexpected byte %q", pending[n])}
			f.log.Debugw("discarding unframeable buffer", "Offset", n, "Bytes", discarded)
			f.Reset()
			return out, err
		}
	}
}

// compact drops the first n bytes of the buffer, keeping the remainder at the front
// so the backing array is reused.
func (f *Framer) compact(n int) {
	if n == 0 {
		return
	}
	rest := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}
