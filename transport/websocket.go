package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	inet "github.com/guseggert/uipipe/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ReadLimit is the largest single WebSocket message either side accepts.
const ReadLimit = 16 << 20

// WebSocket connects the two sides through two WebSocket routes on a loopback HTTP server.
// The server's base URL is written to the endpoint file in the session directory.
type WebSocket struct {
	log                      *zap.SugaredLogger
	customizeRetryableClient func(*retryablehttp.Client)
}

func NewWebSocket(opts ...Option) *WebSocket {
	o := buildOptions(opts)
	return &WebSocket{log: o.log, customizeRetryableClient: o.customizeRetryableClient}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func (w *WebSocket) httpClient() *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: w.log}
	if w.customizeRetryableClient != nil {
		w.customizeRetryableClient(retryClient)
	}
	return retryClient.StandardClient()
}

func (w *WebSocket) Listen(ctx context.Context, dir string) (Listener, error) {
	tcpListener, err := inet.ListenLoopback()
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		log:      w.log,
		dir:      dir,
		stop:     make(chan struct{}),
		conns:    map[string]chan net.Conn{HostToUI: make(chan net.Conn, 1), UIToHost: make(chan net.Conn, 1)},
		attached: map[string]bool{},
	}

	router := httprouter.New()
	router.GET("/"+HostToUI, l.accept(HostToUI))
	router.GET("/"+UIToHost, l.accept(UIToHost))
	l.server = &http.Server{Handler: router}

	go func() {
		err := l.server.Serve(tcpListener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Debugf("websocket server error: %s", err)
		}
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d", inet.Port(tcpListener))
	if err := writeFileAtomic(filepath.Join(dir, EndpointFile), []byte(url+"\n")); err != nil {
		return nil, multierr.Append(err, l.Close())
	}
	l.endpointWritten = true
	w.log.Debugw("listening", "URL", url, "Dir", dir)
	return l, nil
}

// Dial reads the endpoint file, waiting for it if needed, and connects both routes.
func (w *WebSocket) Dial(ctx context.Context, dir string) (*Conn, error) {
	if err := WaitForFiles(ctx, dir, EndpointFile); err != nil {
		return nil, fmt.Errorf("waiting for endpoint file: %w", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, EndpointFile))
	if err != nil {
		return nil, fmt.Errorf("reading endpoint file: %w", err)
	}
	baseURL := strings.TrimSpace(string(b))
	client := w.httpClient()

	in, err := w.dial(ctx, client, baseURL+"/"+HostToUI, false)
	if err != nil {
		return nil, err
	}
	out, err := w.dial(ctx, client, baseURL+"/"+UIToHost, true)
	if err != nil {
		in.Close()
		return nil, err
	}
	return NewConn(in, out), nil
}

func (w *WebSocket) dial(ctx context.Context, client *http.Client, u string, writeOnly bool) (net.Conn, error) {
	w.log.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	// the stream outlives the dial context, so it is bound to the background and ended by Close
	return netConn(wsConn, writeOnly), nil
}

type wsListener struct {
	log    *zap.SugaredLogger
	dir    string
	server *http.Server
	stop   chan struct{}

	conns map[string]chan net.Conn

	mut             sync.Mutex
	attached        map[string]bool
	endpointWritten bool
	closed          bool
}

// accept serves one route. Each route accepts a single connection, and the handler stays
// open until the stream or the listener is closed.
func (l *wsListener) accept(name string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		l.mut.Lock()
		if l.closed || l.attached[name] {
			l.mut.Unlock()
			http.Error(w, fmt.Sprintf("%s already attached", name), http.StatusConflict)
			return
		}
		l.attached[name] = true
		l.mut.Unlock()

		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			l.log.Debugf("%s WebSocket accept error: %s", name, err)
			return
		}
		done := make(chan struct{})
		nc := &notifyConn{Conn: netConn(wsConn, name == HostToUI), done: done}
		l.conns[name] <- nc
		l.log.Debugw("peer attached", "Stream", name)

		select {
		case <-done:
		case <-l.stop:
		}
	}
}

// Accept waits until the peer has attached both routes.
func (l *wsListener) Accept(ctx context.Context) (*Conn, error) {
	var in, out net.Conn
	for in == nil || out == nil {
		select {
		case <-ctx.Done():
			closeAll(in, out)
			return nil, ctx.Err()
		case <-l.stop:
			closeAll(in, out)
			return nil, ErrListenerClosed
		case c := <-l.conns[HostToUI]:
			out = c
		case c := <-l.conns[UIToHost]:
			in = c
		}
	}
	return NewConn(in, out), nil
}

// Close stops the server and removes the endpoint file. Streams already accepted stay usable.
func (l *wsListener) Close() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.endpointWritten {
		if rerr := os.Remove(filepath.Join(l.dir, EndpointFile)); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierr.Append(err, rerr)
		}
	}
	// Close rather than Shutdown: hijacked connections are not tracked by the server.
	err = multierr.Append(err, l.server.Close())
	close(l.stop)
	for _, ch := range l.conns {
		select {
		case c := <-ch:
			c.Close()
		default:
		}
	}
	return err
}

// netConn wraps a WebSocket as a byte stream. A stream that is only written still needs its
// control frames read, or the close handshake waits for its timeout.
func netConn(c *websocket.Conn, writeOnly bool) net.Conn {
	ctx := context.Background()
	if !writeOnly {
		c.SetReadLimit(ReadLimit)
		return wsStream{websocket.NetConn(ctx, c, websocket.MessageBinary)}
	}
	ctx = c.CloseRead(ctx)
	return &chunkedConn{Conn: wsStream{websocket.NetConn(ctx, c, websocket.MessageBinary)}, max: ReadLimit}
}

// wsStream closes cleanly when the peer already completed the close handshake, which is the
// normal end of a session whichever side closes first.
type wsStream struct {
	net.Conn
}

func (s wsStream) Close() error {
	err := s.Conn.Close()
	if err == nil || closedByPeer(err) {
		return nil
	}
	return err
}

func closedByPeer(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "already wrote close")
}

// chunkedConn splits writes so that no message exceeds the peer's read limit. The reader
// frames values from the byte stream, so message boundaries carry no meaning.
type chunkedConn struct {
	net.Conn
	max int
}

func (c *chunkedConn) Write(b []byte) (int, error) {
	n := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > c.max {
			chunk = chunk[:c.max]
		}
		w, err := c.Conn.Write(chunk)
		n += w
		if err != nil {
			return n, err
		}
		b = b[len(chunk):]
	}
	return n, nil
}

func closeAll(conns ...net.Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}

type notifyConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *notifyConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.Conn.Close()
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %q: %w", tmp, err)
	}
	return nil
}
