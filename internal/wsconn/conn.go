package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	// DrainTimeout bounds how long Close waits for the peer's close frame.
	DrainTimeout = 10 * time.Second
)

var _ io.ReadWriteCloser = (*Conn)(nil)

// Conn carries a byte stream over a WebSocket: every Write is sent as one
// binary message and Read returns message payloads back to back, ignoring
// message boundaries. A normal close frame from the peer reads as io.EOF.
type Conn struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	client  bool
	reader  io.Reader
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
	ReadBufferSize:   64 * 1024,
	WriteBufferSize:  64 * 1024,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Dial establishes a WebSocket connection to wsURL.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	logger.Debug("websocket connected", "url", u.Redacted())
	return &Conn{conn: conn, logger: logger, client: true}, nil
}

// Handler upgrades every request and passes the resulting Conn to handle.
// The connection is closed when handle returns.
func Handler(logger *slog.Logger, handle func(ctx context.Context, c *Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		c := &Conn{conn: ws, logger: logger}
		defer c.Close()
		handle(r.Context(), c)
	})
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close sends a normal close frame. The dialing side then waits up to
// DrainTimeout for the peer's close frame so that every message it sent is
// read before the socket goes away; a peer close with any code other than
// normal or going-away is returned as an error.
func (c *Conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// Abort closes the connection with an internal-error close frame, so the
// peer sees a failure instead of a normal closure.
func (c *Conn) Abort() error {
	return c.closeWith(websocket.CloseInternalServerErr, "request failed")
}

func (c *Conn) closeWith(code int, text string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, text)
		err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.writeMu.Unlock()

		// ErrCloseSent means the peer's close frame was already read and
		// answered; awaitPeerClose reports its code again.
		if c.client && (err == nil || errors.Is(err, websocket.ErrCloseSent)) {
			err = c.awaitPeerClose()
		}

		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// awaitPeerClose discards incoming messages until the peer's close frame.
func (c *Conn) awaitPeerClose() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(DrainTimeout))
	for {
		_, _, err := c.conn.NextReader()
		if err == nil {
			continue
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return fmt.Errorf("wait for peer close: %w", err)
	}
}
