package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/chunkrecv/internal/quictransport"
	"github.com/sheerbytes/chunkrecv/internal/wsconn"
	"github.com/sheerbytes/chunkrecv/pkg/protocol"
)

// Transport names accepted by Dial.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

const (
	dialTimeout  = 10 * time.Second
	drainTimeout = 10 * time.Second
	writeBuffer  = 256 * 1024
)

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrEmptyFile        = errors.New("empty file")
	ErrTooManyChunks    = errors.New("file needs more chunks than the protocol allows")
)

// Client is one connection to a chunkrecv server. Requests are written
// back to back without waiting for the server; only Begin reads a reply.
// A Client is not safe for concurrent use.
type Client struct {
	conn      io.ReadWriteCloser
	w         *bufio.Writer
	transport string
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr over the named transport. For "ws", addr is either
// a full ws:// or wss:// URL or host:port of the server's HTTP listener.
func Dial(ctx context.Context, transport, addr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var conn io.ReadWriteCloser
	switch transport {
	case TransportTCP, "":
		transport = TransportTCP
		d := net.Dialer{Timeout: dialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
		}
		conn = c
	case TransportQUIC:
		st, err := quictransport.Dial(ctx, addr, logger)
		if err != nil {
			return nil, err
		}
		conn = st
	case TransportWS:
		c, err := wsconn.Dial(ctx, websocketURL(addr), logger)
		if err != nil {
			return nil, fmt.Errorf("dial ws %s: %w", addr, err)
		}
		conn = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}

	logger.Debug("connected", "transport", transport, "addr", addr)
	return &Client{
		conn:      conn,
		w:         bufio.NewWriterSize(conn, writeBuffer),
		transport: transport,
		logger:    logger,
	}, nil
}

func websocketURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "ws://" + addr + "/upload"
}

// Transport returns the transport name the client dialed with.
func (c *Client) Transport() string {
	return c.transport
}

// Begin registers a new upload and returns the identifier the server
// generated for it.
func (c *Client) Begin(req protocol.NewUpload) (string, error) {
	if err := protocol.Encode(c.w, req); err != nil {
		return "", fmt.Errorf("send new upload: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return "", fmt.Errorf("send new upload: %w", err)
	}
	id, err := protocol.ReadUploadID(c.conn)
	if err != nil {
		return "", fmt.Errorf("read upload id: %w", err)
	}
	c.logger.Debug("upload registered", "upload_id", id, "file_name", req.FileName)
	return id, nil
}

// SendChunk queues one chunk. payload must be exactly the upload's chunk
// length. Data may stay buffered until the next Begin, Flush or Close.
func (c *Client) SendChunk(uploadID string, index uint32, payload []byte) error {
	if err := protocol.Encode(c.w, protocol.ChunkContinuation{UploadID: uploadID, ChunkIndex: index}); err != nil {
		return fmt.Errorf("send chunk %d header: %w", index, err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("send chunk %d payload: %w", index, err)
	}
	return nil
}

// Flush writes any buffered requests to the connection.
func (c *Client) Flush() error {
	return c.w.Flush()
}

// Close flushes buffered requests, ends the client's side of the
// connection and waits up to drainTimeout for the server to close its side.
// The server closes cleanly only after it has processed every request; a
// failed request makes it reset the connection instead, which Close
// returns as an error, as it does when the server does not close in time.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		flushErr := c.w.Flush()

		var err error
		switch conn := c.conn.(type) {
		case *net.TCPConn:
			err = closeTCP(conn)
		default:
			// QUIC streams and websocket conns drain inside Close.
			err = conn.Close()
		}
		c.closeErr = errors.Join(flushErr, err)
	})
	return c.closeErr
}

func closeTCP(conn *net.TCPConn) error {
	if err := conn.CloseWrite(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("close write: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	_, drainErr := io.Copy(io.Discard, conn)
	err := conn.Close()
	if drainErr != nil && !errors.Is(drainErr, net.ErrClosed) {
		return fmt.Errorf("wait for server close: %w", drainErr)
	}
	return err
}

// abort closes the connection without draining.
func (c *Client) abort() {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
}
