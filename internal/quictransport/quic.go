package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/chunkrecv/internal/transport"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for chunk uploads over QUIC.
	ALPNProtocol = "chunkrecv-v1"

	// DrainTimeout bounds how long a dialed stream waits for the peer on Close.
	DrainTimeout = 10 * time.Second

	// AbortCode resets a stream whose requests failed.
	AbortCode quic.StreamErrorCode = 1
)

// ServerConfig returns a TLS configuration for the QUIC listener.
// The certificate is self-signed and regenerated on every call.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration for QUIC clients.
// Server certificates are not verified.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultServerQUICConfig returns the default QUIC server config.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 2 * time.Minute,
		MaxIncomingStreams:             100,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the default QUIC client config.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 2 * time.Minute,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"chunkrecv"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Listener accepts QUIC connections and hands out each incoming
// bidirectional stream as an independent Stream.
type Listener struct {
	ln     *quic.Listener
	udp    *net.UDPConn
	logger *slog.Logger
}

// Listen starts a QUIC listener on addr using a fresh self-signed certificate.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	return ListenWithConfig(addr, logger, nil, 0)
}

// ListenWithConfig starts a QUIC listener on addr using a custom config and
// asks for udpBuffer bytes of socket buffer (0 keeps the minimum).
func ListenWithConfig(addr string, logger *slog.Logger, config *quic.Config, udpBuffer int) (*Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultServerQUICConfig()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("UDP listen failed", "error", err, "addr", addr)
		return nil, err
	}
	tune := transport.ApplyUDPBuffers(udpConn, udpBuffer, udpBuffer)
	if tune.Status != transport.StatusOK {
		logger.Warn("UDP buffer tuning incomplete", "status", tune.Status, "error", tune.Err)
	}

	ln, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		_ = udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}

	logger.Info("QUIC listener created",
		"local_addr", ln.Addr(),
		"udp_buffer", transport.FormatBytes(int64(tune.RequestedR)),
		"max_streams", config.MaxIncomingStreams,
	)
	return &Listener{ln: ln, udp: udpConn, logger: logger}, nil
}

// Addr returns the listener's local UDP address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting connections and releases the UDP socket.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if uerr := l.udp.Close(); err == nil && !errors.Is(uerr, net.ErrClosed) {
		err = uerr
	}
	return err
}

// Serve accepts connections until ctx is done or the listener is closed and
// calls handle on its own goroutine for every accepted stream. It returns
// once all handlers have returned.
func (l *Listener) Serve(ctx context.Context, handle func(ctx context.Context, s *Stream)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept QUIC connection: %w", err)
		}

		l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.serveConn(ctx, conn, handle)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn, handle func(ctx context.Context, s *Stream)) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		_ = conn.CloseWithError(0, "")
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			l.logger.Debug("QUIC connection closed", "remote_addr", conn.RemoteAddr(), "reason", err)
			return
		}

		l.logger.Debug("QUIC stream accepted", "remote_addr", conn.RemoteAddr(), "stream_id", stream.StreamID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &Stream{stream: stream, remote: conn.RemoteAddr()}
			defer s.Close()
			handle(ctx, s)
		}()
	}
}

// Dial connects to addr and opens a single bidirectional stream. Closing the
// returned Stream also closes the underlying connection.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Stream, error) {
	return DialWithConfig(ctx, addr, logger, nil)
}

// DialWithConfig is Dial with a custom QUIC config.
func DialWithConfig(ctx context.Context, addr string, logger *slog.Logger, config *quic.Config) (*Stream, error) {
	if config == nil {
		config = DefaultClientQUICConfig()
	}

	logger.Debug("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), config)
	if err != nil {
		return nil, fmt.Errorf("dial QUIC %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open_stream_failed")
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}

	logger.Debug("QUIC stream opened", "remote_addr", addr, "stream_id", stream.StreamID())
	return &Stream{stream: stream, conn: conn, remote: conn.RemoteAddr()}, nil
}

var _ io.ReadWriteCloser = (*Stream)(nil)

// Stream is a bidirectional QUIC stream used as a byte pipe.
type Stream struct {
	mu     sync.Mutex
	stream *quic.Stream
	conn   *quic.Conn // set when the stream owns its connection
	remote net.Addr
	closed bool
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// SetReadDeadline sets the read deadline on the stream.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

// RemoteAddr returns the peer's address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.remote
}

// Close closes the send side of the stream. A dialed stream then waits up to
// DrainTimeout for the peer to finish its side before closing the
// connection, so data still in flight is delivered. A reset from the peer,
// or no end of stream within DrainTimeout, is returned as an error.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.stream.Close()
	if s.conn == nil {
		s.stream.CancelRead(0)
	} else {
		_ = s.stream.SetReadDeadline(time.Now().Add(DrainTimeout))
		if _, derr := io.Copy(io.Discard, s.stream); derr != nil && err == nil {
			err = fmt.Errorf("wait for peer: %w", derr)
		}
		if cerr := s.conn.CloseWithError(0, ""); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("close QUIC stream: %w", err)
	}
	return nil
}

// Abort resets both directions of the stream with AbortCode, so the peer
// reads an error instead of a clean end of stream. A dialed stream also
// closes its connection.
func (s *Stream) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.stream.CancelWrite(AbortCode)
	s.stream.CancelRead(AbortCode)
	if s.conn != nil {
		return s.conn.CloseWithError(quic.ApplicationErrorCode(AbortCode), "aborted")
	}
	return nil
}
