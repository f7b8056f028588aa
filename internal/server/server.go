package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sheerbytes/chunkrecv/internal/metrics"
	"github.com/sheerbytes/chunkrecv/internal/quictransport"
	"github.com/sheerbytes/chunkrecv/internal/transport"
	"github.com/sheerbytes/chunkrecv/internal/upload"
	"github.com/sheerbytes/chunkrecv/internal/wsconn"
	"github.com/sheerbytes/chunkrecv/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 5 * time.Second
	limiterIdle     = 10 * time.Minute
)

// Options configures a Server. Empty QUICAddr or HTTPAddr disables that listener.
type Options struct {
	Addr     string
	QUICAddr string
	HTTPAddr string

	ReadTimeout    time.Duration
	SweepInterval  time.Duration
	AcceptRate     float64
	AcceptBurst    int
	MaxConnections int

	TCPReadBuffer    int
	TCPKeepAlive     time.Duration
	UDPBuffer        int
	QUICStreamWindow int
	QUICMaxStreams   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts connections on every configured transport and runs a
// Pipeline for each one. All transports share one upload.Manager, so an
// upload begun on one connection can be continued on any other.
type Server struct {
	uploads  *upload.Manager
	pipeline *Pipeline
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	perIP    *ipLimiter
	slots    *connLimiter

	tcpLn   net.Listener
	quicLn  *quictransport.Listener
	httpLn  net.Listener
	httpSrv *http.Server

	conns sync.WaitGroup
}

// New creates a Server. Call Listen to bind, or Run to bind and serve.
func New(uploads *upload.Manager, opts Options) *Server {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(uploads.Active)
	}
	return &Server{
		uploads:  uploads,
		pipeline: NewPipeline(uploads, opts.ReadTimeout),
		opts:     opts,
		logger:   logger,
		metrics:  m,
		perIP:    newIPLimiter(opts.AcceptRate, opts.AcceptBurst),
		slots:    newConnLimiter(opts.MaxConnections),
	}
}

// Listen binds every configured listener. It is idempotent.
func (s *Server) Listen() error {
	if s.tcpLn != nil {
		return nil
	}

	tcpLn, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.opts.Addr, err)
	}

	var quicLn *quictransport.Listener
	if s.opts.QUICAddr != "" {
		cfg, tune := transport.BuildQUICConfig(quictransport.DefaultServerQUICConfig(), s.opts.QUICStreamWindow, s.opts.QUICMaxStreams)
		s.logger.Debug("QUIC flow control", "stream_window", transport.FormatBytes(int64(tune.StreamWin)), "conn_window", transport.FormatBytes(int64(tune.ConnWin)), "max_streams", tune.MaxStreams)
		quicLn, err = quictransport.ListenWithConfig(s.opts.QUICAddr, s.logger, cfg, s.opts.UDPBuffer)
		if err != nil {
			_ = tcpLn.Close()
			return fmt.Errorf("listen quic %s: %w", s.opts.QUICAddr, err)
		}
	}

	var httpLn net.Listener
	if s.opts.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			_ = tcpLn.Close()
			if quicLn != nil {
				_ = quicLn.Close()
			}
			return fmt.Errorf("listen http %s: %w", s.opts.HTTPAddr, err)
		}
	}

	s.tcpLn, s.quicLn, s.httpLn = tcpLn, quicLn, httpLn
	return nil
}

// Addr returns the bound TCP address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// QUICAddr returns the bound QUIC address, or nil when QUIC is disabled.
func (s *Server) QUICAddr() net.Addr {
	if s.quicLn == nil {
		return nil
	}
	return s.quicLn.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Run serves until ctx is canceled or a listener fails. On return every
// listener is closed, every connection has finished and the remaining
// unfinished uploads have been evicted.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	s.logger.Info("listening", "transport", "tcp", "addr", s.tcpLn.Addr())
	g.Go(func() error { return s.acceptTCP(gctx) })

	if s.quicLn != nil {
		s.logger.Info("listening", "transport", "quic", "addr", s.quicLn.Addr())
		g.Go(func() error {
			return s.quicLn.Serve(gctx, func(ctx context.Context, st *quictransport.Stream) {
				s.handle(ctx, "quic", st, st.RemoteAddr())
			})
		})
	}

	if s.httpLn != nil {
		s.httpSrv = &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		s.logger.Info("listening", "transport", "http", "addr", s.httpLn.Addr())
		g.Go(func() error {
			if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if n := s.uploads.Sweep(now); n > 0 {
					s.logger.Info("swept idle uploads", "evicted", n, "active", s.uploads.Active())
				}
				s.perIP.Prune(now, limiterIdle)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})

	err := g.Wait()
	s.conns.Wait()
	if n := s.uploads.Close(); n > 0 {
		s.logger.Info("discarded unfinished uploads", "count", n)
	}
	s.logger.Info("server stopped")
	return err
}

func (s *Server) closeListeners() {
	_ = s.tcpLn.Close()
	if s.quicLn != nil {
		_ = s.quicLn.Close()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
}

func (s *Server) acceptTCP(ctx context.Context) error {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept tcp: %w", err)
		}

		if tune := transport.ApplyTCPTuning(conn, s.opts.TCPReadBuffer, s.opts.TCPKeepAlive); tune.Status != transport.StatusOK {
			s.logger.Debug("tcp tuning incomplete", "remote", conn.RemoteAddr(), "status", tune.Status, "error", tune.Err)
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			s.handle(ctx, "tcp", conn, conn.RemoteAddr())
		}()
	}
}

// handle admits one connection and runs its pipeline. The caller closes conn.
func (s *Server) handle(ctx context.Context, kind string, conn io.ReadWriteCloser, remote net.Addr) {
	logger := s.logger.With("remote", remote.String(), "transport", kind)

	if !s.perIP.Allow(hostOf(remote)) {
		s.metrics.ConnectionDenied()
		logger.Warn("connection rejected", "reason", "rate_limited")
		return
	}
	if !s.slots.Acquire() {
		s.metrics.ConnectionDenied()
		logger.Warn("connection rejected", "reason", "too_many_connections")
		return
	}
	defer s.slots.Release()

	// Unblock pending reads on shutdown. Unfinished uploads are discarded
	// then, so the peer must not mistake the close for success.
	stop := context.AfterFunc(ctx, func() { _ = abort(conn) })
	defer stop()

	s.metrics.ConnectionOpened(kind)
	logger.Debug("connection opened")
	start := time.Now()

	stats, err := s.pipeline.Serve(ctx, conn, logger)

	attrs := []any{
		"requests", stats.Requests,
		"uploads", stats.Uploads,
		"chunks", stats.Chunks,
		"bytes", transport.FormatBytes(stats.Bytes),
		"duration", time.Since(start).Round(time.Millisecond),
	}
	switch {
	case err == nil:
		s.metrics.ConnectionClosed(kind, "")
		logger.Debug("connection closed", attrs...)
	case ctx.Err() != nil:
		s.metrics.ConnectionClosed(kind, "")
		logger.Debug("connection closed for shutdown", attrs...)
	default:
		errKind := protocol.Kind(err)
		_ = abort(conn)
		s.metrics.ConnectionClosed(kind, errKind)
		logger.Warn("connection closed on error", append(attrs, "kind", errKind, "error", err)...)
	}
}

// aborter is implemented by transports that can tear a connection down with
// an error the peer can observe.
type aborter interface {
	Abort() error
}

// abort closes conn so the peer reads an error rather than a clean end of
// stream. A peer that half-closed and waits for the server's close relies on
// this to tell a failed request from a handled one.
func abort(conn io.Closer) error {
	switch c := conn.(type) {
	case *net.TCPConn:
		// Zero linger turns Close into a reset.
		_ = c.SetLinger(0)
		return c.Close()
	case aborter:
		return c.Abort()
	default:
		return conn.Close()
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	upgrade := wsconn.Handler(s.logger, func(ctx context.Context, c *wsconn.Conn) {
		s.handle(ctx, "ws", c, c.RemoteAddr())
	})
	// Hijacked connections are invisible to http.Server.Shutdown; count them
	// before the upgrade so Run waits for them.
	mux.Handle("/upload", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.conns.Add(1)
		defer s.conns.Done()
		upgrade.ServeHTTP(w, r)
	}))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		OK            bool `json:"ok"`
		ActiveUploads int  `json:"active_uploads"`
	}{OK: true, ActiveUploads: s.uploads.Active()})
}
