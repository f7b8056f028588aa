package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/chunkrecv/internal/logging"
	"github.com/sheerbytes/chunkrecv/internal/metrics"
	"github.com/sheerbytes/chunkrecv/internal/quictransport"
	"github.com/sheerbytes/chunkrecv/internal/transfer"
	"github.com/sheerbytes/chunkrecv/internal/upload"
	"github.com/sheerbytes/chunkrecv/internal/wsconn"
	"github.com/sheerbytes/chunkrecv/pkg/protocol"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv     *Server
	uploads *upload.Manager
	dir     string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan error
}

func startServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()

	dir := t.TempDir()
	var mgr *upload.Manager
	met := metrics.New(func() int { return mgr.Active() })
	mgr = upload.NewManager(transfer.NewReassembler(dir, nil), upload.Options{Observer: met})

	opts := Options{
		Addr:          "127.0.0.1:0",
		HTTPAddr:      "127.0.0.1:0",
		ReadTimeout:   5 * time.Second,
		SweepInterval: time.Hour,
		Logger:        logging.Discard(),
		Metrics:       met,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv := New(mgr, opts)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{srv: srv, uploads: mgr, dir: dir, cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- srv.Run(ctx) }()

	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func (ts *testServer) stop(t *testing.T) {
	ts.stopOnce.Do(func() {
		ts.cancel()
		select {
		case err := <-ts.done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.srv.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) path(id, name string) string {
	return filepath.Join(ts.dir, id+"_"+name)
}

func (ts *testServer) requireFile(t *testing.T, path string, want []byte) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := os.ReadFile(path)
		return err == nil && bytes.Equal(got, want)
	}, 5*time.Second, 10*time.Millisecond, "file %s never matched", path)
}

func begin(conn io.ReadWriter, chunkLength, chunkCount uint32, name string) (string, error) {
	req := protocol.NewUpload{ChunkLength: chunkLength, ChunkCount: chunkCount, FileName: name}
	if err := protocol.Encode(conn, req); err != nil {
		return "", err
	}
	return protocol.ReadUploadID(conn)
}

func sendChunk(conn io.Writer, id string, index uint32, payload []byte) error {
	if err := protocol.Encode(conn, protocol.ChunkContinuation{UploadID: id, ChunkIndex: index}); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// requireClosedByServer waits for the server to drop conn.
func requireClosedByServer(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "server kept the connection open")
	}
}

func TestServer_EndToEnd(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.dial(t)

	id, err := begin(conn, 4, 2, "a.txt")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, sendChunk(conn, id, 0, []byte("ABCD")))
	require.NoError(t, sendChunk(conn, id, 1, []byte("WXYZ")))

	ts.requireFile(t, ts.path(id, "a.txt"), []byte("ABCDWXYZ"))
	require.Eventually(t, func() bool { return ts.uploads.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, upload.NoSuchUpload, ts.uploads.Phase(id))
}

func TestServer_UnknownUpload(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.dial(t)

	require.NoError(t, sendChunk(conn, "never-issued", 0, []byte("ABCD")))
	requireClosedByServer(t, conn)

	entries, err := os.ReadDir(ts.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestServer_MalformedHeaderClosesOnlyThatConnection(t *testing.T) {
	ts := startServer(t, nil)

	good := ts.dial(t)
	id, err := begin(good, 2, 2, "ok.bin")
	require.NoError(t, err)

	bad := ts.dial(t)
	_, err = bad.Write([]byte{0xE0})
	require.NoError(t, err)
	requireClosedByServer(t, bad)

	require.NoError(t, sendChunk(good, id, 0, []byte("hi")))
	require.NoError(t, sendChunk(good, id, 1, []byte("!!")))
	ts.requireFile(t, ts.path(id, "ok.bin"), []byte("hi!!"))
}

func TestServer_FailedChunkResetsConnection(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.dial(t)

	id, err := begin(conn, 4, 1, "lost.txt")
	require.NoError(t, err)

	// The payload is read in full before the write fails.
	require.NoError(t, os.RemoveAll(ts.dir))
	require.NoError(t, sendChunk(conn, id, 0, []byte("ABCD")))
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.Copy(io.Discard, conn)
	require.Error(t, err, "a failed request must not end in a clean close")
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "server kept the connection open")
	}
}

func TestServer_FailedChunkAbortsWebSocket(t *testing.T) {
	ts := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := wsconn.Dial(ctx, "ws://"+ts.srv.HTTPAddr().String()+"/upload", logging.Discard())
	require.NoError(t, err)

	id, err := begin(ws, 4, 1, "lost.txt")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(ts.dir))
	require.NoError(t, sendChunk(ws, id, 0, []byte("ABCD")))

	require.Error(t, ws.Close())
}

func TestServer_FailedChunkResetsQUICStream(t *testing.T) {
	ts := startServer(t, func(o *Options) {
		o.QUICAddr = "127.0.0.1:0"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := quictransport.Dial(ctx, ts.srv.QUICAddr().String(), logging.Discard())
	require.NoError(t, err)

	id, err := begin(st, 4, 1, "lost.txt")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(ts.dir))
	require.NoError(t, sendChunk(st, id, 0, []byte("ABCD")))

	require.Error(t, st.Close())
}

func TestServer_ResumeAcrossConnections(t *testing.T) {
	ts := startServer(t, nil)

	first := ts.dial(t)
	id, err := begin(first, 3, 3, "resume.txt")
	require.NoError(t, err)
	require.NoError(t, sendChunk(first, id, 2, []byte("ghi")))
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		st, ok := ts.uploads.Lookup(id)
		return ok && st.Received.Count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	second := ts.dial(t)
	require.NoError(t, sendChunk(second, id, 0, []byte("abc")))
	require.NoError(t, sendChunk(second, id, 0, []byte("abc")))
	require.NoError(t, sendChunk(second, id, 1, []byte("def")))

	ts.requireFile(t, ts.path(id, "resume.txt"), []byte("abcdefghi"))
}

func TestServer_ConcurrentUploads(t *testing.T) {
	ts := startServer(t, nil)

	const uploads = 6
	const chunks = 8
	const chunkLen = 16

	type result struct {
		id   string
		want []byte
		err  error
	}
	results := make([]result, uploads)

	var wg sync.WaitGroup
	for u := 0; u < uploads; u++ {
		conn := ts.dial(t)
		wg.Add(1)
		go func(u int, conn net.Conn) {
			defer wg.Done()
			want := bytes.Repeat([]byte{byte('a' + u)}, chunkLen*chunks)
			for i := range want {
				want[i] += byte(i / chunkLen)
			}
			id, err := begin(conn, chunkLen, chunks, fmt.Sprintf("f%d.bin", u))
			if err != nil {
				results[u].err = err
				return
			}
			// Reverse order exercises offset-addressed writes.
			for i := chunks - 1; i >= 0; i-- {
				if err := sendChunk(conn, id, uint32(i), want[i*chunkLen:(i+1)*chunkLen]); err != nil {
					results[u].err = err
					return
				}
			}
			results[u] = result{id: id, want: want}
		}(u, conn)
	}
	wg.Wait()

	for u, r := range results {
		require.NoError(t, r.err, "upload %d", u)
		ts.requireFile(t, ts.path(r.id, fmt.Sprintf("f%d.bin", u)), r.want)
	}
	require.Eventually(t, func() bool { return ts.uploads.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.dial(t)
	_, err := begin(conn, 8, 4, "pending.bin")
	require.NoError(t, err)

	base := "http://" + ts.srv.HTTPAddr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		OK            bool `json:"ok"`
		ActiveUploads int  `json:"active_uploads"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.True(t, health.OK)
	require.Equal(t, 1, health.ActiveUploads)

	post, err := http.Post(base+"/health", "text/plain", nil)
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)

	mresp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "chunkrecv_uploads_started_total 1")
	require.Contains(t, string(body), "chunkrecv_uploads_active 1")
}

func TestServer_WebSocketSharesUploads(t *testing.T) {
	ts := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := wsconn.Dial(ctx, "ws://"+ts.srv.HTTPAddr().String()+"/upload", logging.Discard())
	require.NoError(t, err)

	id, err := begin(ws, 4, 2, "ws.txt")
	require.NoError(t, err)
	require.NoError(t, sendChunk(ws, id, 0, []byte("WEB-")))
	require.NoError(t, ws.Close())

	// The second half arrives over plain TCP.
	conn := ts.dial(t)
	require.NoError(t, sendChunk(conn, id, 1, []byte("SOCK")))

	ts.requireFile(t, ts.path(id, "ws.txt"), []byte("WEB-SOCK"))
}

func TestServer_QUIC(t *testing.T) {
	ts := startServer(t, func(o *Options) {
		o.QUICAddr = "127.0.0.1:0"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := quictransport.Dial(ctx, ts.srv.QUICAddr().String(), logging.Discard())
	require.NoError(t, err)

	id, err := begin(st, 5, 2, "quic.txt")
	require.NoError(t, err)
	require.NoError(t, sendChunk(st, id, 1, []byte("world")))
	require.NoError(t, sendChunk(st, id, 0, []byte("hello")))
	require.NoError(t, st.Close())

	ts.requireFile(t, ts.path(id, "quic.txt"), []byte("helloworld"))
}

func TestServer_AcceptRateLimit(t *testing.T) {
	ts := startServer(t, func(o *Options) {
		o.AcceptRate = 0.001
		o.AcceptBurst = 1
	})

	first := ts.dial(t)
	_, err := begin(first, 1, 1, "first")
	require.NoError(t, err)

	second := ts.dial(t)
	requireClosedByServer(t, second)
}

func TestServer_MaxConnections(t *testing.T) {
	ts := startServer(t, func(o *Options) {
		o.MaxConnections = 1
	})

	first := ts.dial(t)
	_, err := begin(first, 1, 1, "first")
	require.NoError(t, err)

	second := ts.dial(t)
	requireClosedByServer(t, second)
}

func TestServer_ShutdownDiscardsUnfinishedUploads(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.dial(t)

	id, err := begin(conn, 4, 2, "partial.txt")
	require.NoError(t, err)
	require.NoError(t, sendChunk(conn, id, 0, []byte("half")))

	path := ts.path(id, "partial.txt")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	ts.stop(t)

	require.Equal(t, 0, ts.uploads.Active())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "partial file should be removed, stat err = %v", err)
	requireClosedByServer(t, conn)
}
