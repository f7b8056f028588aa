package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/chunkrecv/internal/upload"
	"github.com/sheerbytes/chunkrecv/pkg/protocol"
)

// readDeadliner is implemented by transports that support read timeouts.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Stats counts what one connection did.
type Stats struct {
	Requests int
	Uploads  int
	Chunks   int
	Bytes    int64
}

// Pipeline runs the request loop of a single connection: decode a header,
// register a new upload or accept a chunk, repeat until the peer closes the
// connection or a request fails. It holds no per-connection state and may
// serve many connections at once.
type Pipeline struct {
	uploads     *upload.Manager
	readTimeout time.Duration
}

// NewPipeline creates a Pipeline. A zero readTimeout waits forever.
func NewPipeline(uploads *upload.Manager, readTimeout time.Duration) *Pipeline {
	return &Pipeline{uploads: uploads, readTimeout: readTimeout}
}

// Serve processes requests from conn. It returns nil when the peer closes the
// connection between requests and the first error otherwise; every error is
// fatal to this connection only.
func (p *Pipeline) Serve(ctx context.Context, conn io.ReadWriter, logger *slog.Logger) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		p.armDeadline(conn)
		req, err := protocol.Decode(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, err
		}
		stats.Requests++

		switch r := req.(type) {
		case protocol.NewUpload:
			st, err := p.uploads.Begin(r)
			if err != nil {
				return stats, err
			}
			if err := protocol.WriteUploadID(conn, st.ID); err != nil {
				return stats, fmt.Errorf("reply to new upload: %w", err)
			}
			stats.Uploads++
			logger.Debug("new upload registered", "upload_id", st.ID, "file_name", st.FileName)

		case protocol.ChunkContinuation:
			p.armDeadline(conn)
			res, err := p.uploads.AcceptChunk(r, conn)
			if err != nil {
				return stats, err
			}
			stats.Chunks++
			stats.Bytes += int64(res.Bytes)
			if res.Phase == upload.Complete {
				logger.Debug("upload finalized on this connection", "upload_id", res.UploadID, "path", res.Path)
			}

		default:
			return stats, fmt.Errorf("%w: unhandled request %T", protocol.ErrInvalidRequest, req)
		}
	}
}

func (p *Pipeline) armDeadline(conn io.ReadWriter) {
	if p.readTimeout <= 0 {
		return
	}
	if d, ok := conn.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(p.readTimeout))
	}
}
