package client

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sheerbytes/chunkrecv/internal/bufpool"
	"github.com/sheerbytes/chunkrecv/internal/progress"
	"github.com/sheerbytes/chunkrecv/pkg/protocol"
)

// Upload describes a file sent by UploadFile.
type Upload struct {
	ID          string
	FileName    string
	Size        int64
	ChunkLength uint32
	ChunkCount  uint32
	Duration    time.Duration
}

// Plan returns the chunk length and count used to send size bytes with
// chunks of at most chunkSize bytes.
func Plan(size int64, chunkSize int) (chunkLength, chunkCount uint32, err error) {
	if size <= 0 {
		return 0, 0, ErrEmptyFile
	}
	if chunkSize <= 0 {
		return 0, 0, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	length := int64(chunkSize)
	if size < length {
		length = size
	}
	count := (size + length - 1) / length
	if count > math.MaxUint32 || length > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: %d chunks of %d bytes", ErrTooManyChunks, count, length)
	}
	return uint32(length), uint32(count), nil
}

// UploadFile sends the file at path as one upload and closes the client.
// The last chunk is zero-padded to the chunk length since the wire format
// carries no total size. meter, if not nil, is started with the file size
// and advanced as chunks are queued.
func (c *Client) UploadFile(ctx context.Context, path string, chunkSize int, meter *progress.Meter) (Upload, error) {
	f, err := os.Open(path)
	if err != nil {
		c.abort()
		return Upload{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.abort()
		return Upload{}, err
	}
	if !info.Mode().IsRegular() {
		c.abort()
		return Upload{}, fmt.Errorf("%s: not a regular file", path)
	}

	chunkLength, chunkCount, err := Plan(info.Size(), chunkSize)
	if err != nil {
		c.abort()
		return Upload{}, fmt.Errorf("%s: %w", path, err)
	}

	stop := context.AfterFunc(ctx, c.abort)
	defer stop()

	up := Upload{
		FileName:    filepath.Base(path),
		Size:        info.Size(),
		ChunkLength: chunkLength,
		ChunkCount:  chunkCount,
	}
	start := time.Now()
	if meter != nil {
		meter.Start(up.Size)
	}

	up.ID, err = c.Begin(protocol.NewUpload{ChunkLength: chunkLength, ChunkCount: chunkCount, FileName: up.FileName})
	if err != nil {
		c.abort()
		return up, ctxErr(ctx, err)
	}

	pool := bufpool.For(int(chunkLength))
	buf := pool.Get()
	defer pool.Put(buf)

	for i := uint32(0); i < chunkCount; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			c.abort()
			return up, fmt.Errorf("read %s chunk %d: %w", path, i, err)
		}
		clear(buf[n:])
		if err := c.SendChunk(up.ID, i, buf); err != nil {
			c.abort()
			return up, ctxErr(ctx, err)
		}
		if meter != nil {
			meter.Add(n)
		}
	}

	if err := c.Close(); err != nil {
		return up, ctxErr(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return up, err
	}
	up.Duration = time.Since(start)
	c.logger.Debug("upload sent", "upload_id", up.ID, "file_name", up.FileName, "chunks", chunkCount, "duration", up.Duration)
	return up, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
