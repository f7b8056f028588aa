package transfer

import (
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/chunkrecv/pkg/protocol"
)

// DefaultReadSize is the per-call read size used when none is configured.
const DefaultReadSize = 64 * 1024

// ReadExact reads exactly n bytes from r, requesting at most readSize bytes
// per Read call.
func ReadExact(r io.Reader, n, readSize int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid read length %d", n)
	}
	buf := make([]byte, n)
	if err := ReadFull(r, buf, readSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFull fills dst from r, requesting at most readSize bytes per Read call.
// Partial reads are retried without bound. A zero-length read or io.EOF before
// dst is full means the peer closed its side and yields protocol.ErrShortRead.
func ReadFull(r io.Reader, dst []byte, readSize int) error {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	got := 0
	for got < len(dst) {
		end := got + readSize
		if end > len(dst) {
			end = len(dst)
		}
		n, err := r.Read(dst[got:end])
		got += n
		if got == len(dst) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: got %d of %d bytes", protocol.ErrShortRead, got, len(dst))
			}
			return fmt.Errorf("%w: after %d of %d bytes: %w", protocol.ErrRead, got, len(dst), err)
		}
		if n == 0 {
			return fmt.Errorf("%w: peer closed after %d of %d bytes", protocol.ErrShortRead, got, len(dst))
		}
	}
	return nil
}
