package protocol

import (
	"errors"
	"io"
)

// Error kinds reported by the upload protocol. Every failure returned by the
// codec, the framed reader, the state machine and the reassembler wraps exactly
// one of these so callers can classify it with errors.Is.
var (
	// ErrRead indicates an I/O failure on the underlying connection.
	ErrRead = errors.New("read error")
	// ErrShortRead indicates the peer closed the stream before the required bytes arrived.
	ErrShortRead = errors.New("short read")
	// ErrParse indicates a malformed fixed-width integer field.
	ErrParse = errors.New("parse error")
	// ErrInvalidRequest indicates a header shape that is neither a new upload nor a
	// chunk continuation, or a reference to an unknown upload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrFileIO indicates a failure to create, open or write the target file.
	ErrFileIO = errors.New("file i/o error")
	// ErrFieldTooLong indicates a string does not fit its fixed-width field on encode.
	ErrFieldTooLong = errors.New("field too long")
)

// Kind returns a short label for the error kind wrapped by err, suitable for
// log attributes and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, ErrShortRead):
		return "short_read"
	case errors.Is(err, ErrRead):
		return "read"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrFileIO):
		return "file_io"
	default:
		return "other"
	}
}
