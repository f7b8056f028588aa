package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Valid flag combinations.
const (
	NewUploadFlags         = FlagChunkLength | FlagChunkCount | FlagFileName
	ChunkContinuationFlags = FlagUploadID | FlagChunkIndex
)

// Request is a decoded header. It is either a NewUpload or a ChunkContinuation;
// no other implementation exists.
type Request interface {
	// Fields returns the raw header fields this request encodes to.
	Fields() Fields
	isRequest()
}

// NewUpload asks the server to register a new upload and reply with its identifier.
type NewUpload struct {
	ChunkLength uint32
	ChunkCount  uint32
	FileName    string
}

// Fields implements Request.
func (r NewUpload) Fields() Fields {
	return Fields{
		Flags:       NewUploadFlags,
		ChunkLength: r.ChunkLength,
		ChunkCount:  r.ChunkCount,
		FileName:    r.FileName,
	}
}

func (NewUpload) isRequest() {}

// ChunkContinuation announces that ChunkLength payload bytes for chunk
// ChunkIndex of an existing upload follow the header.
type ChunkContinuation struct {
	UploadID   string
	ChunkIndex uint32
}

// Fields implements Request.
func (r ChunkContinuation) Fields() Fields {
	return Fields{
		Flags:      ChunkContinuationFlags,
		UploadID:   r.UploadID,
		ChunkIndex: r.ChunkIndex,
	}
}

func (ChunkContinuation) isRequest() {}

// Request classifies the raw fields into one of the two request shapes.
func (f Fields) Request() (Request, error) {
	switch f.Flags {
	case NewUploadFlags:
		if f.ChunkLength == 0 {
			return nil, fmt.Errorf("%w: chunk length is zero", ErrInvalidRequest)
		}
		if f.ChunkCount == 0 {
			return nil, fmt.Errorf("%w: chunk count is zero", ErrInvalidRequest)
		}
		if f.FileName == "" {
			return nil, fmt.Errorf("%w: empty file name", ErrInvalidRequest)
		}
		return NewUpload{ChunkLength: f.ChunkLength, ChunkCount: f.ChunkCount, FileName: f.FileName}, nil
	case ChunkContinuationFlags:
		if f.UploadID == "" {
			return nil, fmt.Errorf("%w: empty upload id", ErrInvalidRequest)
		}
		return ChunkContinuation{UploadID: f.UploadID, ChunkIndex: f.ChunkIndex}, nil
	default:
		return nil, fmt.Errorf("%w: flag combination %#02x", ErrInvalidRequest, f.Flags)
	}
}

// Decode reads one header from r and classifies it.
// A stream that ends cleanly before the flag byte yields io.EOF.
func Decode(r io.Reader) (Request, error) {
	f, err := DecodeFields(r)
	if err != nil {
		return nil, err
	}
	return f.Request()
}

// DecodeFields reads the flag byte and exactly the fields it selects.
// It never reads past the last selected field. Flags with bits outside the
// five known fields are rejected after consuming only the flag byte.
func DecodeFields(r io.Reader) (Fields, error) {
	var flag [1]byte
	n, err := io.ReadFull(r, flag[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Fields{}, io.EOF
		}
		return Fields{}, readError("flag byte", err)
	}

	f := Fields{Flags: flag[0]}
	if unknown := f.Flags &^ flagMask; unknown != 0 {
		return Fields{}, fmt.Errorf("%w: unknown flag bits %#02x", ErrInvalidRequest, unknown)
	}

	var buf [maxFieldSize]byte
	for _, d := range fieldTable {
		if f.Flags&d.flag == 0 {
			continue
		}
		b := buf[:d.width]
		if _, err := io.ReadFull(r, b); err != nil {
			return Fields{}, readError(d.name, err)
		}
		if err := d.decode(&f, b); err != nil {
			return Fields{}, fmt.Errorf("decode %s: %w", d.name, err)
		}
	}
	return f, nil
}

// Encode writes req as a single header.
func Encode(w io.Writer, req Request) error {
	return EncodeFields(w, req.Fields())
}

// EncodeFields writes the flag byte followed by every selected field, padded
// to its fixed width. Reserved integer bytes are zero-filled.
func EncodeFields(w io.Writer, f Fields) error {
	if unknown := f.Flags &^ flagMask; unknown != 0 {
		return fmt.Errorf("%w: unknown flag bits %#02x", ErrInvalidRequest, unknown)
	}
	out := make([]byte, EncodedSize(f.Flags))
	out[0] = f.Flags
	off := 1
	for _, d := range fieldTable {
		if f.Flags&d.flag == 0 {
			continue
		}
		if err := d.encode(f, out[off:off+d.width]); err != nil {
			return fmt.Errorf("encode %s: %w", d.name, err)
		}
		off += d.width
	}
	_, err := w.Write(out)
	return err
}

func readError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrShortRead, what)
	}
	return fmt.Errorf("%w: %s: %w", ErrRead, what, err)
}
