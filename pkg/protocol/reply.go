package protocol

import (
	"fmt"
	"io"
)

// WriteUploadID sends the identifier generated for a new upload back to the
// client as a NUL-padded field of UploadIDSize bytes.
func WriteUploadID(w io.Writer, id string) error {
	var buf [UploadIDSize]byte
	if err := encodeString(buf[:], id); err != nil {
		return fmt.Errorf("encode upload id: %w", err)
	}
	_, err := w.Write(buf[:])
	return err
}

// ReadUploadID reads a reply written by WriteUploadID.
func ReadUploadID(r io.Reader) (string, error) {
	var buf [UploadIDSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", readError("upload id reply", err)
	}
	id := decodeString(buf[:])
	if id == "" {
		return "", fmt.Errorf("%w: empty upload id reply", ErrInvalidRequest)
	}
	return id, nil
}
