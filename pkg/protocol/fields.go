package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Flag bits selecting which header fields follow the flag byte. Fields are
// always laid out in ascending bit order.
const (
	FlagUploadID    byte = 1 << 0
	FlagChunkIndex  byte = 1 << 1
	FlagChunkLength byte = 1 << 2
	FlagChunkCount  byte = 1 << 3
	FlagFileName    byte = 1 << 4

	flagMask = FlagUploadID | FlagChunkIndex | FlagChunkLength | FlagChunkCount | FlagFileName
)

// Fixed field widths in bytes.
const (
	UploadIDSize = 128
	IntFieldSize = 32
	FileNameSize = 128

	maxFieldSize = 128
)

// Fields is the raw decoded content of a header. Only the fields whose bit is
// set in Flags are meaningful; the rest are left at their zero value.
type Fields struct {
	Flags       byte
	UploadID    string
	ChunkIndex  uint32
	ChunkLength uint32
	ChunkCount  uint32
	FileName    string
}

// Has reports whether the field selected by flag is present.
func (f Fields) Has(flag byte) bool {
	return f.Flags&flag != 0
}

// fieldDesc describes one optional header field.
type fieldDesc struct {
	flag   byte
	name   string
	width  int
	decode func(f *Fields, b []byte) error
	encode func(f Fields, b []byte) error
}

// fieldTable lists the header fields in wire order.
var fieldTable = [...]fieldDesc{
	{
		flag:   FlagUploadID,
		name:   "upload_id",
		width:  UploadIDSize,
		decode: func(f *Fields, b []byte) error { f.UploadID = decodeString(b); return nil },
		encode: func(f Fields, b []byte) error { return encodeString(b, f.UploadID) },
	},
	{
		flag:  FlagChunkIndex,
		name:  "chunk_index",
		width: IntFieldSize,
		decode: func(f *Fields, b []byte) (err error) {
			f.ChunkIndex, err = decodeUint32(b)
			return err
		},
		encode: func(f Fields, b []byte) error { return encodeUint32(b, f.ChunkIndex) },
	},
	{
		flag:  FlagChunkLength,
		name:  "chunk_length",
		width: IntFieldSize,
		decode: func(f *Fields, b []byte) (err error) {
			f.ChunkLength, err = decodeUint32(b)
			return err
		},
		encode: func(f Fields, b []byte) error { return encodeUint32(b, f.ChunkLength) },
	},
	{
		flag:  FlagChunkCount,
		name:  "chunk_count",
		width: IntFieldSize,
		decode: func(f *Fields, b []byte) (err error) {
			f.ChunkCount, err = decodeUint32(b)
			return err
		},
		encode: func(f Fields, b []byte) error { return encodeUint32(b, f.ChunkCount) },
	},
	{
		flag:   FlagFileName,
		name:   "file_name",
		width:  FileNameSize,
		decode: func(f *Fields, b []byte) error { f.FileName = decodeString(b); return nil },
		encode: func(f Fields, b []byte) error { return encodeString(b, f.FileName) },
	},
}

// EncodedSize returns the number of wire bytes a header with the given flags
// occupies, including the flag byte. Unknown bits contribute nothing.
func EncodedSize(flags byte) int {
	n := 1
	for _, d := range fieldTable {
		if flags&d.flag != 0 {
			n += d.width
		}
	}
	return n
}

// decodeUint32 reads the little-endian value held in the first 4 bytes of an
// integer field. The 28 trailing bytes are reserved and ignored.
func decodeUint32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: integer field has %d bytes", ErrParse, len(b))
	}
	return binary.LittleEndian.Uint32(b[:4]), nil
}

func encodeUint32(b []byte, v uint32) error {
	if len(b) < 4 {
		return fmt.Errorf("%w: integer field has %d bytes", ErrParse, len(b))
	}
	clear(b)
	binary.LittleEndian.PutUint32(b[:4], v)
	return nil
}

// decodeString trims NUL/space padding and replaces invalid UTF-8.
func decodeString(b []byte) string {
	trimmed := bytes.TrimRight(b, "\x00 ")
	return strings.ToValidUTF8(string(trimmed), "�")
}

// encodeString NUL-pads s into b. Strings decodeString would not return
// unchanged are rejected: trailing NUL or space, and invalid UTF-8.
func encodeString(b []byte, s string) error {
	if len(s) > len(b) {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFieldTooLong, len(s), len(b))
	}
	if strings.TrimRight(s, "\x00 ") != s {
		return fmt.Errorf("%w: string %q ends in padding", ErrInvalidRequest, s)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string %q is not valid UTF-8", ErrInvalidRequest, s)
	}
	clear(b)
	copy(b, s)
	return nil
}
