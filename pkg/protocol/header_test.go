package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRoundTripNewUpload(t *testing.T) {
	req := NewUpload{ChunkLength: 4, ChunkCount: 2, FileName: "a.txt"}

	var buf bytes.Buffer
	if err := Encode(&buf, req); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != 1+IntFieldSize*2+FileNameSize {
		t.Fatalf("encoded size = %d", buf.Len())
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	nu, ok := got.(NewUpload)
	if !ok {
		t.Fatalf("expected NewUpload, got %T", got)
	}
	if nu != req {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", nu, req)
	}
}

func TestRoundTripChunkContinuation(t *testing.T) {
	req := ChunkContinuation{UploadID: "3f2c9a8e-0d4b-4b8e-9c1e-5a7d2f6b1c30", ChunkIndex: 1<<32 - 1}

	var buf bytes.Buffer
	if err := Encode(&buf, req); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != 1+UploadIDSize+IntFieldSize {
		t.Fatalf("encoded size = %d", buf.Len())
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	cc, ok := got.(ChunkContinuation)
	if !ok {
		t.Fatalf("expected ChunkContinuation, got %T", got)
	}
	if cc != req {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", cc, req)
	}
}

func TestDecodeFieldsFlagConsistency(t *testing.T) {
	in := Fields{
		UploadID:    "upload-1",
		ChunkIndex:  7,
		ChunkLength: 4096,
		ChunkCount:  12,
		FileName:    "report.pdf",
	}
	trailer := []byte("TRAILER")

	for flags := 0; flags <= int(flagMask); flags++ {
		in.Flags = byte(flags)

		var buf bytes.Buffer
		if err := EncodeFields(&buf, in); err != nil {
			t.Fatalf("flags %#02x: EncodeFields: %v", flags, err)
		}
		buf.Write(trailer)

		r := bytes.NewReader(buf.Bytes())
		got, err := DecodeFields(r)
		if err != nil {
			t.Fatalf("flags %#02x: DecodeFields: %v", flags, err)
		}
		if r.Len() != len(trailer) {
			t.Fatalf("flags %#02x: consumed wrong byte count, %d bytes left", flags, r.Len())
		}
		if got.Flags != in.Flags {
			t.Fatalf("flags %#02x: decoded flags %#02x", flags, got.Flags)
		}

		check := func(flag byte, name string, present bool) {
			if got.Has(flag) && !present {
				t.Errorf("flags %#02x: %s set but value missing", flags, name)
			}
			if !got.Has(flag) && present {
				t.Errorf("flags %#02x: %s absent but value decoded", flags, name)
			}
		}
		check(FlagUploadID, "upload_id", got.UploadID == in.UploadID && got.UploadID != "")
		check(FlagChunkIndex, "chunk_index", got.ChunkIndex == in.ChunkIndex && got.ChunkIndex != 0)
		check(FlagChunkLength, "chunk_length", got.ChunkLength == in.ChunkLength && got.ChunkLength != 0)
		check(FlagChunkCount, "chunk_count", got.ChunkCount == in.ChunkCount && got.ChunkCount != 0)
		check(FlagFileName, "file_name", got.FileName == in.FileName && got.FileName != "")
	}
}

func TestExactlyTwoShapes(t *testing.T) {
	f := Fields{
		UploadID:    "u",
		ChunkIndex:  1,
		ChunkLength: 1,
		ChunkCount:  1,
		FileName:    "f",
	}
	accepted := 0
	for flags := 0; flags <= int(flagMask); flags++ {
		f.Flags = byte(flags)
		req, err := f.Request()
		switch byte(flags) {
		case NewUploadFlags:
			if _, ok := req.(NewUpload); !ok || err != nil {
				t.Fatalf("new upload flags rejected: %v", err)
			}
			accepted++
		case ChunkContinuationFlags:
			if _, ok := req.(ChunkContinuation); !ok || err != nil {
				t.Fatalf("chunk flags rejected: %v", err)
			}
			accepted++
		default:
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("flags %#02x: expected ErrInvalidRequest, got %v", flags, err)
			}
			if req != nil {
				t.Fatalf("flags %#02x: rejected header produced a request", flags)
			}
		}
	}
	if accepted != 2 {
		t.Fatalf("accepted %d shapes, want 2", accepted)
	}
}

func TestRequestRejectsDegenerateNewUpload(t *testing.T) {
	cases := map[string]Fields{
		"zero length": {Flags: NewUploadFlags, ChunkCount: 1, FileName: "a"},
		"zero count":  {Flags: NewUploadFlags, ChunkLength: 1, FileName: "a"},
		"empty name":  {Flags: NewUploadFlags, ChunkLength: 1, ChunkCount: 1},
		"empty id":    {Flags: ChunkContinuationFlags, ChunkIndex: 3},
	}
	for name, f := range cases {
		if _, err := f.Request(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestDecodeIgnoresReservedBytes(t *testing.T) {
	raw := make([]byte, 1+IntFieldSize*2+FileNameSize)
	raw[0] = NewUploadFlags
	length := raw[1 : 1+IntFieldSize]
	count := raw[1+IntFieldSize : 1+2*IntFieldSize]
	for i := range length {
		length[i] = 0xAB
		count[i] = 0xCD
	}
	binary.LittleEndian.PutUint32(length, 512)
	binary.LittleEndian.PutUint32(count, 3)
	copy(raw[1+2*IntFieldSize:], "x.bin   ")

	req, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := NewUpload{ChunkLength: 512, ChunkCount: 3, FileName: "x.bin"}
	if req.(NewUpload) != want {
		t.Fatalf("got %+v, want %+v", req, want)
	}
}

func TestDecodeLenientUTF8(t *testing.T) {
	raw := make([]byte, 1+IntFieldSize*2+FileNameSize)
	raw[0] = NewUploadFlags
	binary.LittleEndian.PutUint32(raw[1:], 1)
	binary.LittleEndian.PutUint32(raw[1+IntFieldSize:], 1)
	copy(raw[1+2*IntFieldSize:], []byte{'n', 0xff, 'm'})

	req, err := Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if name := req.(NewUpload).FileName; name != "n�m" {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestDecodeShortRead(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, ChunkContinuation{UploadID: "abc", ChunkIndex: 2}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-1]

	_, err := Decode(bytes.NewReader(truncated))
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestDecodeReadError(t *testing.T) {
	cause := errors.New("connection reset")
	_, err := Decode(failingReader{err: cause})
	if !errors.Is(err, ErrRead) {
		t.Fatalf("expected ErrRead, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be wrapped, got %v", err)
	}
}

func TestDecodeUnknownFlagBits(t *testing.T) {
	r := bytes.NewReader([]byte{0x80 | NewUploadFlags, 1, 2, 3})
	_, err := Decode(r)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("expected only the flag byte consumed, %d bytes left", r.Len())
	}
}

func TestEncodeFieldTooLong(t *testing.T) {
	err := Encode(io.Discard, NewUpload{ChunkLength: 1, ChunkCount: 1, FileName: strings.Repeat("n", FileNameSize+1)})
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong, got %v", err)
	}
}

func TestEncodeRejectsLossyStrings(t *testing.T) {
	lossy := []Request{
		NewUpload{ChunkLength: 1, ChunkCount: 1, FileName: "a.txt "},
		NewUpload{ChunkLength: 1, ChunkCount: 1, FileName: "a.txt\x00"},
		NewUpload{ChunkLength: 1, ChunkCount: 1, FileName: "n\xffm"},
		ChunkContinuation{UploadID: "id\x00", ChunkIndex: 0},
		ChunkContinuation{UploadID: "id ", ChunkIndex: 0},
	}
	for _, req := range lossy {
		if err := Encode(io.Discard, req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
	if err := WriteUploadID(io.Discard, "id\x00"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("WriteUploadID: expected ErrInvalidRequest, got %v", err)
	}

	for _, name := range []string{"a b.txt", " leading.txt", "a\x00b", "ném"} {
		req := NewUpload{ChunkLength: 1, ChunkCount: 1, FileName: name}
		var buf bytes.Buffer
		if err := Encode(&buf, req); err != nil {
			t.Fatalf("%q: Encode: %v", name, err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("%q: Decode: %v", name, err)
		}
		if got != req {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, req)
		}
	}
}

func TestDecodeUint32Short(t *testing.T) {
	if _, err := decodeUint32([]byte{1, 2}); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestUploadIDReply(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUploadID(&buf, "abc-123"); err != nil {
		t.Fatalf("WriteUploadID: %v", err)
	}
	if buf.Len() != UploadIDSize {
		t.Fatalf("reply size = %d", buf.Len())
	}
	id, err := ReadUploadID(&buf)
	if err != nil {
		t.Fatalf("ReadUploadID: %v", err)
	}
	if id != "abc-123" {
		t.Fatalf("got %q", id)
	}

	if _, err := ReadUploadID(bytes.NewReader(make([]byte, 10))); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{io.EOF, "eof"},
		{ErrShortRead, "short_read"},
		{ErrRead, "read"},
		{ErrParse, "parse"},
		{ErrInvalidRequest, "invalid_request"},
		{ErrFileIO, "file_io"},
		{errors.New("boom"), "other"},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
