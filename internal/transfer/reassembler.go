package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sheerbytes/chunkrecv/pkg/protocol"
)

var (
	// ErrInvalidFilename indicates the filename contains path traversal or is invalid
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrFilenameTooLong indicates the filename exceeds the maximum length
	ErrFilenameTooLong = errors.New("filename too long")
)

// File is an open upload target.
type File interface {
	io.WriterAt
	io.Closer
}

// FileStore creates and removes upload targets.
type FileStore interface {
	// OpenOrCreate opens path for writing, creating it if absent. Existing
	// content is never truncated.
	OpenOrCreate(path string) (File, error)
	Remove(path string) error
}

// OSFileStore is a FileStore backed by the local filesystem.
type OSFileStore struct {
	Perm os.FileMode
}

// OpenOrCreate implements FileStore.
func (s OSFileStore) OpenOrCreate(path string) (File, error) {
	perm := s.Perm
	if perm == 0 {
		perm = 0o644
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY, perm)
}

// Remove implements FileStore.
func (s OSFileStore) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Target is the on-disk destination of one upload.
type Target struct {
	Path        string
	ChunkLength uint32
	file        File
}

// IsOpen reports whether the target file has been opened by a chunk write.
func (t *Target) IsOpen() bool {
	return t.file != nil
}

// Reassembler places chunk payloads at their offsets inside target files
// under a storage root.
type Reassembler struct {
	root  string
	store FileStore
}

// NewReassembler returns a Reassembler writing below root. A nil store means
// the local filesystem.
func NewReassembler(root string, store FileStore) *Reassembler {
	if store == nil {
		store = OSFileStore{}
	}
	return &Reassembler{root: root, store: store}
}

// Root returns the storage root.
func (r *Reassembler) Root() string {
	return r.root
}

// TargetPath returns <root>/<uploadID>_<fileName>.
func (r *Reassembler) TargetPath(uploadID, fileName string) (string, error) {
	if err := validateFilename(uploadID); err != nil {
		return "", fmt.Errorf("upload id: %w", err)
	}
	if err := validateFilename(fileName); err != nil {
		return "", fmt.Errorf("file name: %w", err)
	}
	return filepath.Join(r.root, uploadID+"_"+fileName), nil
}

// WriteChunk writes payload at offset index*ChunkLength, opening the target on
// first use. Writing the same chunk twice leaves the file unchanged.
func (r *Reassembler) WriteChunk(t *Target, index uint32, payload []byte) error {
	if len(payload) != int(t.ChunkLength) {
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", protocol.ErrInvalidRequest, index, len(payload), t.ChunkLength)
	}
	opened := false
	if t.file == nil {
		f, err := r.store.OpenOrCreate(t.Path)
		if err != nil {
			return fmt.Errorf("%w: open %s: %w", protocol.ErrFileIO, t.Path, err)
		}
		t.file = f
		opened = true
	}

	off := int64(index) * int64(t.ChunkLength)
	if _, err := t.file.WriteAt(payload, off); err != nil {
		if opened {
			_ = t.file.Close()
			t.file = nil
		}
		return fmt.Errorf("%w: write chunk %d at %d: %w", protocol.ErrFileIO, index, off, err)
	}
	return nil
}

// Finalize closes the target file of a completed upload.
func (r *Reassembler) Finalize(t *Target) error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", protocol.ErrFileIO, t.Path, err)
	}
	return nil
}

// Abort closes the target of an abandoned upload and removes the partial file.
func (r *Reassembler) Abort(t *Target) error {
	var errs []error
	if t.file != nil {
		errs = append(errs, t.file.Close())
		t.file = nil
	}
	errs = append(errs, r.store.Remove(t.Path))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: abort %s: %w", protocol.ErrFileIO, t.Path, err)
	}
	return nil
}

// validateFilename ensures the name is a single safe path element.
func validateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if strings.ContainsAny(filename, "/\\\x00") {
		return ErrInvalidFilename
	}
	if filename == "." || filename == ".." {
		return ErrInvalidFilename
	}
	if len(filename) > protocol.FileNameSize {
		return ErrFilenameTooLong
	}
	return nil
}
