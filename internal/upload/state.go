package upload

import (
	"time"

	"github.com/sheerbytes/chunkrecv/internal/transfer"
)

// Phase is the lifecycle position of an upload identifier.
type Phase int

const (
	// NoSuchUpload means the identifier is unknown: never issued, completed, or evicted.
	NoSuchUpload Phase = iota
	// Receiving means the upload is registered and waiting for chunks.
	Receiving
	// Complete means every chunk arrived and the upload was finalized.
	Complete
)

func (p Phase) String() string {
	switch p {
	case NoSuchUpload:
		return "no_such_upload"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// State is the server-side record of one in-progress upload.
type State struct {
	ID           string
	FileName     string
	ChunkLength  uint32
	ChunkCount   uint32
	Received     *transfer.Bitmap
	Target       transfer.Target
	CreatedAt    time.Time
	BytesWritten int64
}

// Clone implements cache.Value. The received set is copied; the open target
// handle is shared.
func (s State) Clone() State {
	s.Received = s.Received.Clone()
	return s
}

// withoutReceived returns a copy that does not share the received set, for
// handing out while the upload is still being written.
func (s State) withoutReceived() State {
	s.Received = nil
	return s
}

// FilePath returns the target file path.
func (s State) FilePath() string {
	return s.Target.Path
}

// Size returns the final file size in bytes.
func (s State) Size() int64 {
	return int64(s.ChunkLength) * int64(s.ChunkCount)
}

// Result describes the outcome of one accepted chunk.
type Result struct {
	UploadID   string
	ChunkIndex uint32
	Bytes      int
	Duplicate  bool
	Phase      Phase
	Received   int
	ChunkCount uint32
	Path       string
}

// Observer receives upload lifecycle events. Calls happen outside the
// per-upload lock. The State passed to ChunkAccepted has a nil Received set
// unless the chunk completed the upload.
type Observer interface {
	UploadStarted(s State)
	ChunkAccepted(s State, index uint32, duplicate bool)
	UploadCompleted(s State)
	UploadEvicted(s State)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) UploadStarted(State)               {}
func (NopObserver) ChunkAccepted(State, uint32, bool) {}
func (NopObserver) UploadCompleted(State)             {}
func (NopObserver) UploadEvicted(State)               {}
