package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/chunkrecv/internal/bufpool"
	"github.com/sheerbytes/chunkrecv/internal/cache"
	"github.com/sheerbytes/chunkrecv/internal/transfer"
	"github.com/sheerbytes/chunkrecv/pkg/protocol"
)

const (
	DefaultMaxChunkLength = 64 * 1024 * 1024
	DefaultMaxChunkCount  = 1 << 24
	DefaultMaxActive      = 4096
	DefaultTTL            = 30 * time.Minute

	maxIDAttempts = 8
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	MaxChunkLength uint32
	MaxChunkCount  uint32
	// MaxActive caps the number of uploads in progress at once.
	MaxActive int
	// ReadSize is the per-call socket read size used for payloads.
	ReadSize int
	// TTL is how long an upload may sit idle before Sweep evicts it.
	TTL      time.Duration
	NewID    func() string
	Now      func() time.Time
	Observer Observer
	Logger   *slog.Logger
}

// Manager drives the upload state machine: it registers new uploads, accepts
// chunks for registered ones and finalizes them once every chunk arrived.
// It is safe for concurrent use by many connections.
type Manager struct {
	cache    *cache.Store[State]
	files    *transfer.Reassembler
	opts     Options
	observer Observer
	logger   *slog.Logger
}

// NewManager creates a Manager that stores files through files.
func NewManager(files *transfer.Reassembler, opts Options) *Manager {
	if opts.MaxChunkLength == 0 {
		opts.MaxChunkLength = DefaultMaxChunkLength
	}
	if opts.MaxChunkCount == 0 {
		opts.MaxChunkCount = DefaultMaxChunkCount
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = transfer.DefaultReadSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cache:    cache.NewWithNow[State](opts.Now),
		files:    files,
		opts:     opts,
		observer: observer,
		logger:   logger,
	}
}

// Begin registers a new upload under a freshly generated identifier. The
// returned State carries no received set; use Lookup for a full snapshot.
func (m *Manager) Begin(req protocol.NewUpload) (State, error) {
	if req.ChunkLength == 0 || req.ChunkLength > m.opts.MaxChunkLength {
		return State{}, fmt.Errorf("%w: chunk length %d outside 1..%d", protocol.ErrInvalidRequest, req.ChunkLength, m.opts.MaxChunkLength)
	}
	if req.ChunkCount == 0 || req.ChunkCount > m.opts.MaxChunkCount {
		return State{}, fmt.Errorf("%w: chunk count %d outside 1..%d", protocol.ErrInvalidRequest, req.ChunkCount, m.opts.MaxChunkCount)
	}
	if active := m.cache.Count(); active >= m.opts.MaxActive {
		return State{}, fmt.Errorf("%w: %d uploads already in progress", protocol.ErrInvalidRequest, active)
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := m.opts.NewID()
		path, err := m.files.TargetPath(id, req.FileName)
		if err != nil {
			return State{}, fmt.Errorf("%w: %w", protocol.ErrInvalidRequest, err)
		}
		st := State{
			ID:          id,
			FileName:    req.FileName,
			ChunkLength: req.ChunkLength,
			ChunkCount:  req.ChunkCount,
			Received:    transfer.NewBitmap(int(req.ChunkCount)),
			Target:      transfer.Target{Path: path, ChunkLength: req.ChunkLength},
			CreatedAt:   m.opts.Now(),
		}
		if err := m.cache.Create(id, st); err != nil {
			if errors.Is(err, cache.ErrExists) {
				continue
			}
			return State{}, err
		}

		m.logger.Info("upload started",
			"upload_id", id,
			"file_name", req.FileName,
			"chunk_length", req.ChunkLength,
			"chunk_count", req.ChunkCount,
		)
		// The cache owns st and its received set from here on.
		out := st.withoutReceived()
		m.observer.UploadStarted(out)
		return out, nil
	}
	return State{}, fmt.Errorf("could not allocate a unique upload id after %d attempts", maxIDAttempts)
}

// AcceptChunk reads the chunk payload for req from body and stores it.
// Unknown identifiers and out-of-range indices are rejected before any
// payload byte is read.
func (m *Manager) AcceptChunk(req protocol.ChunkContinuation, body io.Reader) (Result, error) {
	var chunkLength, chunkCount uint32
	found := m.cache.View(req.UploadID, func(s *State) {
		chunkLength, chunkCount = s.ChunkLength, s.ChunkCount
	})
	if !found {
		return Result{}, fmt.Errorf("%w: unknown upload %q", protocol.ErrInvalidRequest, req.UploadID)
	}
	if req.ChunkIndex >= chunkCount {
		return Result{}, fmt.Errorf("%w: chunk index %d out of range for %d chunks", protocol.ErrInvalidRequest, req.ChunkIndex, chunkCount)
	}

	pool := bufpool.For(int(chunkLength))
	payload := pool.Get()
	defer pool.Put(payload)

	if err := transfer.ReadFull(body, payload, m.opts.ReadSize); err != nil {
		return Result{}, fmt.Errorf("read chunk %d of %s: %w", req.ChunkIndex, req.UploadID, err)
	}

	var (
		res    Result
		event  State
		finErr error
	)
	_, err := m.cache.Update(req.UploadID, func(s *State) (cache.Action, error) {
		if err := m.files.WriteChunk(&s.Target, req.ChunkIndex, payload); err != nil {
			return cache.Keep, err
		}
		duplicate := !s.Received.Set(int(req.ChunkIndex))
		s.BytesWritten += int64(len(payload))
		res = Result{
			UploadID:   s.ID,
			ChunkIndex: req.ChunkIndex,
			Bytes:      len(payload),
			Duplicate:  duplicate,
			Phase:      Receiving,
			Received:   s.Received.Count(),
			ChunkCount: s.ChunkCount,
			Path:       s.Target.Path,
		}
		if !s.Received.Full() {
			event = s.withoutReceived()
			return cache.Keep, nil
		}
		finErr = m.files.Finalize(&s.Target)
		res.Phase = Complete
		// Dropped entries are never mutated again.
		event = *s
		return cache.Drop, nil
	})
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: upload %q finished or expired", protocol.ErrInvalidRequest, req.UploadID)
		}
		return Result{}, err
	}

	m.observer.ChunkAccepted(event, req.ChunkIndex, res.Duplicate)
	m.logger.Debug("chunk accepted",
		"upload_id", req.UploadID,
		"chunk_index", req.ChunkIndex,
		"duplicate", res.Duplicate,
		"received", res.Received,
		"chunk_count", res.ChunkCount,
	)
	if res.Phase == Complete {
		m.observer.UploadCompleted(event)
		m.logger.Info("upload complete",
			"upload_id", req.UploadID,
			"path", res.Path,
			"bytes", event.Size(),
			"duration", m.opts.Now().Sub(event.CreatedAt),
		)
		if finErr != nil {
			return res, finErr
		}
	}
	return res, nil
}

// Phase reports where the identifier is in its lifecycle. Completed uploads
// are purged and report NoSuchUpload.
func (m *Manager) Phase(id string) Phase {
	if m.cache.Has(id) {
		return Receiving
	}
	return NoSuchUpload
}

// Lookup returns a snapshot of an in-progress upload.
func (m *Manager) Lookup(id string) (State, bool) {
	snap, ok := m.cache.Get(id)
	return snap.Value, ok
}

// Active returns the number of in-progress uploads.
func (m *Manager) Active() int {
	return m.cache.Count()
}

// Sweep evicts uploads idle for longer than the configured TTL, closing and
// removing their partial files. It returns the number evicted.
func (m *Manager) Sweep(now time.Time) int {
	return m.evict(now, m.opts.TTL, "idle")
}

// Close evicts every idle upload. Call it after all connections are closed.
func (m *Manager) Close() int {
	return m.evict(m.opts.Now(), -1, "shutdown")
}

func (m *Manager) evict(now time.Time, ttl time.Duration, reason string) int {
	expired := m.cache.Expire(now, ttl)
	for _, s := range expired {
		if err := m.files.Abort(&s.Target); err != nil {
			m.logger.Warn("failed to clean up evicted upload", "upload_id", s.ID, "error", err)
		}
		m.logger.Warn("upload evicted",
			"upload_id", s.ID,
			"reason", reason,
			"received", s.Received.Count(),
			"chunk_count", s.ChunkCount,
			"missing", s.Received.Missing(8),
		)
		m.observer.UploadEvicted(s)
	}
	return len(expired)
}
