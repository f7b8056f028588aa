package bufpool

import (
	"fmt"
	"sync"
)

// Pool hands out payload buffers of one fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool whose buffers are exactly bufSize bytes long.
func New(bufSize int) (*Pool, error) {
	if bufSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", bufSize)
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p, nil
}

// Get returns a buffer of BufSize bytes. Contents are not zeroed.
func (p *Pool) Get() []byte {
	buf := *(p.pool.Get().(*[]byte))
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf to the pool. Buffers with a smaller capacity are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

var pools sync.Map // map[int]*Pool

// For returns the shared pool for buffers of size bytes, creating it on first
// use. It returns nil for non-positive sizes.
func For(size int) *Pool {
	if size <= 0 {
		return nil
	}
	if p, ok := pools.Load(size); ok {
		return p.(*Pool)
	}
	p, _ := New(size)
	actual, _ := pools.LoadOrStore(size, p)
	return actual.(*Pool)
}
