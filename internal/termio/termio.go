package termio

import (
	"io"
	"os"
	"sync"
)

// writer hands writes to a single goroutine so progress redraws and log
// lines from different goroutines never interleave mid-line.
type writer struct {
	file *os.File
	ch   chan any
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// sync blocks until every write queued before it reached the file.
func (w *writer) sync() {
	done := make(chan struct{})
	w.ch <- done
	<-done
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan any, 1024),
	}
	go func() {
		for item := range w.ch {
			switch v := item.(type) {
			case []byte:
				_, _ = w.file.Write(v)
			case chan struct{}:
				close(v)
			}
		}
	}()
	return w
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// IsTerminal reports whether stdout is a character device.
func IsTerminal() bool {
	Init()
	info, err := global.stdout.file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Sync waits for queued output on both streams. Call it before exiting.
func Sync() {
	Init()
	global.stdout.sync()
	global.stderr.sync()
}
