package store

import (
	"fmt"
	"io"
	"sync"
)

// Memory is an in-process NV image, used by tests and by nodes that should
// forget their configuration on restart.
type Memory struct {
	mu      sync.Mutex
	buf     []byte
	commits int
	// FailWrites makes WriteAt return ErrOutOfRange, simulating a worn part.
	FailWrites bool
}

func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, size)}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites || off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("%w: write %d bytes at %d (size %d)", ErrOutOfRange, len(p), off, len(m.buf))
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Commit() error {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Bytes returns a copy of the image.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.buf...)
}
