// Package security holds the node's key hygiene helpers: locked, wipeable
// buffers for signing seeds, atomic file writes and a token bucket.
package security

import (
	"runtime"
	"sync"
)

// SecureBytes owns a buffer that is pinned in RAM where the platform
// allows it and zeroed on Destroy. Signing seeds live in one.
type SecureBytes struct {
	mu     sync.Mutex
	buf    []byte
	pinned bool
}

// NewSecureBytes allocates size zero bytes.
func NewSecureBytes(size int) *SecureBytes {
	s := &SecureBytes{buf: make([]byte, size)}
	// Without CAP_IPC_LOCK or enough RLIMIT_MEMLOCK the buffer stays
	// swappable.
	s.pinned = pin(s.buf) == nil
	runtime.SetFinalizer(s, (*SecureBytes).Destroy)
	return s
}

// FromBytes moves data into a new SecureBytes and zeroes data.
func FromBytes(data []byte) *SecureBytes {
	s := NewSecureBytes(len(data))
	copy(s.buf, data)
	Wipe(data)
	return s
}

// Use runs fn on the buffer under the lock. fn must not keep the slice.
// It reports false, without calling fn, once the buffer is destroyed.
func (s *SecureBytes) Use(fn func([]byte)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return false
	}
	fn(s.buf)
	return true
}

// Locked reports whether the buffer is pinned in RAM.
func (s *SecureBytes) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned
}

func (s *SecureBytes) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf == nil
}

// Destroy zeroes and releases the buffer. Later calls do nothing.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return
	}
	Wipe(s.buf)
	if s.pinned {
		unpin(s.buf)
		s.pinned = false
	}
	s.buf = nil
	runtime.SetFinalizer(s, nil)
}

// Wipe zeroes data.
func Wipe(data []byte) {
	clear(data)
	runtime.KeepAlive(data)
}
