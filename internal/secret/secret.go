// Package secret implements per-sensor ephemeral tokens.
//
// A SensorSecret is handed to trusted observers while its sensor is
// untripped. Destroying it is how the node tells observers that the sensor
// tripped: once destroyed the value is gone and every read reports absent.
package secret

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// DefaultMax is the exclusive upper bound of generated values.
const DefaultMax = 1_000_000

// ErrInvalidMax is returned when the requested range is empty.
var ErrInvalidMax = errors.New("secret: max must be positive")

// SensorSecret is a random numeric token with destroy-once semantics.
type SensorSecret struct {
	mu        sync.Mutex
	value     int64
	destroyed bool
}

// Generate returns a new secret drawn uniformly from [0, max).
func Generate(max int64) (*SensorSecret, error) {
	if max <= 0 {
		return nil, ErrInvalidMax
	}

	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return nil, fmt.Errorf("secret: random generation failed: %w", err)
	}

	return &SensorSecret{value: n.Int64()}, nil
}

// Destroy overwrites the value and marks the secret destroyed.
// Later calls are no-ops.
func (s *SensorSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}

	s.value = 0
	s.destroyed = true
}

// IsDestroyed reports whether Destroy has been called.
func (s *SensorSecret) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Value returns the secret, or false once it has been destroyed.
func (s *SensorSecret) Value() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return 0, false
	}
	return s.value, true
}

// Pointer returns the value as a pointer suitable for JSON encoding,
// nil when destroyed.
func (s *SensorSecret) Pointer() *int64 {
	v, ok := s.Value()
	if !ok {
		return nil
	}
	return &v
}
