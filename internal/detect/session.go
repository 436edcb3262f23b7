package detect

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tripwire/internal/secret"
	"tripwire/internal/signer"
)

// Source identifies the sensor behind a trip.
type Source string

const (
	SourcePIR Source = "pir"
	SourceCam Source = "cam"
)

// Session is one arm session: a secret per sensor, a signing keypair and
// the write-once detection time. Re-arm replaces it wholesale.
type Session struct {
	id      string
	armedAt time.Time
	pir     *secret.SensorSecret
	cam     *secret.SensorSecret
	keys    *signer.Keypair

	// detection is Unix nanoseconds; zero means no trip yet.
	detection atomic.Int64
}

// NewSession creates a session with fresh secrets drawn from [0, secretMax)
// and a fresh keypair.
func NewSession(secretMax int64, armedAt time.Time) (*Session, error) {
	pir, err := secret.Generate(secretMax)
	if err != nil {
		return nil, fmt.Errorf("detect: pir secret: %w", err)
	}
	cam, err := secret.Generate(secretMax)
	if err != nil {
		return nil, fmt.Errorf("detect: cam secret: %w", err)
	}
	keys, err := signer.Generate()
	if err != nil {
		return nil, fmt.Errorf("detect: session keypair: %w", err)
	}

	return &Session{
		id:      uuid.NewString(),
		armedAt: armedAt,
		pir:     pir,
		cam:     cam,
		keys:    keys,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// ArmedAt returns when the session was created.
func (s *Session) ArmedAt() time.Time {
	return s.armedAt
}

// Keypair returns the session signing keypair.
func (s *Session) Keypair() *signer.Keypair {
	return s.keys
}

// Secret returns the secret of the given sensor.
func (s *Session) Secret(src Source) *secret.SensorSecret {
	if src == SourcePIR {
		return s.pir
	}
	return s.cam
}

// PIRSecret returns the motion sensor secret.
func (s *Session) PIRSecret() *secret.SensorSecret {
	return s.pir
}

// CamSecret returns the camera secret.
func (s *Session) CamSecret() *secret.SensorSecret {
	return s.cam
}

// DetectionTime returns the first trip time, if any.
func (s *Session) DetectionTime() (time.Time, bool) {
	ns := s.detection.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// markDetection sets the detection time unless one is already set. It
// reports whether this call set it, and returns the stored time.
func (s *Session) markDetection(at time.Time) (time.Time, bool) {
	ns := at.UnixNano()
	if ns == 0 {
		ns = 1
	}
	if s.detection.CompareAndSwap(0, ns) {
		return time.Unix(0, ns), true
	}
	return time.Unix(0, s.detection.Load()), false
}

// Secrets is the secrets broadcast payload. Destroyed secrets are null.
type Secrets struct {
	PIR        *int64 `json:"pir"`
	Cam        *int64 `json:"cam"`
	PubKeyHash string `json:"pubkey_hash,omitempty"`
}

// Secrets returns the current secrets snapshot.
func (s *Session) Secrets() Secrets {
	return Secrets{
		PIR:        s.pir.Pointer(),
		Cam:        s.cam.Pointer(),
		PubKeyHash: s.keys.PubKeyHash(),
	}
}
