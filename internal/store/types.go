// Package store provides the SQLite capture index for tripwire.
//
// Image and signature bytes live on disk; the index records where they are,
// which arm session produced them and whether they were signed, so that
// evidence can be audited after the in-memory replay buffer is gone.
package store

import "time"

// Session is one arm session. PubKeyPEM is the only key material stored.
type Session struct {
	ID            string
	PubKeyPEM     string
	PubKeyHash    string
	ArmedAt       time.Time
	DetectionTime *time.Time
	KeyErasedAt   *time.Time
}

// Capture indexes one persisted frame.
type Capture struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	ImagePath string
	SigPath   string // empty when the frame was not signed
	Digest    string // hex SHA-256 of the image bytes
	Signed    bool
	Attached  bool // signature was attached to the live broadcast
}

// Trip records one sensor trip. First marks the trip that set the
// session's detection time.
type Trip struct {
	ID        int64
	SessionID string
	Source    string
	At        time.Time
	First     bool
}

// Stats summarises the index for health and metrics.
type Stats struct {
	Sessions       int64
	Captures       int64
	SignedCaptures int64
	Trips          int64
}
