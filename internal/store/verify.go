package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// CaptureProblem describes one capture that failed verification.
type CaptureProblem struct {
	Capture Capture
	Err     error
}

func (p CaptureProblem) Error() string {
	return fmt.Sprintf("capture %d (%s): %v", p.Capture.ID, p.Capture.ImagePath, p.Err)
}

// VerifyDigest checks that the image on disk still hashes to the indexed digest.
func VerifyDigest(c *Capture) error {
	data, err := os.ReadFile(c.ImagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != c.Digest {
		return fmt.Errorf("digest mismatch: computed %s, indexed %s", got, c.Digest)
	}
	return nil
}

// VerifyCaptures walks every capture of a session (all sessions when
// sessionID is empty), checks its digest and then runs check, if non-nil.
// Failures are collected rather than aborting the walk.
func (s *Store) VerifyCaptures(sessionID string, check func(Capture) error) ([]CaptureProblem, error) {
	captures, err := s.ListCaptures(sessionID)
	if err != nil {
		return nil, err
	}

	var problems []CaptureProblem
	for _, c := range captures {
		if err := VerifyDigest(&c); err != nil {
			problems = append(problems, CaptureProblem{Capture: c, Err: err})
			continue
		}
		if check != nil {
			if err := check(c); err != nil {
				problems = append(problems, CaptureProblem{Capture: c, Err: err})
			}
		}
	}
	return problems, nil
}
