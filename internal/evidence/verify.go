package evidence

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tripwire/internal/signer"
	"tripwire/internal/store"
)

var (
	ErrNoSignature  = errors.New("evidence: capture has no signature file")
	ErrBadSignature = errors.New("evidence: signature does not verify")
	ErrBadFileName  = errors.New("evidence: capture file name is not a timestamp")
)

// Verification is the outcome of checking one capture on disk.
type Verification struct {
	ImagePath string
	Timestamp time.Time
	Digest    string
	Signed    bool
}

// TimestampFromPath parses the capture time encoded in an image or
// signature file name, in local time.
func TimestampFromPath(path string) (time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ts, err := time.ParseInLocation(TimestampLayout, base, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrBadFileName, filepath.Base(path))
	}
	return ts, nil
}

// VerifyFile checks the detached signature of the image at imagePath.
// It returns ErrNoSignature when the frame was persisted unsigned.
func VerifyFile(pub ed25519.PublicKey, imagePath string) (*Verification, error) {
	base := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	ts, err := TimestampFromPath(imagePath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("evidence: read image: %w", err)
	}

	v := &Verification{
		ImagePath: imagePath,
		Timestamp: ts,
		Digest:    Digest(raw),
	}

	sig, err := os.ReadFile(SigPath(imagePath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, ErrNoSignature
		}
		return v, fmt.Errorf("evidence: read signature: %w", err)
	}

	// The payload is rebuilt from the file name so that verification does
	// not depend on the verifier's time zone.
	payload := []byte(base + "," + v.Digest)
	if !signer.Verify(pub, payload, sig) {
		return v, ErrBadSignature
	}
	v.Signed = true
	return v, nil
}

// VerifyCapture is a store.VerifyCaptures check: signed captures must carry
// a valid signature under pub, unsigned ones must have no signature file.
func VerifyCapture(pub ed25519.PublicKey) func(store.Capture) error {
	return func(c store.Capture) error {
		_, err := VerifyFile(pub, c.ImagePath)
		switch {
		case c.Signed && err == nil:
			return nil
		case !c.Signed && errors.Is(err, ErrNoSignature):
			return nil
		case !c.Signed && err == nil:
			return errors.New("evidence: capture indexed unsigned but has a valid signature")
		default:
			return err
		}
	}
}
