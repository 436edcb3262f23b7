// Package evidence signs and persists captured frames.
//
// Each frame is written to the captures directory as
// "<YYYY-MM-DD HH:MM:SS>.jpg". When the frame is signed, a detached Ed25519
// signature over "<YYYY-MM-DD HH:MM:SS>,<hex sha256 of the image>" is written
// next to it as "<YYYY-MM-DD HH:MM:SS>.sig".
//
// Whether a frame is signed depends on the session's detection time:
//
//   - no detection yet: signed, .sig persisted, signature not attached to
//     the live broadcast
//   - detection within the signing window: signed and attached
//   - window elapsed: the private key is erased (once) and the frame is
//     persisted unsigned
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"tripwire/internal/logging"
	"tripwire/internal/metrics"
	"tripwire/internal/security"
	"tripwire/internal/signer"
	"tripwire/internal/store"
)

// TimestampLayout formats capture timestamps in file names and payloads.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	imageExt = ".jpg"
	sigExt   = ".sig"
)

var ErrNoSession = errors.New("evidence: no arm session")

// Session is the part of an arm session the pipeline consults.
type Session interface {
	ID() string
	DetectionTime() (time.Time, bool)
	Keypair() *signer.Keypair
}

// Indexer records persisted captures. *store.Store satisfies it.
type Indexer interface {
	InsertCapture(c *store.Capture) (int64, error)
	MarkKeyErased(sessionID string, at time.Time) error
}

// Decision is the signing outcome chosen for one frame.
type Decision int

const (
	// DecisionPreDetection: signed and persisted, not attached.
	DecisionPreDetection Decision = iota
	// DecisionInWindow: signed, persisted and attached.
	DecisionInWindow
	// DecisionExpired: the key is gone; persisted unsigned.
	DecisionExpired
)

func (d Decision) String() string {
	switch d {
	case DecisionPreDetection:
		return "pre_detection"
	case DecisionInWindow:
		return "in_window"
	case DecisionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Result describes one processed frame.
type Result struct {
	Timestamp time.Time
	Digest    string
	Decision  Decision
	Signature []byte // nil when unsigned
	Attached  bool
	ImagePath string
	SigPath   string // empty when unsigned
}

// AttachedSignature returns the signature to put on the live broadcast,
// or nil.
func (r *Result) AttachedSignature() []byte {
	if r == nil || !r.Attached {
		return nil
	}
	return r.Signature
}

// Config configures a Pipeline.
type Config struct {
	CapturesDir   string
	SigningWindow time.Duration
	Index         Indexer // optional
	Logger        *logging.Logger
	Audit         *logging.AuditLogger
	Metrics       *metrics.TripwireMetrics
	Now           func() time.Time
}

// Pipeline turns raw frames into persisted, possibly signed, evidence.
// It is safe for concurrent use.
type Pipeline struct {
	dir     string
	window  atomic.Int64
	index   Indexer
	logger  *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.TripwireMetrics
	now     func() time.Time
}

// New creates a pipeline, creating the captures directory if needed.
func New(cfg Config) (*Pipeline, error) {
	if cfg.CapturesDir == "" {
		return nil, errors.New("evidence: captures directory is required")
	}
	if cfg.SigningWindow < 0 {
		return nil, errors.New("evidence: signing window cannot be negative")
	}
	if err := os.MkdirAll(cfg.CapturesDir, security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("evidence: create captures directory: %w", err)
	}

	p := &Pipeline{
		dir:     cfg.CapturesDir,
		index:   cfg.Index,
		logger:  cfg.Logger,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	p.logger = p.logger.WithComponent("evidence")
	if p.now == nil {
		p.now = time.Now
	}
	p.window.Store(int64(cfg.SigningWindow))
	return p, nil
}

// CapturesDir returns the directory frames are written to.
func (p *Pipeline) CapturesDir() string {
	return p.dir
}

// SigningWindow returns how long after detection frames are still signed.
func (p *Pipeline) SigningWindow() time.Duration {
	return time.Duration(p.window.Load())
}

// SetSigningWindow changes the signing window for subsequent frames.
func (p *Pipeline) SetSigningWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.window.Store(int64(d))
}

// Decide reports what Process would do with a frame captured now.
func (p *Pipeline) Decide(sess Session) Decision {
	return p.decide(sess, p.now())
}

func (p *Pipeline) decide(sess Session, now time.Time) Decision {
	detection, ok := sess.DetectionTime()
	if !ok {
		return DecisionPreDetection
	}
	if now.Sub(detection) < p.SigningWindow() {
		return DecisionInWindow
	}
	return DecisionExpired
}

// Process digests, signs (per the session state) and persists one frame.
func (p *Pipeline) Process(ctx context.Context, sess Session, ts time.Time, raw []byte) (*Result, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	start := time.Now()

	now := p.now()
	res := &Result{
		Timestamp: ts,
		Digest:    Digest(raw),
		Decision:  p.decide(sess, now),
		ImagePath: ImagePath(p.dir, ts),
	}

	kp := sess.Keypair()
	if res.Decision == DecisionExpired {
		p.eraseKey(ctx, sess, kp, now)
	} else {
		sig, err := kp.Sign(Payload(ts, res.Digest))
		switch {
		case errors.Is(err, signer.ErrKeyErased):
			p.logger.Warn("signing key already erased, persisting unsigned",
				"session_id", sess.ID(), "decision", res.Decision.String())
			res.Decision = DecisionExpired
		case err != nil:
			return nil, fmt.Errorf("evidence: sign frame: %w", err)
		default:
			res.Signature = sig
			res.Attached = res.Decision == DecisionInWindow
		}
	}

	if err := security.WriteSecureFile(res.ImagePath, raw, security.PermPublicFile); err != nil {
		return nil, fmt.Errorf("evidence: persist image: %w", err)
	}
	if res.Signature != nil {
		res.SigPath = SigPath(res.ImagePath)
		if err := security.WriteSecureFile(res.SigPath, res.Signature, security.PermPublicFile); err != nil {
			return nil, fmt.Errorf("evidence: persist signature: %w", err)
		}
	} else if err := os.Remove(SigPath(res.ImagePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A signed frame from earlier in the same second must not vouch
		// for this one.
		return nil, fmt.Errorf("evidence: remove stale signature: %w", err)
	}

	if p.index != nil {
		_, err := p.index.InsertCapture(&store.Capture{
			SessionID: sess.ID(),
			Timestamp: ts,
			ImagePath: res.ImagePath,
			SigPath:   res.SigPath,
			Digest:    res.Digest,
			Signed:    res.Signature != nil,
			Attached:  res.Attached,
		})
		if err != nil {
			// The files on disk are the evidence; the index is a convenience.
			p.logger.Warn("index capture failed", "path", res.ImagePath, "error", err)
			p.metrics.RecordError()
		}
	}

	p.metrics.RecordCapture(res.Signature != nil, res.Attached, time.Since(start))
	return res, nil
}

// eraseKey destroys the session key. Only the call that performs the
// erasure logs, audits and indexes it.
func (p *Pipeline) eraseKey(ctx context.Context, sess Session, kp *signer.Keypair, now time.Time) {
	if !kp.Erase() {
		return
	}

	var after time.Duration
	if detection, ok := sess.DetectionTime(); ok {
		after = now.Sub(detection)
	}

	p.logger.Info("signing key erased", "session_id", sess.ID(), "after_detection", after.String())
	p.metrics.RecordKeyErased()
	if err := p.audit.LogKeyErased(ctx, sess.ID(), after); err != nil {
		p.logger.Warn("audit key erasure failed", "error", err)
	}
	if p.index != nil {
		if err := p.index.MarkKeyErased(sess.ID(), now); err != nil {
			p.logger.Warn("index key erasure failed", "session_id", sess.ID(), "error", err)
		}
	}
}

// Digest returns the hex SHA-256 of raw.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Payload builds the canonical signed message for a frame.
func Payload(ts time.Time, digest string) []byte {
	return []byte(FormatTimestamp(ts) + "," + digest)
}

// FormatTimestamp formats ts the way capture files are named.
func FormatTimestamp(ts time.Time) string {
	return ts.Format(TimestampLayout)
}

// ImagePath returns where the frame captured at ts is stored.
func ImagePath(dir string, ts time.Time) string {
	return filepath.Join(dir, FormatTimestamp(ts)+imageExt)
}

// SigPath returns the detached signature path for an image path.
func SigPath(imagePath string) string {
	return imagePath[:len(imagePath)-len(filepath.Ext(imagePath))] + sigExt
}
