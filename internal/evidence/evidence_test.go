package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripwire/internal/signer"
	"tripwire/internal/store"
)

type fakeSession struct {
	id string
	kp *signer.Keypair

	mu        sync.Mutex
	detection time.Time
	detected  bool
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	kp, err := signer.Generate()
	require.NoError(t, err)
	return &fakeSession{id: "sess-1", kp: kp}
}

func (s *fakeSession) ID() string               { return s.id }
func (s *fakeSession) Keypair() *signer.Keypair { return s.kp }

func (s *fakeSession) DetectionTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detection, s.detected
}

func (s *fakeSession) detect(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detection, s.detected = at, true
}

type fakeIndex struct {
	mu       sync.Mutex
	captures []store.Capture
	erased   []string
	fail     bool
}

func (f *fakeIndex) InsertCapture(c *store.Capture) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("disk full")
	}
	f.captures = append(f.captures, *c)
	return int64(len(f.captures)), nil
}

func (f *fakeIndex) MarkKeyErased(sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.erased = append(f.erased, sessionID)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)

func newTestPipeline(t *testing.T, window time.Duration) (*Pipeline, *fakeIndex, *clock) {
	t.Helper()
	idx := &fakeIndex{}
	clk := &clock{now: base}
	p, err := New(Config{
		CapturesDir:   filepath.Join(t.TempDir(), "captures"),
		SigningWindow: window,
		Index:         idx,
		Now:           clk.Now,
	})
	require.NoError(t, err)
	return p, idx, clk
}

func TestPayloadAndNaming(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 5, 0, time.Local)
	digest := Digest([]byte("frame"))

	assert.Len(t, digest, 64)
	assert.Equal(t, "2024-03-01 12:00:05,"+digest, string(Payload(ts, digest)))
	assert.Equal(t, filepath.Join("/c", "2024-03-01 12:00:05.jpg"), ImagePath("/c", ts))
	assert.Equal(t, filepath.Join("/c", "2024-03-01 12:00:05.sig"), SigPath(ImagePath("/c", ts)))

	parsed, err := TimestampFromPath(ImagePath("/c", ts))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))

	_, err = TimestampFromPath("/c/not-a-time.jpg")
	assert.ErrorIs(t, err, ErrBadFileName)
}

func TestPreDetectionFrameSignedButNotAttached(t *testing.T) {
	p, idx, _ := newTestPipeline(t, time.Minute)
	sess := newFakeSession(t)

	res, err := p.Process(context.Background(), sess, base, []byte("frame-0"))
	require.NoError(t, err)

	assert.Equal(t, DecisionPreDetection, res.Decision)
	assert.NotNil(t, res.Signature)
	assert.False(t, res.Attached)
	assert.Nil(t, res.AttachedSignature())
	assert.FileExists(t, res.ImagePath)
	assert.FileExists(t, res.SigPath)

	v, err := VerifyFile(sess.kp.PublicKey(), res.ImagePath)
	require.NoError(t, err)
	assert.True(t, v.Signed)

	require.Len(t, idx.captures, 1)
	assert.True(t, idx.captures[0].Signed)
	assert.False(t, idx.captures[0].Attached)
	assert.Equal(t, res.Digest, idx.captures[0].Digest)
}

func TestInWindowFrameAttached(t *testing.T) {
	p, _, clk := newTestPipeline(t, time.Minute)
	sess := newFakeSession(t)
	sess.detect(base)

	ts := base.Add(30 * time.Second)
	clk.Set(ts)
	res, err := p.Process(context.Background(), sess, ts, []byte("frame-30"))
	require.NoError(t, err)

	assert.Equal(t, DecisionInWindow, res.Decision)
	assert.True(t, res.Attached)
	assert.Equal(t, res.Signature, res.AttachedSignature())
	assert.True(t, signer.Verify(sess.kp.PublicKey(), Payload(ts, res.Digest), res.AttachedSignature()))
}

func TestWindowElapsedErasesKeyOnce(t *testing.T) {
	p, idx, clk := newTestPipeline(t, time.Minute)
	sess := newFakeSession(t)
	sess.detect(base)

	for i := 0; i < 3; i++ {
		ts := base.Add(time.Minute + time.Duration(i)*time.Second)
		clk.Set(ts)
		res, err := p.Process(context.Background(), sess, ts, []byte{byte(i)})
		require.NoError(t, err)

		assert.Equal(t, DecisionExpired, res.Decision)
		assert.Nil(t, res.Signature)
		assert.Empty(t, res.SigPath)
		assert.FileExists(t, res.ImagePath)
		assert.NoFileExists(t, SigPath(res.ImagePath))

		_, err = VerifyFile(sess.kp.PublicKey(), res.ImagePath)
		assert.ErrorIs(t, err, ErrNoSignature)
	}

	assert.True(t, sess.kp.Erased())
	assert.Equal(t, []string{"sess-1"}, idx.erased)

	_, err := sess.kp.Sign([]byte("anything"))
	assert.ErrorIs(t, err, signer.ErrKeyErased)
}

func TestErasedKeyFallsBackToUnsigned(t *testing.T) {
	p, _, _ := newTestPipeline(t, time.Minute)
	sess := newFakeSession(t)
	sess.kp.Erase()

	res, err := p.Process(context.Background(), sess, base, []byte("late"))
	require.NoError(t, err)
	assert.Equal(t, DecisionExpired, res.Decision)
	assert.Nil(t, res.Signature)
	assert.NoFileExists(t, SigPath(res.ImagePath))
}

func TestZeroWindowNeverAttaches(t *testing.T) {
	p, _, _ := newTestPipeline(t, 0)
	sess := newFakeSession(t)
	sess.detect(base)

	assert.Equal(t, DecisionExpired, p.Decide(sess))

	p.SetSigningWindow(time.Second)
	assert.Equal(t, time.Second, p.SigningWindow())
	assert.Equal(t, DecisionInWindow, p.Decide(sess))
}

func TestIndexFailureDoesNotLoseFrame(t *testing.T) {
	p, idx, _ := newTestPipeline(t, time.Minute)
	idx.fail = true
	sess := newFakeSession(t)

	res, err := p.Process(context.Background(), sess, base, []byte("frame"))
	require.NoError(t, err)
	assert.FileExists(t, res.ImagePath)
}

func TestUnsignedFrameReplacesStaleSignature(t *testing.T) {
	p, _, clk := newTestPipeline(t, time.Minute)
	sess := newFakeSession(t)
	sess.detect(base)

	signed, err := p.Process(context.Background(), sess, base, []byte("a"))
	require.NoError(t, err)
	require.FileExists(t, signed.SigPath)

	// Same second, after the window: the stale .sig must go.
	clk.Set(base.Add(2 * time.Minute))
	unsigned, err := p.Process(context.Background(), sess, base, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, signed.ImagePath, unsigned.ImagePath)
	assert.NoFileExists(t, signed.SigPath)
}

func TestProcessWithoutSession(t *testing.T) {
	p, _, _ := newTestPipeline(t, time.Minute)
	_, err := p.Process(context.Background(), nil, base, []byte("x"))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestVerifyDetectsTampering(t *testing.T) {
	p, _, _ := newTestPipeline(t, time.Minute)
	sess := newFakeSession(t)

	res, err := p.Process(context.Background(), sess, base, []byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(res.ImagePath, []byte("tampered"), 0644))

	_, err = VerifyFile(sess.kp.PublicKey(), res.ImagePath)
	assert.ErrorIs(t, err, ErrBadSignature)

	other, err := signer.Generate()
	require.NoError(t, err)
	res, err = p.Process(context.Background(), sess, base.Add(time.Second), []byte("second"))
	require.NoError(t, err)
	_, err = VerifyFile(other.PublicKey(), res.ImagePath)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyCaptureAgainstIndex(t *testing.T) {
	p, idx, clk := newTestPipeline(t, time.Minute)
	sess := newFakeSession(t)

	_, err := p.Process(context.Background(), sess, base, []byte("signed"))
	require.NoError(t, err)

	sess.detect(base)
	late := base.Add(2 * time.Minute)
	clk.Set(late)
	_, err = p.Process(context.Background(), sess, late, []byte("unsigned"))
	require.NoError(t, err)

	check := VerifyCapture(sess.kp.PublicKey())
	require.Len(t, idx.captures, 2)
	for _, c := range idx.captures {
		assert.NoError(t, check(c), c.ImagePath)
	}

	// An index claiming a signature that is not on disk is a problem.
	forged := idx.captures[1]
	forged.Signed = true
	assert.ErrorIs(t, check(forged), ErrNoSignature)
}

func TestConcurrentExpiredFramesEraseOnce(t *testing.T) {
	p, idx, clk := newTestPipeline(t, time.Second)
	sess := newFakeSession(t)
	sess.detect(base)
	clk.Set(base.Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts := base.Add(time.Hour + time.Duration(i)*time.Second)
			_, err := p.Process(context.Background(), sess, ts, []byte{byte(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, idx.erased, 1)
}
