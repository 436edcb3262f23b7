// Package detect runs the armed/tripped state machine: the arm session, the
// PIR and camera probes racing to claim the first detection, and the loop
// that mirrors sensor secrets to observers.
package detect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tripwire/internal/config"
	"tripwire/internal/evidence"
	"tripwire/internal/hardware"
	"tripwire/internal/logging"
	"tripwire/internal/metrics"
	"tripwire/internal/push"
	"tripwire/internal/retention"
	"tripwire/internal/secret"
	"tripwire/internal/security"
	"tripwire/internal/similarity"
	"tripwire/internal/store"
)

var (
	ErrAlreadyArmed    = errors.New("detect: already armed")
	ErrCameraProbeDown = errors.New("detect: camera probe is not running")
	ErrClosed          = errors.New("detect: coordinator closed")
)

// PubKeyFile is the name of the current session public key in the data dir.
const PubKeyFile = "pubkey.pem"

// State is the coordinator state. Tripped and KeyExpired are sub-states
// of Armed; probing continues in all three.
type State int

const (
	StateDisarmed State = iota
	StateArmed
	StateTripped
	StateKeyExpired
)

func (s State) String() string {
	switch s {
	case StateDisarmed:
		return "DISARMED"
	case StateArmed:
		return "ARMED"
	case StateTripped:
		return "TRIPPED"
	case StateKeyExpired:
		return "KEY_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// SessionStore persists sessions and trips. *store.Store satisfies it.
type SessionStore interface {
	InsertSession(sess *store.Session) error
	MarkDetection(sessionID string, at time.Time) (bool, error)
	InsertTrip(t *store.Trip) (int64, error)
}

// Notifier delivers the trip notification. *push.Registry satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, message string) push.DispatchResult
}

// Thresholds are the camera trip thresholds.
type Thresholds struct {
	MinSSIMVsInit float64
	MinSSIMVsNext float64
}

// Config wires a Coordinator.
type Config struct {
	Sensor      hardware.MotionSensor
	Camera      hardware.Camera
	Similarity  similarity.Func // default similarity.SSIM
	Pipeline    *evidence.Pipeline
	Retention   *retention.Buffer
	Broadcaster retention.Broadcaster // secrets broadcast; optional
	Notifier    Notifier              // optional
	Store       SessionStore          // optional
	DataDir     string                // receives pubkey.pem; optional

	Detection     config.DetectionConfig
	JPEGQuality   int
	NotifyMessage string
	NotifyTimeout time.Duration

	Logger  *logging.Logger
	Audit   *logging.AuditLogger
	Metrics *metrics.TripwireMetrics
	Crash   *logging.CrashHandler
	Now     func() time.Time
}

// Coordinator owns the arm session and the probe tasks.
type Coordinator struct {
	sensor      hardware.MotionSensor
	camera      hardware.Camera
	similarity  similarity.Func
	pipeline    *evidence.Pipeline
	retention   *retention.Buffer
	broadcaster retention.Broadcaster
	notifier    Notifier
	store       SessionStore
	dataDir     string

	pirInterval     time.Duration
	camInterval     time.Duration
	secretsInterval time.Duration
	warnFactor      float64
	secretMax       int64
	jpegQuality     int
	notifyMessage   string
	notifyTimeout   time.Duration

	thresholds atomic.Pointer[Thresholds]

	logger  *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.TripwireMetrics
	crash   *logging.CrashHandler
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *Session
	armed   bool
	closed  bool
	pir     *task
	cam     *task
	secrets *task

	notifyWG sync.WaitGroup
}

// New creates a disarmed coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sensor == nil || cfg.Camera == nil {
		return nil, errors.New("detect: motion sensor and camera are required")
	}
	if cfg.Pipeline == nil || cfg.Retention == nil {
		return nil, errors.New("detect: evidence pipeline and retention buffer are required")
	}

	c := &Coordinator{
		sensor:          cfg.Sensor,
		camera:          cfg.Camera,
		similarity:      cfg.Similarity,
		pipeline:        cfg.Pipeline,
		retention:       cfg.Retention,
		broadcaster:     cfg.Broadcaster,
		notifier:        cfg.Notifier,
		store:           cfg.Store,
		dataDir:         cfg.DataDir,
		pirInterval:     orDuration(cfg.Detection.PIRInterval(), 500*time.Millisecond),
		camInterval:     orDuration(cfg.Detection.CameraInterval(), time.Second),
		secretsInterval: orDuration(cfg.Detection.SecretsInterval(), time.Second),
		warnFactor:      cfg.Detection.OverrunWarnFactor,
		secretMax:       cfg.Detection.SecretMax,
		jpegQuality:     cfg.JPEGQuality,
		notifyMessage:   cfg.NotifyMessage,
		notifyTimeout:   orDuration(cfg.NotifyTimeout, 30*time.Second),
		logger:          cfg.Logger,
		audit:           cfg.Audit,
		metrics:         cfg.Metrics,
		crash:           cfg.Crash,
		now:             cfg.Now,
	}
	if c.similarity == nil {
		c.similarity = similarity.SSIM
	}
	if c.secretMax <= 0 {
		c.secretMax = secret.DefaultMax
	}
	if c.jpegQuality <= 0 || c.jpegQuality > 100 {
		c.jpegQuality = 85
	}
	if c.notifyMessage == "" {
		c.notifyMessage = "Motion detected!"
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	c.logger = c.logger.WithComponent("detect")
	if c.now == nil {
		c.now = time.Now
	}
	c.thresholds.Store(&Thresholds{
		MinSSIMVsInit: cfg.Detection.MinSSIMVsInit,
		MinSSIMVsNext: cfg.Detection.MinSSIMVsNext,
	})

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Arm creates a session and starts the probes. It fails with
// ErrAlreadyArmed unless the coordinator is disarmed.
func (c *Coordinator) Arm(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.armed {
		return nil, ErrAlreadyArmed
	}
	return c.armLocked(ctx)
}

func (c *Coordinator) armLocked(ctx context.Context) (*Session, error) {
	sess, err := c.installSessionLocked(ctx, false)
	if err != nil {
		return nil, err
	}
	c.armed = true
	c.pir = startTask(c.ctx, "pir_probe", c.crash, c.runPIR)
	c.cam = startTask(c.ctx, "camera_probe", c.crash, c.runCamera)
	c.secrets = startTask(c.ctx, "secrets_broadcast", c.crash, c.runSecrets)
	return sess, nil
}

// ReArm replaces the session with a fresh one and restarts a terminated
// PIR probe. When disarmed it arms. A camera probe that is no longer
// running is reported as ErrCameraProbeDown and the session is kept.
func (c *Coordinator) ReArm(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.armed {
		return c.armLocked(ctx)
	}

	if !c.cam.Running() {
		c.logger.Error("re-arm refused, camera probe is down", "state", c.cam.State().String())
		c.metrics.RecordError()
		if err := c.audit.LogError(ctx, "re_arm", ErrCameraProbeDown); err != nil {
			c.logger.Warn("audit write failed", "error", err)
		}
		return nil, ErrCameraProbeDown
	}

	sess, err := c.installSessionLocked(ctx, true)
	if err != nil {
		return nil, err
	}

	if !c.pir.Running() {
		c.logger.Info("restarting pir probe", "previous_state", c.pir.State().String())
		c.pir = startTask(c.ctx, "pir_probe", c.crash, c.runPIR)
	}
	if !c.secrets.Running() {
		c.logger.Warn("restarting secrets broadcast", "previous_state", c.secrets.State().String())
		c.secrets = startTask(c.ctx, "secrets_broadcast", c.crash, c.runSecrets)
	}
	return sess, nil
}

// installSessionLocked creates a session and makes it current.
func (c *Coordinator) installSessionLocked(ctx context.Context, rearm bool) (*Session, error) {
	sess, err := NewSession(c.secretMax, c.now())
	if err != nil {
		return nil, err
	}
	old := c.session
	c.session = sess

	c.persistSession(sess)

	c.metrics.RecordArm(rearm)
	if err := c.audit.LogArm(ctx, sess.ID(), sess.Keypair().PubKeyHash(), rearm); err != nil {
		c.logger.Warn("audit write failed", "error", err)
	}

	args := []any{"session_id", sess.ID(), "rearm", rearm}
	if old != nil {
		args = append(args, "previous_session_id", old.ID())
	}
	c.logger.Info("armed", args...)
	return sess, nil
}

// persistSession writes pubkey.pem and indexes the session. Failures are
// logged; the session is usable without either.
func (c *Coordinator) persistSession(sess *Session) {
	pemBytes, err := sess.Keypair().PublicKeyPEM()
	if err != nil {
		c.logger.Error("encode public key", "error", err)
		return
	}

	if c.dataDir != "" {
		path := filepath.Join(c.dataDir, PubKeyFile)
		if err := security.WriteSecureFile(path, pemBytes, security.PermPublicFile); err != nil {
			c.logger.Warn("write public key failed", "path", path, "error", err)
		}
	}

	if c.store != nil {
		err := c.store.InsertSession(&store.Session{
			ID:         sess.ID(),
			PubKeyPEM:  string(pemBytes),
			PubKeyHash: sess.Keypair().PubKeyHash(),
			ArmedAt:    sess.ArmedAt(),
		})
		if err != nil {
			c.logger.Warn("index session failed", "session_id", sess.ID(), "error", err)
			c.metrics.RecordError()
		}
	}
}

// RecordTrip records a trip of src against the current session. See
// recordTrip.
func (c *Coordinator) RecordTrip(ctx context.Context, src Source) (time.Time, bool) {
	sess := c.Session()
	if sess == nil {
		return time.Time{}, false
	}
	return c.recordTrip(ctx, sess, src)
}

// recordTrip sets the session detection time if it is still unset, and in
// every case destroys the source's secret and sends the notification. It
// returns the detection time and whether this call set it.
func (c *Coordinator) recordTrip(ctx context.Context, sess *Session, src Source) (time.Time, bool) {
	at := c.now()
	detection, won := sess.markDetection(at)
	sess.Secret(src).Destroy()

	c.logger.Info("sensor tripped",
		"session_id", sess.ID(), "source", string(src), "first", won,
		"detection_time", detection.Format(time.RFC3339Nano))
	c.metrics.RecordTrip(string(src), won, detection)
	if err := c.audit.LogTrip(ctx, sess.ID(), string(src), won, detection); err != nil {
		c.logger.Warn("audit write failed", "error", err)
	}

	if c.store != nil {
		if _, err := c.store.InsertTrip(&store.Trip{
			SessionID: sess.ID(),
			Source:    string(src),
			At:        at,
			First:     won,
		}); err != nil {
			c.logger.Warn("index trip failed", "error", err)
		}
		if won {
			if _, err := c.store.MarkDetection(sess.ID(), detection); err != nil {
				c.logger.Warn("index detection failed", "error", err)
			}
		}
	}

	c.notify(src)
	return detection, won
}

// notify dispatches the push notification without blocking the probe.
func (c *Coordinator) notify(src Source) {
	if c.notifier == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.notifyWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.notifyWG.Done()
		defer c.crash.RecoverGoroutine("push_notify")

		ctx, cancel := context.WithTimeout(c.ctx, c.notifyTimeout)
		defer cancel()

		res := c.notifier.Dispatch(ctx, c.notifyMessage)
		c.logger.Info("trip notification dispatched",
			"source", string(src), "sent", res.Sent, "failed", res.Failed)
	}()
}

// Session returns the current session, or nil when never armed.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Armed reports whether Arm has succeeded.
func (c *Coordinator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// State derives the coordinator state from the current session.
func (c *Coordinator) State() State {
	c.mu.Lock()
	armed, sess := c.armed, c.session
	c.mu.Unlock()

	switch {
	case !armed || sess == nil:
		return StateDisarmed
	case sess.Keypair().Erased():
		return StateKeyExpired
	}
	if _, ok := sess.DetectionTime(); ok {
		return StateTripped
	}
	return StateArmed
}

// TaskStates reports the state of each probe and loop.
func (c *Coordinator) TaskStates() map[string]TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]TaskState{
		"pir_probe":         c.pir.State(),
		"camera_probe":      c.cam.State(),
		"secrets_broadcast": c.secrets.State(),
	}
}

// CameraRunning reports whether the camera probe is running.
func (c *Coordinator) CameraRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cam.Running()
}

// Preview captures one JPEG frame outside the probe cadence.
func (c *Coordinator) Preview(ctx context.Context) ([]byte, error) {
	raw, err := c.camera.CaptureEncoded(ctx, "jpeg")
	if err != nil {
		return nil, fmt.Errorf("detect: preview: %w", err)
	}
	return raw, nil
}

// Thresholds returns the current camera trip thresholds.
func (c *Coordinator) Thresholds() Thresholds {
	return *c.thresholds.Load()
}

// Apply hot-reloads the thresholds and the signing window.
func (c *Coordinator) Apply(d config.DetectionConfig) {
	old := c.Thresholds()
	next := Thresholds{MinSSIMVsInit: d.MinSSIMVsInit, MinSSIMVsNext: d.MinSSIMVsNext}
	c.thresholds.Store(&next)
	c.pipeline.SetSigningWindow(d.SigningWindow())

	if old != next {
		c.logger.Info("detection thresholds updated",
			"min_ssim_vs_init", next.MinSSIMVsInit, "min_ssim_vs_next", next.MinSSIMVsNext)
	}
}

// Close stops every task and waits for in-flight notifications, bounded by
// ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tasks := []*task{c.pir, c.cam, c.secrets}
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		for _, t := range tasks {
			if t != nil {
				<-t.done
			}
		}
		c.notifyWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("detect: close: %w", ctx.Err())
	}
}
