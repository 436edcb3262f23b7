package detect

import (
	"context"
	"image"
	"time"

	"tripwire/internal/hardware"
	"tripwire/internal/retention"
)

func (c *Coordinator) pacer(name string, interval time.Duration) *pacer {
	return &pacer{
		name:       name,
		interval:   interval,
		warnFactor: c.warnFactor,
		logger:     c.logger,
		onCycle: func(d time.Duration, overrun bool) {
			c.metrics.RecordCycle(name, d, overrun)
		},
	}
}

// runPIR polls the motion sensor until it reports motion, trips, and ends.
func (c *Coordinator) runPIR(ctx context.Context) TaskState {
	p := c.pacer("pir", c.pirInterval)
	failing := false

	for {
		start := time.Now()
		motion, err := c.sensor.MotionDetected(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return TaskStopped
		case err != nil:
			if !failing {
				c.logger.Warn("motion sensor read failed", "error", err)
			}
			failing = true
			c.metrics.RecordError()
		case motion:
			if sess := c.Session(); sess != nil {
				c.recordTrip(ctx, sess, SourcePIR)
			}
			return TaskDone
		default:
			if failing {
				c.logger.Info("motion sensor recovered")
				failing = false
			}
		}

		if !p.wait(ctx, start) {
			return TaskStopped
		}
	}
}

// camState is the camera probe's view of the session it is comparing
// frames for.
type camState struct {
	session *Session
	initial image.Image
	prev    image.Image
	failing bool
}

// runCamera captures a frame every cycle, compares it while the camera
// secret is alive, and signs and records it. It never ends on its own.
func (c *Coordinator) runCamera(ctx context.Context) TaskState {
	p := c.pacer("cam", c.camInterval)
	st := &camState{}

	for {
		start := time.Now()
		c.cameraCycle(ctx, st)
		if !p.wait(ctx, start) {
			return TaskStopped
		}
	}
}

func (c *Coordinator) cameraCycle(ctx context.Context, st *camState) {
	sess := c.Session()
	if sess == nil {
		return
	}

	frame, err := c.camera.CaptureFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !st.failing {
			c.logger.Warn("camera capture failed", "error", err)
		}
		st.failing = true
		c.metrics.RecordError()
		return
	}
	if st.failing {
		c.logger.Info("camera recovered")
		st.failing = false
	}
	ts := c.now()

	// A new session gets a new baseline.
	if st.session != sess {
		st.session, st.initial = sess, frame
	} else if !sess.CamSecret().IsDestroyed() && c.changed(st, frame) {
		c.recordTrip(ctx, sess, SourceCam)
	}
	st.prev = frame

	raw, err := hardware.EncodeJPEG(frame, c.jpegQuality)
	if err != nil {
		c.logger.Error("encode frame", "error", err)
		c.metrics.RecordError()
		return
	}

	res, err := c.pipeline.Process(ctx, sess, ts, raw)
	if err != nil {
		c.logger.Error("persist frame", "error", err)
		c.metrics.RecordError()
		return
	}
	c.retention.Record(retention.NewRecord(ts, raw, res.AttachedSignature()))
}

// changed compares frame against the session baseline and the previous
// frame and reports whether either score is below its threshold.
func (c *Coordinator) changed(st *camState, frame image.Image) bool {
	th := c.Thresholds()

	vsInit, err := c.similarity(st.initial, frame)
	if err != nil {
		c.logger.Warn("similarity vs initial frame failed", "error", err)
		return false
	}
	vsNext, err := c.similarity(st.prev, frame)
	if err != nil {
		c.logger.Warn("similarity vs previous frame failed", "error", err)
		return false
	}

	c.logger.Debug("frame similarity", "vs_init", vsInit, "vs_next", vsNext)
	switch {
	case vsInit < th.MinSSIMVsInit:
		c.logger.Info("camera change vs initial frame", "ssim", vsInit, "threshold", th.MinSSIMVsInit)
		return true
	case vsNext < th.MinSSIMVsNext:
		c.logger.Info("camera change vs previous frame", "ssim", vsNext, "threshold", th.MinSSIMVsNext)
		return true
	}
	return false
}
