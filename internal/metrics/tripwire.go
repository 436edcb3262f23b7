package metrics

import (
	"time"
)

// TripwireMetrics holds the detection node's metrics. A nil *TripwireMetrics
// is valid and records nothing.
type TripwireMetrics struct {
	registry *Registry

	// Counters
	ArmsTotal           *Counter
	ReArmsTotal         *Counter
	TripsPIRTotal       *Counter
	TripsCamTotal       *Counter
	CapturesTotal       *Counter
	SignaturesTotal     *Counter
	AttachedTotal       *Counter
	KeyErasuresTotal    *Counter
	ReplaysTotal        *Counter
	ReplayMissesTotal   *Counter
	BroadcastDropsTotal *Counter
	PushSentTotal       *Counter
	PushFailedTotal     *Counter
	CycleOverrunsTotal  *Counter
	ErrorsTotal         *Counter

	// Gauges
	Observers       *Gauge
	RetentionSize   *Gauge
	Subscriptions   *Gauge
	UptimeSeconds   *Gauge
	LastDetectionTs *Gauge

	// Histograms
	CameraCycleDuration *Histogram
	PIRCycleDuration    *Histogram
	SignDuration        *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewTripwireMetrics creates and registers all tripwire metrics.
func NewTripwireMetrics(registry *Registry) *TripwireMetrics {
	if registry == nil {
		registry = Default()
	}

	return &TripwireMetrics{
		registry: registry,

		ArmsTotal: registry.RegisterCounter(
			"arms_total",
			"Total number of arm requests that started probing",
			nil,
		),
		ReArmsTotal: registry.RegisterCounter(
			"rearms_total",
			"Total number of session replacements",
			nil,
		),
		TripsPIRTotal: registry.RegisterCounter(
			"trips_pir_total",
			"Total number of motion sensor trips",
			nil,
		),
		TripsCamTotal: registry.RegisterCounter(
			"trips_cam_total",
			"Total number of camera trips",
			nil,
		),
		CapturesTotal: registry.RegisterCounter(
			"captures_total",
			"Total number of frames persisted",
			nil,
		),
		SignaturesTotal: registry.RegisterCounter(
			"signatures_total",
			"Total number of frames signed",
			nil,
		),
		AttachedTotal: registry.RegisterCounter(
			"signatures_attached_total",
			"Total number of signatures attached to live broadcasts",
			nil,
		),
		KeyErasuresTotal: registry.RegisterCounter(
			"key_erasures_total",
			"Total number of signing keys erased",
			nil,
		),
		ReplaysTotal: registry.RegisterCounter(
			"replays_total",
			"Total number of records re-broadcast on request",
			nil,
		),
		ReplayMissesTotal: registry.RegisterCounter(
			"replay_misses_total",
			"Total number of requested timestamps not in the buffer",
			nil,
		),
		BroadcastDropsTotal: registry.RegisterCounter(
			"broadcast_drops_total",
			"Total number of messages dropped for slow observers",
			nil,
		),
		PushSentTotal: registry.RegisterCounter(
			"push_sent_total",
			"Total number of push notifications delivered",
			nil,
		),
		PushFailedTotal: registry.RegisterCounter(
			"push_failed_total",
			"Total number of push notification failures",
			nil,
		),
		CycleOverrunsTotal: registry.RegisterCounter(
			"cycle_overruns_total",
			"Total number of loop iterations that overran their cadence",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		Observers: registry.RegisterGauge(
			"observers",
			"Number of connected realtime observers",
			nil,
		),
		RetentionSize: registry.RegisterGauge(
			"retention_records",
			"Number of records held in the retention buffer",
			nil,
		),
		Subscriptions: registry.RegisterGauge(
			"push_subscriptions",
			"Number of registered push subscriptions",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		LastDetectionTs: registry.RegisterGauge(
			"last_detection_timestamp",
			"Unix timestamp of the current session's detection, 0 if none",
			nil,
		),

		CameraCycleDuration: registry.RegisterHistogram(
			"camera_cycle_seconds",
			"Duration of camera probe iterations in seconds",
			nil,
			DurationBuckets,
		),
		PIRCycleDuration: registry.RegisterHistogram(
			"pir_cycle_seconds",
			"Duration of PIR probe iterations in seconds",
			nil,
			DurationBuckets,
		),
		SignDuration: registry.RegisterHistogram(
			"sign_duration_seconds",
			"Duration of digest, sign and persist in seconds",
			nil,
			DefaultBuckets,
		),
	}
}

// RecordArm records a successful arm or re-arm.
func (m *TripwireMetrics) RecordArm(rearm bool) {
	if m == nil {
		return
	}
	if rearm {
		m.ReArmsTotal.Inc()
	} else {
		m.ArmsTotal.Inc()
	}
	m.LastDetectionTs.Set(0)
}

// RecordTrip records a trip from the given source.
func (m *TripwireMetrics) RecordTrip(source string, won bool, at time.Time) {
	if m == nil {
		return
	}
	switch source {
	case "pir":
		m.TripsPIRTotal.Inc()
	default:
		m.TripsCamTotal.Inc()
	}
	if won {
		m.LastDetectionTs.Set(at.Unix())
	}
}

// RecordCapture records a persisted frame.
func (m *TripwireMetrics) RecordCapture(signed, attached bool, d time.Duration) {
	if m == nil {
		return
	}
	m.CapturesTotal.Inc()
	if signed {
		m.SignaturesTotal.Inc()
	}
	if attached {
		m.AttachedTotal.Inc()
	}
	m.SignDuration.ObserveDuration(d)
}

// RecordKeyErased records a signing key erasure.
func (m *TripwireMetrics) RecordKeyErased() {
	if m == nil {
		return
	}
	m.KeyErasuresTotal.Inc()
}

// RecordReplay records a replay request outcome.
func (m *TripwireMetrics) RecordReplay(sent, missing int) {
	if m == nil {
		return
	}
	m.ReplaysTotal.Add(uint64(sent))
	m.ReplayMissesTotal.Add(uint64(missing))
}

// RecordDrop records a message dropped for a slow observer.
func (m *TripwireMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.BroadcastDropsTotal.Inc()
}

// RecordPush records a dispatch outcome.
func (m *TripwireMetrics) RecordPush(sent, failed int) {
	if m == nil {
		return
	}
	m.PushSentTotal.Add(uint64(sent))
	m.PushFailedTotal.Add(uint64(failed))
}

// RecordCycle records a loop iteration duration for the named probe.
func (m *TripwireMetrics) RecordCycle(probe string, d time.Duration, overrun bool) {
	if m == nil {
		return
	}
	switch probe {
	case "pir":
		m.PIRCycleDuration.ObserveDuration(d)
	case "cam":
		m.CameraCycleDuration.ObserveDuration(d)
	}
	if overrun {
		m.CycleOverrunsTotal.Inc()
	}
}

// RecordError records an error.
func (m *TripwireMetrics) RecordError() {
	if m == nil {
		return
	}
	m.ErrorsTotal.Inc()
}

// SetObservers sets the number of connected observers.
func (m *TripwireMetrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(int64(n))
}

// SetRetentionSize sets the retention buffer size.
func (m *TripwireMetrics) SetRetentionSize(n int) {
	if m == nil {
		return
	}
	m.RetentionSize.Set(int64(n))
}

// SetSubscriptions sets the number of push subscriptions.
func (m *TripwireMetrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(int64(n))
}

// UpdateUptime updates the uptime metric.
func (m *TripwireMetrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Registry returns the registry the metrics are registered in.
func (m *TripwireMetrics) Registry() *Registry {
	return m.registry
}
