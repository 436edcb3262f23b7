package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ErrInvalidConfig matches every error returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// ValidationErrors is every rejected field of one Validate call.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields lists the rejected field names in check order.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, ve := range e {
		fields[i] = ve.Field
	}
	return fields
}

type validator struct {
	errs ValidationErrors
}

// check records field as invalid unless ok.
func (v *validator) check(ok bool, field, format string, args ...any) {
	if !ok {
		v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
}

func (v *validator) required(value, field string) {
	v.check(value != "", field, "required")
}

func (v *validator) between(value, lo, hi float64, field string) {
	v.check(value >= lo && value <= hi, field, "%v is outside [%v, %v]", value, lo, hi)
}

func (v *validator) oneOf(value string, allowed []string, field string) {
	v.check(slices.Contains(allowed, value), field, "%q is not one of %s", value, strings.Join(allowed, ", "))
}

// ValidateConfig returns ValidationErrors listing every bad field, or nil.
func ValidateConfig(c *Config) error {
	var v validator
	v.check(c.Version >= 1 && c.Version <= Version, "version", "unsupported version %d (current %d)", c.Version, Version)

	s := c.Server
	v.required(s.ListenAddr, "server.listen_addr")
	v.required(s.DataDir, "server.data_dir")
	v.required(s.CapturesDir, "server.captures_dir")
	v.required(s.DBPath, "server.db_path")
	v.check(s.ShutdownTimeoutSec >= 0, "server.shutdown_timeout_sec", "cannot be negative")
	v.check(s.PreviewRatePerSec > 0, "server.preview_rate_per_sec", "must be positive")
	v.check(s.PreviewBurst >= 1, "server.preview_burst", "must be at least 1")

	d := c.Detection
	v.between(d.MinSSIMVsInit, -1, 1, "detection.min_ssim_vs_init")
	v.between(d.MinSSIMVsNext, -1, 1, "detection.min_ssim_vs_next")
	v.check(d.PIRIntervalMs >= 10, "detection.pir_interval_ms", "must be at least 10ms")
	v.check(d.CameraIntervalMs >= 10, "detection.camera_interval_ms", "must be at least 10ms")
	v.check(d.SecretsIntervalMs >= 10, "detection.secrets_interval_ms", "must be at least 10ms")
	v.check(d.SigningWindowSec >= 0, "detection.signing_window_sec", "cannot be negative")
	v.check(d.SecretMax >= 2, "detection.secret_max", "the secret range must hold at least two values")
	v.check(d.OverrunWarnFactor >= 1, "detection.overrun_warn_factor", "must be at least 1")

	r := c.Retention
	v.check(r.KeepInMemorySec >= 1, "retention.keep_in_memory_sec", "must be at least 1 second")
	v.check(r.Slack >= 0, "retention.slack", "cannot be negative")

	cam := c.Camera
	v.check(cam.Width >= 16 && cam.Height >= 16, "camera.width", "frame must be at least 16x16")
	v.required(cam.Command, "camera.command")
	v.between(float64(cam.JPEGQuality), 1, 100, "camera.jpeg_quality")
	v.check(cam.CaptureTimeoutSec >= 1, "camera.capture_timeout_sec", "must be at least 1 second")
	v.check(cam.PIRGPIO >= 0, "camera.pir_gpio", "cannot be negative")

	p := c.Push
	v.check(p.Subscriber == "" || isSubscriberURL(p.Subscriber), "push.subscriber", "must be a mailto: or https: URL")
	v.check(p.VAPIDPrivateKey == "" || p.VAPIDPublicKey != "", "push.vapid_public_key", "required when a private key is set")
	v.check(p.TTLSec >= 0, "push.ttl_sec", "cannot be negative")
	v.check(p.TimeoutSec >= 1, "push.timeout_sec", "must be at least 1 second")

	l := c.Logging
	v.oneOf(l.Level, []string{"debug", "info", "warn", "error"}, "logging.level")
	v.oneOf(l.Format, []string{"text", "json"}, "logging.format")
	v.oneOf(l.Output, []string{"stdout", "stderr", "file", "both"}, "logging.output")
	if l.Output == "file" || l.Output == "both" {
		v.required(l.FilePath, "logging.file_path")
	}
	v.check(l.MaxSizeMB >= 1, "logging.max_size_mb", "must be at least 1")
	v.check(l.MaxBackups >= 0, "logging.max_backups", "cannot be negative")
	v.check(l.MaxAgeDays >= 0, "logging.max_age_days", "cannot be negative")

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}

func isSubscriberURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "mailto" && u.Opaque != "") || (u.Scheme == "https" && u.Host != "")
}
