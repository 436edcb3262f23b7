// Package hardware drives the motion sensor and the camera.
package hardware

import (
	"context"
	"errors"
	"image"
)

var (
	ErrGPIOUnavailable   = errors.New("hardware: gpio pin unavailable")
	ErrCaptureFailed     = errors.New("hardware: capture failed")
	ErrUnsupportedFormat = errors.New("hardware: unsupported image format")
)

// MotionSensor is a binary presence sensor.
type MotionSensor interface {
	MotionDetected(ctx context.Context) (bool, error)
}

// Camera captures still frames.
type Camera interface {
	// CaptureFrame returns a decoded frame.
	CaptureFrame(ctx context.Context) (image.Image, error)

	// CaptureEncoded returns a frame encoded as format ("jpeg" or "png").
	CaptureEncoded(ctx context.Context, format string) ([]byte, error)
}
