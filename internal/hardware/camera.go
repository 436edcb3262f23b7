package hardware

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RunFunc runs a capture command and returns its stdout.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandCameraConfig configures a CommandCamera.
type CommandCameraConfig struct {
	Command     string // default "rpicam-still"
	Args        []string
	Width       int
	Height      int
	JPEGQuality int
	Timeout     time.Duration

	// Run replaces process execution; used by tests.
	Run RunFunc
}

// CommandCamera captures stills by running a command that writes a JPEG to
// stdout. Captures are serialized; the device allows one at a time.
type CommandCamera struct {
	name    string
	args    []string
	timeout time.Duration
	quality int
	run     RunFunc

	mu sync.Mutex
}

// NewCommandCamera creates a camera.
func NewCommandCamera(cfg CommandCameraConfig) *CommandCamera {
	name := cfg.Command
	if name == "" {
		name = "rpicam-still"
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	args := []string{"--nopreview", "--immediate", "--encoding", "jpg", "--quality", strconv.Itoa(quality), "--output", "-"}
	if cfg.Width > 0 && cfg.Height > 0 {
		args = append(args, "--width", strconv.Itoa(cfg.Width), "--height", strconv.Itoa(cfg.Height))
	}
	args = append(args, cfg.Args...)

	run := cfg.Run
	if run == nil {
		run = runCommand
	}

	return &CommandCamera{
		name:    name,
		args:    args,
		timeout: cfg.Timeout,
		quality: quality,
		run:     run,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return out, nil
}

func (c *CommandCamera) capture(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.run(ctx, c.name, c.args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrCaptureFailed)
	}
	return out, nil
}

// CaptureFrame implements Camera.
func (c *CommandCamera) CaptureFrame(ctx context.Context) (image.Image, error) {
	raw, err := c.capture(ctx)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode jpeg: %v", ErrCaptureFailed, err)
	}
	return img, nil
}

// CaptureEncoded implements Camera.
func (c *CommandCamera) CaptureEncoded(ctx context.Context, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return c.capture(ctx)
	case "png":
		img, err := c.CaptureFrame(ctx)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("hardware: encode png: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// EncodeJPEG encodes img at quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("hardware: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
