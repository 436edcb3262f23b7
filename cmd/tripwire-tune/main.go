// Command tripwire-tune helps choose the camera trip thresholds.
//
// It captures a series of frames of an undisturbed scene and reports the
// lowest similarity seen against the first frame and between consecutive
// frames. Thresholds a little below those minima avoid false trips from
// sensor noise and lighting drift.
//
// Usage:
//
//	tripwire-tune [--config path] [-n frames] [--interval 1s] [--out dir]
package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"tripwire/internal/config"
	"tripwire/internal/hardware"
	"tripwire/internal/security"
	"tripwire/internal/similarity"
)

// Options controls one tuning run.
type Options struct {
	Frames       int
	InitialDelay time.Duration
	Interval     time.Duration
	OutputDir    string // frames are saved here when set
	JPEGQuality  int
}

// Result holds the similarity minima of a run.
type Result struct {
	Frames        int
	MinSSIMVsInit float64
	MinSSIMVsNext float64
}

// Suggest returns thresholds with the given relative margin below the
// observed minima.
func (r Result) Suggest(margin float64) (vsInit, vsNext float64) {
	return r.MinSSIMVsInit * (1 - margin), r.MinSSIMVsNext * (1 - margin)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tripwire-tune: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", config.ConfigPath(), "configuration file")
	frames := pflag.IntP("frames", "n", 0, "number of frames (default: tuning.num_images)")
	interval := pflag.Duration("interval", 0, "delay between frames (default: tuning.interval_sec)")
	outDir := pflag.StringP("out", "o", "", "keep captured frames in this directory")
	margin := pflag.Float64("margin", 0.05, "relative margin below the observed minima")
	pflag.Parse()

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	opts := Options{
		Frames:       cfg.Tuning.NumImages,
		InitialDelay: time.Duration(cfg.Tuning.InitialDelaySec) * time.Second,
		Interval:     time.Duration(cfg.Tuning.IntervalSec) * time.Second,
		OutputDir:    cfg.Tuning.OutputDir,
		JPEGQuality:  cfg.Camera.JPEGQuality,
	}
	if *frames > 0 {
		opts.Frames = *frames
	}
	if *interval > 0 {
		opts.Interval = *interval
	}
	if *outDir != "" {
		opts.OutputDir = *outDir
	}

	cam := hardware.NewCommandCamera(hardware.CommandCameraConfig{
		Command:     cfg.Camera.Command,
		Args:        cfg.Camera.Args,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		JPEGQuality: cfg.Camera.JPEGQuality,
		Timeout:     time.Duration(cfg.Camera.CaptureTimeoutSec) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "capturing %d frames, keep the scene still...\n", opts.Frames)
	res, err := Tune(ctx, cam, similarity.SSIM, opts, os.Stderr)
	if err != nil {
		return err
	}

	vsInit, vsNext := res.Suggest(*margin)
	fmt.Printf("frames:            %d\n", res.Frames)
	fmt.Printf("min SSIM vs init:  %.4f (configured %.4f)\n", res.MinSSIMVsInit, cfg.Detection.MinSSIMVsInit)
	fmt.Printf("min SSIM vs next:  %.4f (configured %.4f)\n", res.MinSSIMVsNext, cfg.Detection.MinSSIMVsNext)
	fmt.Println()
	fmt.Println("[detection]")
	fmt.Printf("min_ssim_vs_init = %.3f\n", vsInit)
	fmt.Printf("min_ssim_vs_next = %.3f\n", vsNext)
	return nil
}

// Tune captures opts.Frames frames and measures their similarity.
// Progress is written to progress.
func Tune(ctx context.Context, cam hardware.Camera, sim similarity.Func, opts Options, progress io.Writer) (Result, error) {
	if opts.Frames < 2 {
		return Result{}, fmt.Errorf("need at least 2 frames, got %d", opts.Frames)
	}
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, security.PermSecretDir); err != nil {
			return Result{}, err
		}
	}
	if err := sleep(ctx, opts.InitialDelay); err != nil {
		return Result{}, err
	}

	res := Result{MinSSIMVsInit: math.Inf(1), MinSSIMVsNext: math.Inf(1)}
	var first, prev image.Image

	for i := 0; i < opts.Frames; i++ {
		if i > 0 {
			if err := sleep(ctx, opts.Interval); err != nil {
				return Result{}, err
			}
		}
		frame, err := cam.CaptureFrame(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("frame %d: %w", i, err)
		}
		res.Frames++

		if opts.OutputDir != "" {
			if err := saveFrame(opts.OutputDir, i, frame, opts.JPEGQuality); err != nil {
				return Result{}, err
			}
		}

		if first == nil {
			first, prev = frame, frame
			fmt.Fprintf(progress, "frame %2d: reference\n", i)
			continue
		}

		vsInit, err := sim(first, frame)
		if err != nil {
			return Result{}, fmt.Errorf("frame %d: %w", i, err)
		}
		vsNext, err := sim(prev, frame)
		if err != nil {
			return Result{}, fmt.Errorf("frame %d: %w", i, err)
		}
		res.MinSSIMVsInit = math.Min(res.MinSSIMVsInit, vsInit)
		res.MinSSIMVsNext = math.Min(res.MinSSIMVsNext, vsNext)
		prev = frame

		fmt.Fprintf(progress, "frame %2d: vs init %.4f, vs prev %.4f\n", i, vsInit, vsNext)
	}
	return res, nil
}

func saveFrame(dir string, i int, img image.Image, quality int) error {
	raw, err := hardware.EncodeJPEG(img, quality)
	if err != nil {
		return err
	}
	return security.WriteSecureFile(filepath.Join(dir, fmt.Sprintf("tune-%03d.jpg", i)), raw, security.PermPublicFile)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
