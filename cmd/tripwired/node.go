package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripwire/internal/config"
	"tripwire/internal/daemon"
	"tripwire/internal/detect"
	"tripwire/internal/evidence"
	"tripwire/internal/hardware"
	"tripwire/internal/health"
	"tripwire/internal/logging"
	"tripwire/internal/metrics"
	"tripwire/internal/push"
	"tripwire/internal/realtime"
	"tripwire/internal/retention"
	"tripwire/internal/security"
	"tripwire/internal/server"
	"tripwire/internal/store"
)

const minFreeDisk = 64 << 20

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "tripwired",
	})
}

// serve wires every component, runs until ctx is canceled and tears
// everything down in reverse order.
func serve(ctx context.Context, loader *config.Loader, cfg *config.Config, mgr *daemon.Manager) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	if err := security.DisableCoreDumps(); err != nil {
		logger.Warn("could not disable core dumps", "error", err)
	}

	if err := mgr.Acquire(); err != nil {
		return err
	}
	defer mgr.Release()

	startedAt := time.Now()
	if err := mgr.WriteState(&daemon.State{
		PID:        os.Getpid(),
		StartedAt:  startedAt,
		Version:    version,
		ListenAddr: cfg.Server.ListenAddr,
	}); err != nil {
		logger.Warn("write daemon state failed", "error", err)
	}

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Server.AuditLogPath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()
	if err := audit.LogStartup(ctx, version); err != nil {
		logger.Warn("audit startup failed", "error", err)
	}

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Server.CrashDir,
		Version:   version,
		Component: "tripwired",
		Logger:    logger,
	})

	m := metrics.NewTripwireMetrics(metrics.NewRegistry("tripwire", ""))

	db, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open capture index: %w", err)
	}
	defer db.Close()

	pipeline, err := evidence.New(evidence.Config{
		CapturesDir:   cfg.Server.CapturesDir,
		SigningWindow: cfg.Detection.SigningWindow(),
		Index:         db,
		Logger:        logger,
		Audit:         audit,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.Config{Logger: logger, Metrics: m})
	buf := retention.New(retention.Config{
		Window:      cfg.Retention.Window(),
		Slack:       cfg.Retention.Slack,
		Broadcaster: hub,
		Logger:      logger,
		Metrics:     m,
	})

	var sender push.Sender
	webPush, err := push.NewWebPushSender(push.WebPushConfig{
		VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber:      cfg.Push.Subscriber,
		TTL:             cfg.Push.TTLSec,
		Timeout:         time.Duration(cfg.Push.TimeoutSec) * time.Second,
	})
	switch {
	case errors.Is(err, push.ErrNotConfigured):
		logger.Warn("push notifications disabled: no VAPID key pair configured")
	case err != nil:
		return err
	default:
		sender = webPush
	}
	subscriptions := push.NewRegistry(sender, logger, m)

	sensor := hardware.NewCdevMotionSensor(hardware.LineConfig{
		Chip:   cfg.Camera.GPIOChip,
		Offset: cfg.Camera.PIRGPIO,
	})
	defer sensor.Close()
	camera := hardware.NewCommandCamera(hardware.CommandCameraConfig{
		Command:     cfg.Camera.Command,
		Args:        cfg.Camera.Args,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		JPEGQuality: cfg.Camera.JPEGQuality,
		Timeout:     time.Duration(cfg.Camera.CaptureTimeoutSec) * time.Second,
	})

	coord, err := detect.New(detect.Config{
		Sensor:        sensor,
		Camera:        camera,
		Pipeline:      pipeline,
		Retention:     buf,
		Broadcaster:   hub,
		Notifier:      subscriptions,
		Store:         db,
		DataDir:       cfg.Server.DataDir,
		Detection:     cfg.Detection,
		JPEGQuality:   cfg.Camera.JPEGQuality,
		NotifyMessage: cfg.Push.Message,
		NotifyTimeout: time.Duration(cfg.Push.TimeoutSec) * time.Second,
		Logger:        logger,
		Audit:         audit,
		Metrics:       m,
		Crash:         crash,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.DatabaseCheck(db.Ping))
	checker.RegisterFunc("captures_dir", true, health.FileExistsCheck(cfg.Server.CapturesDir))
	checker.RegisterFunc("disk", false, health.DiskSpaceCheck(cfg.Server.CapturesDir, minFreeDisk))
	checker.RegisterFunc("camera_probe", false, health.TaskCheck(func() bool {
		return !coord.Armed() || coord.CameraRunning()
	}, false))
	checker.RegisterFunc("push", false, health.CustomCheck(func() error {
		if sender == nil {
			return push.ErrNotConfigured
		}
		return nil
	}))

	srv, err := server.New(server.Config{
		Controller:     coord,
		Replayer:       buf,
		Subscriptions:  subscriptions,
		Hub:            hub,
		Health:         checker,
		Metrics:        m,
		VAPIDPublicKey: func() string { return cfg.Push.VAPIDPublicKey },
		ClientConfig:   func() map[string]any { return loader.Config().Client },
		StartTime:      startedAt,
		PreviewLimiter: security.NewRateLimiter(cfg.Server.PreviewRatePerSec, cfg.Server.PreviewBurst),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	apply := func(old, next *config.Config) {
		coord.Apply(next.Detection)
		buf.SetWindow(next.Retention.Window())
		auditConfigChange(ctx, audit, logger, old, next)
		logger.Info("configuration applied",
			"min_ssim_vs_init", next.Detection.MinSSIMVsInit,
			"min_ssim_vs_next", next.Detection.MinSSIMVsNext,
			"signing_window", next.Detection.SigningWindow().String(),
			"retention", next.Retention.Window().String())
	}
	loader.OnChange(apply)
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer loader.Close()

	go watchSignals(ctx, loader, apply, logger)
	go reportLoop(ctx, loader, m, hub, db, logger, crash)

	if cfg.Server.ArmOnStart {
		if _, err := coord.Arm(ctx); err != nil {
			logger.Error("arm on start failed", "error", err)
		}
	}
	checker.SetReady(true)

	logger.Info("tripwired started",
		"version", version,
		"listen", cfg.Server.ListenAddr,
		"captures", cfg.Server.CapturesDir)

	serveErr := srv.ListenAndServe(ctx, cfg.Server.ListenAddr, time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("detection shutdown incomplete", "error", err)
	}

	reason := "signal"
	if serveErr != nil {
		reason = serveErr.Error()
	}
	if err := audit.LogShutdown(context.Background(), reason); err != nil {
		logger.Warn("audit shutdown failed", "error", err)
	}
	logger.Info("tripwired stopped")
	return serveErr
}

// watchSignals reloads the configuration on SIGHUP.
// auditConfigChange records a changed detection section in the audit trail.
func auditConfigChange(ctx context.Context, audit *logging.AuditLogger, logger *logging.Logger, old, next *config.Config) {
	if old == nil || old.Detection == next.Detection {
		return
	}
	err := audit.LogConfigChange(ctx, "detection",
		fmt.Sprintf("%+v", old.Detection), fmt.Sprintf("%+v", next.Detection))
	if err != nil {
		logger.Warn("audit write failed", "error", err)
	}
}

func watchSignals(ctx context.Context, loader *config.Loader, apply func(old, next *config.Config), logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			old := loader.Config()
			next, err := loader.Load()
			if err != nil {
				logger.Error("reload failed", "error", err)
				continue
			}
			apply(old, next)
		}
	}
}

// reportLoop keeps the uptime gauge current, logs hub and index counters
// and surfaces watcher errors.
func reportLoop(ctx context.Context, loader *config.Loader, m *metrics.TripwireMetrics, hub *realtime.Hub, db *store.Store, logger *logging.Logger, crash *logging.CrashHandler) {
	defer crash.RecoverGoroutine("report_loop")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateUptime()
			// Once a minute is enough for the counters.
			if n++; n%6 != 0 {
				continue
			}
			hs := hub.Stats()
			args := []any{"observers", hs.Clients, "published", hs.Published, "sent", hs.Sent, "dropped", hs.Dropped}
			if st, err := db.Stats(); err == nil {
				args = append(args, "sessions", st.Sessions, "captures", st.Captures, "signed", st.SignedCaptures, "trips", st.Trips)
			}
			logger.Debug("node stats", args...)
		case err := <-loader.Errors():
			logger.Warn("config reload rejected", "error", err)
		}
	}
}
