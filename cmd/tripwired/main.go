// tripwired is the tripwire node daemon.
//
// It polls a PIR motion sensor and a camera, signs captured frames with a
// per-session key that is erased shortly after the first detection, and
// serves the live feed, sensor secrets and push registration over HTTP.
//
// Usage:
//
//	tripwired [flags]
//	tripwired --status
//	tripwired --stop
//	tripwired --reload
//	tripwired --generate-vapid-keys
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"tripwire/internal/config"
	"tripwire/internal/daemon"
	"tripwire/internal/push"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

type options struct {
	configPath  string
	listenAddr  string
	arm         bool
	status      bool
	stop        bool
	reload      bool
	genVAPID    bool
	showVersion bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tripwired: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flags := pflag.NewFlagSet("tripwired", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", config.ConfigPath(), "configuration file (TOML, JSON or YAML)")
	flags.StringVarP(&opts.listenAddr, "listen", "l", "", "override the HTTP listen address")
	flags.BoolVar(&opts.arm, "arm", false, "arm as soon as the daemon is up")
	flags.BoolVar(&opts.status, "status", false, "print the status of the running daemon and exit")
	flags.BoolVar(&opts.stop, "stop", false, "stop the running daemon and exit")
	flags.BoolVar(&opts.reload, "reload", false, "ask the running daemon to reload its configuration")
	flags.BoolVar(&opts.genVAPID, "generate-vapid-keys", false, "print a fresh VAPID key pair and exit")
	flags.BoolVarP(&opts.showVersion, "version", "v", false, "print version and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "tripwired - tamper-evident motion tripwire\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	switch {
	case opts.showVersion:
		fmt.Printf("tripwired %s (%s, built %s)\n", version, commit, buildTime)
		return nil
	case opts.genVAPID:
		return generateVAPID()
	}

	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.listenAddr != "" {
		cfg.Server.ListenAddr = opts.listenAddr
	}
	if opts.arm {
		cfg.Server.ArmOnStart = true
	}

	mgr := daemon.NewManager(cfg.Server.PidFile)
	switch {
	case opts.status:
		return printStatus(mgr)
	case opts.stop:
		if err := mgr.SignalStop(); err != nil {
			return err
		}
		if err := mgr.WaitForStop(time.Duration(cfg.Server.ShutdownTimeoutSec+5) * time.Second); err != nil {
			return err
		}
		fmt.Println("tripwired stopped")
		return nil
	case opts.reload:
		return mgr.SignalReload()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, loader, cfg, mgr)
}

func printStatus(mgr *daemon.Manager) error {
	st := mgr.Status()
	if !st.Running {
		fmt.Println("tripwired is not running")
		return nil
	}
	fmt.Printf("tripwired is running\n")
	fmt.Printf("  PID:     %d\n", st.PID)
	fmt.Printf("  Version: %s\n", st.Version)
	fmt.Printf("  Listen:  %s\n", st.ListenAddr)
	fmt.Printf("  Uptime:  %s\n", st.Uptime.Round(time.Second))
	return nil
}

func generateVAPID() error {
	priv, pub, err := push.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	fmt.Println("# Add to the [push] section, or export as environment variables.")
	fmt.Printf("vapid_public_key = %q\n", pub)
	fmt.Printf("vapid_private_key = %q\n", priv)
	return nil
}
