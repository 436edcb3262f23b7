package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Time       time.Time `json:"time"`
	Version    string    `json:"version"`
	Component  string    `json:"component,omitempty"`
	Goroutine  string    `json:"goroutine"`
	Panic      string    `json:"panic"`
	Stack      string    `json:"stack"`
	Goroutines int       `json:"num_goroutine"`
	Platform   string    `json:"platform"`
}

type CrashHandlerConfig struct {
	// CrashDir receives one JSON dump per panic. Empty disables dumps.
	CrashDir  string
	Version   string
	Component string
	Logger    *Logger

	// OnCrash runs after the dump is written.
	OnCrash func(CrashReport)
}

// CrashHandler turns panics in long-running goroutines into crash dumps
// and log records. The goroutine ends; the process keeps running.
type CrashHandler struct {
	cfg CrashHandlerConfig
}

func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	h := &CrashHandler{}
	if cfg != nil {
		h.cfg = *cfg
	}
	if h.cfg.CrashDir != "" {
		_ = os.MkdirAll(h.cfg.CrashDir, 0700)
	}
	return h
}

// RecoverGoroutine must be deferred directly:
//
//	go func() {
//		defer crash.RecoverGoroutine("camera_probe")
//		...
//	}()
//
// A nil handler still recovers and prints the stack to stderr.
func (h *CrashHandler) RecoverGoroutine(name string) {
	r := recover()
	if r == nil {
		return
	}
	if h == nil {
		fmt.Fprintf(os.Stderr, "panic in %s: %v\n%s", name, r, debug.Stack())
		return
	}
	h.HandlePanic(name, r)
}

// HandlePanic records value as a panic in goroutine name.
func (h *CrashHandler) HandlePanic(name string, value any) CrashReport {
	report := CrashReport{
		Time:       time.Now().UTC(),
		Version:    h.cfg.Version,
		Component:  h.cfg.Component,
		Goroutine:  name,
		Panic:      fmt.Sprint(value),
		Stack:      string(debug.Stack()),
		Goroutines: runtime.NumGoroutine(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}

	path, err := h.dump(report)
	if l := h.cfg.Logger; l != nil {
		l.Error("recovered panic", "goroutine", name, "panic", report.Panic, "dump", path, "dump_error", err)
	}
	if h.cfg.OnCrash != nil {
		h.cfg.OnCrash(report)
	}
	return report
}

func (h *CrashHandler) dump(report CrashReport) (string, error) {
	if h.cfg.CrashDir == "" {
		return "", nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("crash-%s-%s.json", report.Goroutine, report.Time.Format("20060102T150405.000000"))
	path := filepath.Join(h.cfg.CrashDir, name)
	return path, os.WriteFile(path, data, 0600)
}

// Reports reads back every dump in the crash directory, skipping files
// that do not parse.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.cfg.CrashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	var reports []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	return reports, nil
}
