// Package daemon makes sure only one tripwired runs per data directory
// and lets the CLI find and signal it.
//
// A second process would arm its own session with its own secrets and
// keys, so observers could no longer trust what they are shown. The
// running daemon holds an exclusive flock on its PID file for its whole
// lifetime; the lock, not the PID, decides whether it is running.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("daemon: another tripwired is running")
	ErrNotRunning     = errors.New("daemon: tripwired is not running")
)

// State is written next to the PID file for `tripwired --status`.
type State struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version"`
	ListenAddr string    `json:"listen_addr,omitempty"`
}

type Status struct {
	Running bool
	State
	Uptime time.Duration
}

// Manager owns the PID file, its lock and the state file.
type Manager struct {
	pidFile   string
	stateFile string
	held      *os.File
}

// NewManager manages pidFile; the state file is pidFile with a .state
// extension.
func NewManager(pidFile string) *Manager {
	return &Manager{
		pidFile:   pidFile,
		stateFile: strings.TrimSuffix(pidFile, filepath.Ext(pidFile)) + ".state",
	}
}

func (m *Manager) PIDFile() string {
	return m.pidFile
}

// Acquire locks the PID file and writes our PID into it. It fails with
// ErrAlreadyRunning while another process holds the lock.
func (m *Manager) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	f, err := os.OpenFile(m.pidFile, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open pid file: %w", err)
	}
	if err := tryLock(f, true); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			if pid, rerr := m.ReadPID(); rerr == nil {
				return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return ErrAlreadyRunning
		}
		return fmt.Errorf("lock pid file: %w", err)
	}

	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	m.held = f
	return nil
}

// Release removes the files and drops the lock. It does nothing unless
// this Manager acquired them.
func (m *Manager) Release() error {
	if m.held == nil {
		return nil
	}
	os.Remove(m.stateFile)
	err := os.Remove(m.pidFile)
	m.held.Close()
	m.held = nil
	return err
}

// IsRunning reports whether some process holds the PID file lock.
func (m *Manager) IsRunning() bool {
	f, err := os.Open(m.pidFile)
	if err != nil {
		return false
	}
	defer f.Close()
	return errors.Is(tryLock(f, false), errLocked)
}

func (m *Manager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file: %w", err)
	}
	return pid, nil
}

func (m *Manager) WriteState(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.stateFile, data, 0600)
}

func (m *Manager) ReadState() (*State, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

// Status combines the lock with whatever the state file says.
func (m *Manager) Status() Status {
	var st Status
	if saved, err := m.ReadState(); err == nil {
		st.State = *saved
	}
	st.Running = m.IsRunning()
	if st.Running && !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt)
	}
	return st
}

// SignalStop asks the daemon to shut down.
func (m *Manager) SignalStop() error {
	return m.signal(syscall.SIGTERM)
}

// SignalReload asks the daemon to reread its configuration.
func (m *Manager) SignalReload() error {
	return m.signal(syscall.SIGHUP)
}

func (m *Manager) signal(sig syscall.Signal) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}
	pid, err := m.ReadPID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

// WaitForStop polls until the lock is free or timeout passes.
func (m *Manager) WaitForStop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for m.IsRunning() {
		if time.Now().After(deadline) {
			return fmt.Errorf("tripwired still running after %v", timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
