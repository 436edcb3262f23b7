package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "run", "tripwired.pid"))
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Acquire())
	pid, err := m.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, m.IsRunning())

	started := time.Now().Add(-time.Minute)
	require.NoError(t, m.WriteState(&State{PID: pid, StartedAt: started, Version: "test", ListenAddr: ":8080"}))
	st := m.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, ":8080", st.ListenAddr)
	assert.GreaterOrEqual(t, st.Uptime, time.Minute)

	require.NoError(t, m.Release())
	assert.NoFileExists(t, m.PIDFile())
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Release())
}

func TestSecondAcquireRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripwired.pid")
	first := NewManager(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewManager(path)
	assert.ErrorIs(t, second.Acquire(), ErrAlreadyRunning)
	// A refused manager must not clean up the holder's files.
	require.NoError(t, second.Release())
	assert.FileExists(t, path)
}

func TestStalePIDFileIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripwired.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0600))

	m := NewManager(path)
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Acquire())
	defer m.Release()

	pid, err := m.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestSignalWithoutDaemon(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "tripwired.pid"))
	assert.ErrorIs(t, m.SignalStop(), ErrNotRunning)
	assert.ErrorIs(t, m.SignalReload(), ErrNotRunning)
	assert.NoError(t, m.WaitForStop(time.Millisecond))
	assert.False(t, m.Status().Running)
}
