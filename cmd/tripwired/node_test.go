package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripwire/internal/config"
	"tripwire/internal/logging"
)

func newAuditLogger(t *testing.T, dir string) *logging.AuditLogger {
	t.Helper()
	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{FilePath: filepath.Join(dir, "audit.log")})
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })
	return audit
}

func TestAuditConfigChangeRecordsDetectionChange(t *testing.T) {
	dir := t.TempDir()
	audit := newAuditLogger(t, dir)

	old := config.DefaultConfig()
	next := config.DefaultConfig()
	next.Detection.MinSSIMVsInit = 0.4

	auditConfigChange(context.Background(), audit, logging.Discard(), old, old)
	auditConfigChange(context.Background(), audit, logging.Discard(), nil, next)
	auditConfigChange(context.Background(), audit, logging.Discard(), old, next)
	require.NoError(t, audit.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(raw, []byte("\n")))
	assert.Contains(t, string(raw), `"event_type":"config_change"`)
	assert.Contains(t, string(raw), `"subject":"detection"`)
}

func TestAuditConfigChangeLogsWriteFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	require.NoError(t, os.MkdirAll(dir, 0700))
	audit := newAuditLogger(t, dir)
	require.NoError(t, audit.Close())
	require.NoError(t, os.RemoveAll(dir))

	var buf bytes.Buffer
	logger, err := logging.New(&logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON, Writer: &buf})
	require.NoError(t, err)

	old := config.DefaultConfig()
	next := config.DefaultConfig()
	next.Detection.SigningWindowSec = 5

	auditConfigChange(context.Background(), audit, logger, old, next)
	assert.Contains(t, buf.String(), "audit write failed")
}
