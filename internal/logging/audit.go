package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// AuditEventType names an audit trail entry.
type AuditEventType string

const (
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
	AuditEventArm          AuditEventType = "arm"
	AuditEventReArm        AuditEventType = "re_arm"
	AuditEventTrip         AuditEventType = "trip"
	AuditEventKeyErased    AuditEventType = "key_erased"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventError        AuditEventType = "error"
)

// AuditEvent is one JSON line of the audit trail. Secret values never
// appear in it: sessions are identified by id and public key hash only.
type AuditEvent struct {
	Time      time.Time      `json:"time"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	OK        bool           `json:"ok"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLoggerConfig configures NewAuditLogger. Rotation settings mean the
// same as in Config.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// AuditLogger appends arm, trip and key lifecycle events to a rotated
// JSON-lines file. A nil *AuditLogger discards everything.
type AuditLogger struct {
	component string
	out       *FileRotator
	now       func() time.Time

	mu sync.Mutex
}

func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil || cfg.FilePath == "" {
		return nil, errors.New("audit log path is required")
	}
	out, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	component := cfg.Component
	if component == "" {
		component = "tripwired"
	}
	return &AuditLogger{component: component, out: out, now: time.Now}, nil
}

// Log appends ev, filling in the time and component.
func (a *AuditLogger) Log(_ context.Context, ev AuditEvent) error {
	if a == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = a.now().UTC()
	}
	if ev.Component == "" {
		ev.Component = a.component
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (a *AuditLogger) LogStartup(ctx context.Context, version string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditEventStartup, OK: true, Subject: version})
}

func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{EventType: AuditEventShutdown, OK: true, Subject: reason})
}

// LogArm records a fresh session; rearm separates /re-arm from /arm.
func (a *AuditLogger) LogArm(ctx context.Context, sessionID, pubKeyHash string, rearm bool) error {
	ev := AuditEvent{
		EventType: AuditEventArm,
		SessionID: sessionID,
		OK:        true,
		Details:   map[string]any{"pubkey_hash": pubKeyHash},
	}
	if rearm {
		ev.EventType = AuditEventReArm
	}
	return a.Log(ctx, ev)
}

// LogTrip records a sensor trip. first is true only for the trip that set
// the session's detection time.
func (a *AuditLogger) LogTrip(ctx context.Context, sessionID, source string, first bool, detection time.Time) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventTrip,
		SessionID: sessionID,
		Subject:   source,
		OK:        true,
		Details: map[string]any{
			"first":          first,
			"detection_time": detection.UTC().Format(time.RFC3339Nano),
		},
	})
}

func (a *AuditLogger) LogKeyErased(ctx context.Context, sessionID string, after time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyErased,
		SessionID: sessionID,
		OK:        true,
		Details:   map[string]any{"seconds_after_detection": after.Seconds()},
	})
}

func (a *AuditLogger) LogConfigChange(ctx context.Context, section, from, to string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Subject:   section,
		OK:        true,
		Details:   map[string]any{"from": from, "to": to},
	})
}

func (a *AuditLogger) LogError(ctx context.Context, op string, err error) error {
	return a.Log(ctx, AuditEvent{EventType: AuditEventError, Subject: op, Error: err.Error()})
}

func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.out.Close()
}
