// Package config handles configuration loading, validation, and management for tripwire.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the HTTP surface and on-disk layout.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Detection configuration for the probes and the signing window.
	Detection DetectionConfig `toml:"detection" json:"detection" yaml:"detection"`

	// Retention configuration for the in-memory replay buffer.
	Retention RetentionConfig `toml:"retention" json:"retention" yaml:"retention"`

	// Camera and motion sensor configuration.
	Camera CameraConfig `toml:"camera" json:"camera" yaml:"camera"`

	// Push notification configuration.
	Push PushConfig `toml:"push" json:"push" yaml:"push"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Client is echoed verbatim to observers by /bootstrap.
	Client map[string]any `toml:"client" json:"client" yaml:"client"`

	// Tuning configures the camera tuning tool.
	Tuning TuningConfig `toml:"tuning" json:"tuning" yaml:"tuning"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig holds the listener and the on-disk layout.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// DataDir holds pubkey.pem, the database and the audit log.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// CapturesDir receives <timestamp>.jpg and <timestamp>.sig files.
	CapturesDir string `toml:"captures_dir" json:"captures_dir" yaml:"captures_dir"`

	// DBPath is the SQLite capture index.
	DBPath string `toml:"db_path" json:"db_path" yaml:"db_path"`

	// PidFile guards against a second daemon minting its own secrets.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`

	// AuditLogPath is the JSON-lines audit trail of arm, trip and erasure events.
	AuditLogPath string `toml:"audit_log_path" json:"audit_log_path" yaml:"audit_log_path"`

	// CrashDir receives crash reports from recovered goroutine panics.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// PreviewRatePerSec and PreviewBurst rate limit /preview.
	PreviewRatePerSec float64 `toml:"preview_rate_per_sec" json:"preview_rate_per_sec" yaml:"preview_rate_per_sec"`
	PreviewBurst      int     `toml:"preview_burst" json:"preview_burst" yaml:"preview_burst"`

	// ArmOnStart arms the node as soon as the daemon is up.
	ArmOnStart bool `toml:"arm_on_start" json:"arm_on_start" yaml:"arm_on_start"`
}

// DetectionConfig holds probe cadences, thresholds and the signing window.
type DetectionConfig struct {
	// MinSSIMVsInit trips the camera when similarity to the first frame drops below it.
	MinSSIMVsInit float64 `toml:"min_ssim_vs_init" json:"min_ssim_vs_init" yaml:"min_ssim_vs_init"`

	// MinSSIMVsNext trips the camera when similarity to the previous frame drops below it.
	MinSSIMVsNext float64 `toml:"min_ssim_vs_next" json:"min_ssim_vs_next" yaml:"min_ssim_vs_next"`

	// PIRIntervalMs is the motion sensor poll cadence.
	PIRIntervalMs int `toml:"pir_interval_ms" json:"pir_interval_ms" yaml:"pir_interval_ms"`

	// CameraIntervalMs is the camera capture cadence.
	CameraIntervalMs int `toml:"camera_interval_ms" json:"camera_interval_ms" yaml:"camera_interval_ms"`

	// SecretsIntervalMs is the secrets broadcast cadence.
	SecretsIntervalMs int `toml:"secrets_interval_ms" json:"secrets_interval_ms" yaml:"secrets_interval_ms"`

	// SigningWindowSec is how long after detection frames are still signed
	// before the session key is erased.
	SigningWindowSec int `toml:"signing_window_sec" json:"signing_window_sec" yaml:"signing_window_sec"`

	// SecretMax is the exclusive upper bound of sensor secrets.
	SecretMax int64 `toml:"secret_max" json:"secret_max" yaml:"secret_max"`

	// OverrunWarnFactor logs a warning when a cycle takes longer than
	// this multiple of its cadence.
	OverrunWarnFactor float64 `toml:"overrun_warn_factor" json:"overrun_warn_factor" yaml:"overrun_warn_factor"`
}

// RetentionConfig holds the replay buffer bounds.
type RetentionConfig struct {
	// KeepInMemorySec is the retention window.
	KeepInMemorySec int `toml:"keep_in_memory_sec" json:"keep_in_memory_sec" yaml:"keep_in_memory_sec"`

	// Slack is how many records above the window may accumulate before a sweep.
	Slack int `toml:"slack" json:"slack" yaml:"slack"`
}

// CameraConfig holds the capture command and GPIO wiring.
type CameraConfig struct {
	// Width and Height of captured frames.
	Width  int `toml:"width" json:"width" yaml:"width"`
	Height int `toml:"height" json:"height" yaml:"height"`

	// Command is the still capture binary. It must write a JPEG to stdout.
	Command string `toml:"command" json:"command" yaml:"command"`

	// Args are extra arguments appended to Command.
	Args []string `toml:"args" json:"args" yaml:"args"`

	// JPEGQuality is used when frames are re-encoded.
	JPEGQuality int `toml:"jpeg_quality" json:"jpeg_quality" yaml:"jpeg_quality"`

	// CaptureTimeoutSec bounds one invocation of Command.
	CaptureTimeoutSec int `toml:"capture_timeout_sec" json:"capture_timeout_sec" yaml:"capture_timeout_sec"`

	// PIRGPIO is the BCM pin number of the motion sensor, used as the line
	// offset on GPIOChip.
	PIRGPIO int `toml:"pir_gpio" json:"pir_gpio" yaml:"pir_gpio"`

	// GPIOChip is the gpiochip the sensor is wired to. Empty finds the line
	// named GPIO<pir_gpio> on any chip.
	GPIOChip string `toml:"gpio_chip" json:"gpio_chip" yaml:"gpio_chip"`
}

// PushConfig holds Web Push (VAPID) settings.
type PushConfig struct {
	// VAPIDPublicKey is handed to browsers as the application server key.
	VAPIDPublicKey string `toml:"vapid_public_key" json:"vapid_public_key" yaml:"vapid_public_key"`

	// VAPIDPrivateKey signs push requests. Prefer the environment variable.
	VAPIDPrivateKey string `toml:"vapid_private_key" json:"-" yaml:"vapid_private_key"`

	// Subscriber is the VAPID "sub" contact (mailto: or https:).
	Subscriber string `toml:"subscriber" json:"subscriber" yaml:"subscriber"`

	// Message is the notification body sent on a trip.
	Message string `toml:"message" json:"message" yaml:"message"`

	// TTLSec is the push service time to live.
	TTLSec int `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`

	// TimeoutSec bounds one dispatch over all subscriptions.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file, or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the rotation size.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the retention of rotated files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// TuningConfig holds the camera tuning tool parameters.
type TuningConfig struct {
	// NumImages is how many frames to capture.
	NumImages int `toml:"num_images" json:"num_images" yaml:"num_images"`

	// InitialDelaySec is the delay before the first frame.
	InitialDelaySec int `toml:"initial_delay_sec" json:"initial_delay_sec" yaml:"initial_delay_sec"`

	// IntervalSec is the delay between frames.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// OutputDir keeps the captured frames when set.
	OutputDir string `toml:"output_dir" json:"output_dir" yaml:"output_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Server: ServerConfig{
			ListenAddr:         ":8080",
			DataDir:            dir,
			CapturesDir:        filepath.Join(dir, "captures"),
			DBPath:             filepath.Join(dir, "tripwire.db"),
			PidFile:            filepath.Join(dir, "tripwired.pid"),
			AuditLogPath:       filepath.Join(dir, "audit.log"),
			CrashDir:           filepath.Join(dir, "crashes"),
			ShutdownTimeoutSec: 10,
			PreviewRatePerSec:  1,
			PreviewBurst:       3,
		},
		Detection: DetectionConfig{
			MinSSIMVsInit:     0.6,
			MinSSIMVsNext:     0.75,
			PIRIntervalMs:     500,
			CameraIntervalMs:  1000,
			SecretsIntervalMs: 1000,
			SigningWindowSec:  60,
			SecretMax:         1_000_000,
			OverrunWarnFactor: 2,
		},
		Retention: RetentionConfig{
			KeepInMemorySec: 600,
			Slack:           300,
		},
		Camera: CameraConfig{
			Width:             1280,
			Height:            720,
			Command:           "rpicam-still",
			JPEGQuality:       85,
			CaptureTimeoutSec: 5,
			PIRGPIO:           17,
		},
		Push: PushConfig{
			Subscriber: "mailto:admin@localhost",
			Message:    "Motion detected!",
			TTLSec:     60,
			TimeoutSec: 15,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "tripwire.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Client: map[string]any{},
		Tuning: TuningConfig{
			NumImages:       20,
			InitialDelaySec: 2,
			IntervalSec:     1,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Server.DataDir,
		c.Server.CapturesDir,
		filepath.Dir(c.Server.DBPath),
		filepath.Dir(c.Server.PidFile),
		filepath.Dir(c.Server.AuditLogPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base tripwire directory.
// TRIPWIRE_DATA_DIR overrides the XDG default.
func DataDir() string {
	if envDir := os.Getenv("TRIPWIRE_DATA_DIR"); envDir != "" {
		return envDir
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "tripwire")
		}
		dataHome = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataHome, "tripwire")
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with TRIPWIRE_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("TRIPWIRE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TRIPWIRE_CAPTURES_DIR"); v != "" {
		c.Server.CapturesDir = v
	}
	if v := os.Getenv("TRIPWIRE_DB_PATH"); v != "" {
		c.Server.DBPath = v
	}

	// Push credentials from env (for security)
	if v := os.Getenv("TRIPWIRE_VAPID_APP_SERVER_KEY"); v != "" {
		c.Push.VAPIDPublicKey = v
	}
	if v := os.Getenv("TRIPWIRE_VAPID_PRIVATE_KEY"); v != "" {
		c.Push.VAPIDPrivateKey = v
	}
	if v := os.Getenv("TRIPWIRE_VAPID_SUBSCRIBER"); v != "" {
		c.Push.Subscriber = v
	}

	if v := os.Getenv("TRIPWIRE_SIGNING_WINDOW_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Detection.SigningWindowSec = n
		}
	}

	if v := os.Getenv("TRIPWIRE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRIPWIRE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Server:    c.Server,
		Detection: c.Detection,
		Retention: c.Retention,
		Camera:    c.Camera,
		Push:      c.Push,
		Logging:   c.Logging,
		Tuning:    c.Tuning,
	}
	clone.Camera.Args = append([]string{}, c.Camera.Args...)
	clone.Client = make(map[string]any, len(c.Client))
	for k, v := range c.Client {
		clone.Client[k] = v
	}

	return clone
}

// Duration helpers.

func (d DetectionConfig) PIRInterval() time.Duration {
	return time.Duration(d.PIRIntervalMs) * time.Millisecond
}

func (d DetectionConfig) CameraInterval() time.Duration {
	return time.Duration(d.CameraIntervalMs) * time.Millisecond
}

func (d DetectionConfig) SecretsInterval() time.Duration {
	return time.Duration(d.SecretsIntervalMs) * time.Millisecond
}

func (d DetectionConfig) SigningWindow() time.Duration {
	return time.Duration(d.SigningWindowSec) * time.Second
}

func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.KeepInMemorySec) * time.Second
}
