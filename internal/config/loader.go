package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 100 * time.Millisecond

type codec struct {
	decode func(data []byte, cfg *Config) error
	encode func(cfg *Config) ([]byte, error)
}

var tomlCodec = codec{
	decode: func(data []byte, cfg *Config) error {
		_, err := toml.Decode(string(data), cfg)
		return err
	},
	encode: func(cfg *Config) ([]byte, error) {
		buf := bytes.NewBufferString("# tripwire node configuration\n\n")
		err := toml.NewEncoder(buf).Encode(cfg)
		return buf.Bytes(), err
	},
}

var jsonCodec = codec{
	decode: func(data []byte, cfg *Config) error {
		return json.Unmarshal(data, cfg)
	},
	encode: func(cfg *Config) ([]byte, error) {
		return json.MarshalIndent(cfg, "", "  ")
	},
}

var yamlCodec = codec{
	decode: func(data []byte, cfg *Config) error {
		return yaml.Unmarshal(data, cfg)
	},
	encode: func(cfg *Config) ([]byte, error) {
		return yaml.Marshal(cfg)
	},
}

// codecFor picks the format by extension. Unknown extensions are TOML.
func codecFor(path string) codec {
	switch filepath.Ext(path) {
	case ".json":
		return jsonCodec
	case ".yaml", ".yml":
		return yamlCodec
	default:
		return tomlCodec
	}
}

// readConfig decodes path over the defaults. A missing file yields the
// defaults unchanged.
func readConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := codecFor(path).decode(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in the format its extension implies.
func SaveConfig(cfg *Config, path string) error {
	data, err := codecFor(path).encode(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate loads path, first writing the defaults there if it does
// not exist. created reports whether the file was written.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := SaveConfig(DefaultConfig(), path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}
	cfg, err = NewLoader(path).Load()
	return cfg, created, err
}

// Loader owns the live configuration: it loads the file, applies
// environment overrides, validates, and reloads on change.
type Loader struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	handlers []func(old, new *Config)

	errs    chan error
	watcher *fsnotify.Watcher
	stop    context.CancelFunc
	done    sync.WaitGroup
}

func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		debounce: DefaultDebounce,
		errs:     make(chan error, 1),
		stop:     func() {},
	}
}

// Path returns the configuration file.
func (l *Loader) Path() string {
	return l.path
}

func (l *Loader) read() (*Config, error) {
	cfg, err := readConfig(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the file and makes it current. Change handlers are not run;
// callers that reload on demand compare old and new themselves.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration, nil before Load.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after a watched reload succeeds.
func (l *Loader) OnChange(fn func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// Errors delivers reload and watcher failures. Only the most recent
// undelivered error is kept.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Watch reloads the file whenever it changes. The directory is watched
// so that editors replacing the file by rename are noticed.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.watcher, l.stop = w, cancel
	l.done.Add(1)
	go l.watch(ctx, w)
	return nil
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer l.done.Done()

	quiet := time.NewTimer(0)
	<-quiet.C
	defer quiet.Stop()

	name := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == name && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				quiet.Reset(l.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		case <-quiet.C:
			l.reload()
		}
	}
}

func (l *Loader) reload() {
	next, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	old := l.current
	l.current = next
	handlers := append([]func(old, new *Config){}, l.handlers...)
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(old, next)
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.stop()
	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	l.done.Wait()
	return err
}
