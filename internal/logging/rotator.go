package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const backupTimeLayout = "20060102T150405.000"

// FileRotator appends to a log file and starts a new one when the file
// would exceed MaxSize or the local day changes. Old files are renamed
// to "<name>-<time><ext>", gzipped when Compress is set and pruned by
// MaxBackups and MaxAge in the background.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool

	mu     sync.Mutex
	f      *os.File
	size   int64
	day    string
	now    func() time.Time
	chores sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize << 20,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.f, r.size, r.day = f, info.Size(), r.now().Format(time.DateOnly)
	return nil
}

func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	full := r.maxBytes > 0 && r.size+int64(len(p)) > r.maxBytes
	if full || r.now().Format(time.DateOnly) != r.day {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil

	ext := filepath.Ext(r.path)
	backup := fmt.Sprintf("%s-%s%s", strings.TrimSuffix(r.path, ext), r.now().Format(backupTimeLayout), ext)
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := r.open(); err != nil {
		return err
	}

	r.chores.Add(1)
	go func() {
		defer r.chores.Done()
		if r.compress {
			gzipFile(backup)
		}
		r.prune()
	}()
	return nil
}

// gzipFile replaces path with path.gz. On failure the plain file stays.
func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	_, err = io.Copy(zw, in)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

type backupFile struct {
	path    string
	modTime time.Time
}

func (r *FileRotator) prune() {
	ext := filepath.Ext(r.path)
	matches, _ := filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext + "*")

	var backups []backupFile
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			backups = append(backups, backupFile{m, info.ModTime()})
		}
	}
	// Newest first.
	slices.SortFunc(backups, func(a, b backupFile) int {
		return b.modTime.Compare(a.modTime)
	})

	cutoff := r.now().Add(-r.maxAge)
	for i, b := range backups {
		tooMany := r.maxBackups > 0 && i >= r.maxBackups
		tooOld := r.maxAge > 0 && b.modTime.Before(cutoff)
		if tooMany || tooOld {
			os.Remove(b.path)
		}
	}
}

// Close waits for pending compression and closes the current file.
func (r *FileRotator) Close() error {
	r.chores.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
